package manifest

import (
	"fmt"
	"strings"
)

// Category is the closed set of logical destinations for installed files.
type Category int

const (
	PlatLib Category = iota
	PureLib
	Script
	Data
	Header
	Doc
)

func (c Category) String() string {
	switch c {
	case PlatLib:
		return "platlib"
	case PureLib:
		return "purelib"
	case Script:
		return "scripts"
	case Data:
		return "data"
	case Header:
		return "headers"
	case Doc:
		return "doc"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// UnclassifiedFileError is raised for a staged file that maps to no
// category. Files are never silently dropped.
type UnclassifiedFileError struct {
	Path string
}

func (e *UnclassifiedFileError) Error() string {
	return fmt.Sprintf("installed file %q does not belong to any known destination", e.Path)
}

// Classify maps a staging-relative slash path to its category and the
// path relative to the category root. The install step is told to target
// the explicit platlib/, purelib/, ... prefixes; GNU-style install
// layouts (bin/, include/, lib/, share/) are accepted as a convention.
func Classify(rel string) (Category, string, error) {
	first, rest, _ := strings.Cut(rel, "/")
	if rest == "" {
		// A bare file at the staging root has no destination.
		return 0, "", &UnclassifiedFileError{Path: rel}
	}

	switch first {
	case "platlib":
		return PlatLib, rest, nil
	case "purelib":
		return PureLib, rest, nil
	case "scripts", "bin":
		return Script, rest, nil
	case "data":
		return Data, rest, nil
	case "headers", "include":
		return Header, rest, nil
	case "doc":
		return Doc, rest, nil
	case "lib", "lib64":
		return PlatLib, rest, nil
	case "share":
		if sub, docRest, _ := strings.Cut(rest, "/"); sub == "doc" && docRest != "" {
			return Doc, docRest, nil
		}
		return Data, "share/" + rest, nil
	}
	return 0, "", &UnclassifiedFileError{Path: rel}
}
