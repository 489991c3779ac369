// Package manifest turns a staged install tree into the ordered list of
// (source, destination-category, mode) entries the assembler packages,
// applying binary-relocation fixups along the way.
package manifest

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one installed file.
type Entry struct {
	Source   string // absolute path under the staging root
	Category Category
	Rel      string // slash path relative to the category root
	Mode     fs.FileMode
}

// ArchivePath returns the file's final path inside the wheel. The
// library categories live at the archive root; everything else goes under
// the {name}-{version}.data directory using the wheel data scheme.
func (e Entry) ArchivePath(nameVer string) string {
	switch e.Category {
	case PlatLib, PureLib:
		return e.Rel
	case Script:
		return nameVer + ".data/scripts/" + e.Rel
	case Header:
		return nameVer + ".data/headers/" + e.Rel
	case Doc:
		return nameVer + ".data/data/share/doc/" + e.Rel
	default:
		return nameVer + ".data/data/" + e.Rel
	}
}

// Walk scans a staging root and classifies every file. Any file that maps
// to no category fails the walk; an empty result is the caller's problem
// to reject (EmptyInstallError at the orchestration level).
func Walk(staging string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(staging, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		category, catRel, err := Classify(rel)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Source:   path,
			Category: category,
			Rel:      catRel,
			Mode:     info.Mode(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Sort orders entries by archive path and rejects collisions, so repeated
// builds from identical inputs produce identical archives.
func Sort(entries []Entry, nameVer string) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ArchivePath(nameVer) < entries[j].ArchivePath(nameVer)
	})
	for i := 1; i < len(entries); i++ {
		a, b := entries[i-1].ArchivePath(nameVer), entries[i].ArchivePath(nameVer)
		if a == b {
			return fmt.Errorf("two installed files map to the same archive path %q (%s and %s)",
				a, entries[i-1].Source, entries[i].Source)
		}
	}
	return nil
}

// HasPlatlib reports whether any entry is a platform library, which is
// what decides the artifact's platform-specific tag.
func HasPlatlib(entries []Entry) bool {
	for _, e := range entries {
		if e.Category == PlatLib {
			return true
		}
	}
	return false
}

// isExtensionModule matches dynamically loadable binary modules by suffix.
func isExtensionModule(rel string) bool {
	switch {
	case strings.HasSuffix(rel, ".so"), strings.Contains(rel, ".so."):
		return true
	case strings.HasSuffix(rel, ".dylib"):
		return true
	case strings.HasSuffix(rel, ".pyd"):
		return true
	}
	return false
}
