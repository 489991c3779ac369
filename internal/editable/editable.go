// Package editable renders the import shim installed by editable wheels:
// a meta path finder that redirects package imports into the project's
// source and build trees, optionally rebuilding before import.
package editable

import (
	"bytes"
	"sort"
	"strings"
	"text/template"
)

// ModuleName is the shim module installed next to site-packages,
// prefixed with an underscore to keep it out of completion.
func ModuleName(normalizedName string) string {
	return "_" + normalizedName + "_editable"
}

// PthContents triggers the shim at interpreter startup.
func PthContents(normalizedName string) []byte {
	return []byte("import " + ModuleName(normalizedName) + "\n")
}

// Params feed the shim template. Redirects maps importable names to
// absolute file paths; Rebuild, when non-empty, is a sequence of commands
// run from BuildDir before the first redirected import (typically build
// then install, so the redirect targets are current).
type Params struct {
	Redirects map[string]string
	Rebuild   [][]string
	BuildDir  string
	Verbose   bool
}

var shimTemplate = template.Must(template.New("shim").Funcs(template.FuncMap{
	"pystr":  pyString,
	"pybool": pyBool,
}).Parse(`import importlib.abc
import importlib.util
import subprocess
import sys

MAPPING = {
{{- range .Entries}}
    {{pystr .Name}}: {{pystr .Path}},
{{- end}}
}
REBUILD = [{{range .Rebuild}}[{{range .}}{{pystr .}}, {{end}}], {{end}}]
BUILD_DIR = {{pystr .BuildDir}}
VERBOSE = {{pybool .Verbose}}

_rebuilt = False


def _rebuild():
    global _rebuilt
    if _rebuilt or not REBUILD:
        return
    _rebuilt = True
    out = None if VERBOSE else subprocess.DEVNULL
    for cmd in REBUILD:
        subprocess.run(cmd, cwd=BUILD_DIR, stdout=out, stderr=out, check=True)


class _RedirectingFinder(importlib.abc.MetaPathFinder):
    def find_spec(self, fullname, path=None, target=None):
        location = MAPPING.get(fullname)
        if location is None:
            return None
        _rebuild()
        submodules = None
        if location.endswith("__init__.py"):
            submodules = [location[: -len("/__init__.py")]]
        return importlib.util.spec_from_file_location(
            fullname, location, submodule_search_locations=submodules
        )


sys.meta_path.insert(0, _RedirectingFinder())
`))

type shimEntry struct {
	Name string
	Path string
}

// Script renders the shim module body. Redirect entries come out
// sorted so repeated builds emit identical bytes.
func Script(p Params) []byte {
	entries := make([]shimEntry, 0, len(p.Redirects))
	for name, path := range p.Redirects {
		entries = append(entries, shimEntry{Name: name, Path: strings.ReplaceAll(path, "\\", "/")})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var buf bytes.Buffer
	err := shimTemplate.Execute(&buf, struct {
		Entries  []shimEntry
		Rebuild  [][]string
		BuildDir string
		Verbose  bool
	}{entries, p.Rebuild, strings.ReplaceAll(p.BuildDir, "\\", "/"), p.Verbose})
	if err != nil {
		// The template is static and the inputs are strings; a render
		// failure is a programming error.
		panic(err)
	}
	return buf.Bytes()
}

func pyString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
