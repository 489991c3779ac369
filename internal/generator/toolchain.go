package generator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/wheelforge-build/wheelforge/internal/python"
)

// ToolchainFilename is written into the build tree and injected via
// CMAKE_TOOLCHAIN_FILE so the project's FindPython resolves to the same
// interpreter that is driving the build.
const ToolchainFilename = "wheelforge_python.cmake"

// WriteToolchain renders the interpreter-locating fragment into dir and
// returns its path.
func WriteToolchain(dir string, interp *python.Interpreter, pyAPI string) (string, error) {
	path := filepath.Join(dir, ToolchainFilename)
	if err := os.WriteFile(path, RenderToolchain(interp, pyAPI), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// RenderToolchain produces the toolchain fragment contents.
func RenderToolchain(interp *python.Interpreter, pyAPI string) []byte {
	var sb strings.Builder
	set := func(name, value, kind string) {
		if value == "" {
			return
		}
		sb.WriteString("set(" + name + " \"" + cmakeQuote(value) + "\" CACHE " + kind + " \"\")\n")
	}

	sb.WriteString("# Generated by wheelforge; locates the driving interpreter.\n")

	// Classic FindPythonLibs/FindPythonInterp
	set("PYTHON_EXECUTABLE", interp.Executable, "FILEPATH")
	set("PYTHON_INCLUDE_DIR", interp.IncludeDir, "PATH")
	set("PYTHON_LIBRARY", interp.Library, "FILEPATH")

	// Modern FindPython / FindPython3
	for _, prefix := range []string{"Python", "Python3"} {
		set(prefix+"_EXECUTABLE", interp.Executable, "FILEPATH")
		set(prefix+"_ROOT_DIR", interp.Prefix, "PATH")
		set(prefix+"_INCLUDE_DIR", interp.IncludeDir, "PATH")
		set(prefix+"_FIND_REGISTRY", "NEVER", "STRING")
		// Setting the library tends to break FindPython except on Windows.
		if strings.Contains(interp.Platform, "win") {
			set(prefix+"_LIBRARY", interp.Library, "FILEPATH")
		}
	}

	sb.WriteString("set(WHEELFORGE_SOABI \"" + cmakeQuote(interp.SOABI(pyAPI)) + "\" CACHE STRING \"\")\n")
	return []byte(sb.String())
}

func cmakeQuote(s string) string {
	s = strings.ReplaceAll(s, "\\", "/")
	return strings.ReplaceAll(s, "\"", "\\\"")
}
