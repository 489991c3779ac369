// Package python probes the target Python interpreter for the identity
// facts (ABI, platform, paths) the build needs: the interpreter is asked
// once, via a small JSON-emitting script, and the answer is carried
// through the pipeline as an immutable value.
package python

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// probeScript is executed by the target interpreter to report its identity.
const probeScript = `import json, sys, sysconfig
print(json.dumps({
    "executable": sys.executable,
    "version": "%d.%d" % sys.version_info[:2],
    "implementation": sys.implementation.name,
    "cache_tag": sys.implementation.cache_tag,
    "ext_suffix": sysconfig.get_config_var("EXT_SUFFIX") or "",
    "include": sysconfig.get_path("include"),
    "purelib": sysconfig.get_path("purelib"),
    "prefix": sys.prefix,
    "library": (sysconfig.get_config_var("LIBDIR") or "") and
        "%s/%s" % (sysconfig.get_config_var("LIBDIR"), sysconfig.get_config_var("LDLIBRARY") or ""),
    "platform": sysconfig.get_platform(),
    "abiflags": getattr(sys, "abiflags", ""),
}))`

// Interpreter holds the probed identity of the target Python.
type Interpreter struct {
	Executable     string `json:"executable"`
	Version        string `json:"version"`
	Implementation string `json:"implementation"`
	CacheTag       string `json:"cache_tag"`
	ExtSuffix      string `json:"ext_suffix"`
	IncludeDir     string `json:"include"`
	PureLib        string `json:"purelib"`
	Prefix         string `json:"prefix"`
	Library        string `json:"library"`
	Platform       string `json:"platform"`
	ABIFlags       string `json:"abiflags"`
}

var commonInterpreters = []string{"python3", "python"}

// Find locates the target interpreter: WHEELFORGE_PYTHON wins, then the
// first python3/python on PATH.
func Find(environ map[string]string) (string, error) {
	if exe, ok := environ["WHEELFORGE_PYTHON"]; ok && exe != "" {
		return exe, nil
	}
	for _, name := range commonInterpreters {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found on PATH (set WHEELFORGE_PYTHON to override)")
}

// Probe runs the interpreter once and decodes its identity.
func Probe(ctx context.Context, executable string) (*Interpreter, error) {
	cmd := exec.CommandContext(ctx, executable, "-c", probeScript)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w\n%s", executable, err, stderr.String())
	}
	return ParseProbe(stdout.Bytes())
}

// ParseProbe decodes the probe script's JSON output.
func ParseProbe(data []byte) (*Interpreter, error) {
	var interp Interpreter
	if err := json.Unmarshal(data, &interp); err != nil {
		return nil, fmt.Errorf("malformed interpreter probe output: %w", err)
	}
	if interp.Executable == "" || interp.Version == "" {
		return nil, fmt.Errorf("interpreter probe output is missing executable or version")
	}
	return &interp, nil
}

var versionDigits = regexp.MustCompile(`^(\d+)\.(\d+)`)

// ImplementationTag returns the wheel implementation tag, e.g. cp312.
func (i *Interpreter) ImplementationTag() string {
	m := versionDigits.FindStringSubmatch(i.Version)
	if m == nil {
		return "py3"
	}
	nodot := m[1] + m[2]
	switch i.Implementation {
	case "cpython":
		return "cp" + nodot
	case "pypy":
		return "pp" + nodot
	case "graalpy":
		return "graalpy" + nodot
	default:
		return "py" + nodot
	}
}

// ABITag returns the wheel ABI tag derived from the extension suffix,
// e.g. cp312, or abi3 when pyAPI pins the stable ABI.
func (i *Interpreter) ABITag(pyAPI string) string {
	if strings.HasPrefix(pyAPI, "cp3") {
		return "abi3"
	}
	// EXT_SUFFIX looks like ".cpython-312-x86_64-linux-gnu.so" or
	// ".cp312-win_amd64.pyd"; the SOABI is everything between the dots.
	soabi := strings.TrimPrefix(i.ExtSuffix, ".")
	if idx := strings.LastIndex(soabi, "."); idx >= 0 {
		soabi = soabi[:idx]
	}
	parts := strings.Split(soabi, "-")
	if len(parts) >= 2 {
		switch parts[0] {
		case "cpython":
			return "cp" + strings.ReplaceAll(parts[1], ".", "")
		case "pypy":
			return "pypy" + strings.ReplaceAll(i.Version, ".", "") + "_" + parts[1]
		case "cp" + strings.ReplaceAll(i.Version, ".", ""):
			return parts[0]
		}
	}
	return i.ImplementationTag()
}

// PlatformTag returns the wheel platform tag, e.g. linux_x86_64.
func (i *Interpreter) PlatformTag() string {
	tag := strings.ReplaceAll(i.Platform, "-", "_")
	return strings.ReplaceAll(tag, ".", "_")
}

// SOABI returns the value injected into the build so extension modules get
// the interpreter's native suffix (or the stable-ABI suffix for py-api).
func (i *Interpreter) SOABI(pyAPI string) string {
	if strings.HasPrefix(pyAPI, "cp3") {
		if strings.Contains(i.Platform, "win") {
			return ""
		}
		return "abi3"
	}
	soabi := strings.TrimPrefix(i.ExtSuffix, ".")
	if idx := strings.LastIndex(soabi, "."); idx >= 0 {
		soabi = soabi[:idx]
	}
	return soabi
}

// Identity is the interpreter's contribution to the build-tree fingerprint.
func (i *Interpreter) Identity() string {
	return strings.Join([]string{i.Executable, i.CacheTag, i.ExtSuffix, i.Platform}, "\x00")
}
