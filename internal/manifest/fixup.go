package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Runner executes a relocation helper and returns its combined output.
// Abstracted so fixups can be tested without patchelf on the host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		return out.String(), fmt.Errorf("%s %s: %w\n%s", name, strings.Join(args, " "), err, out.String())
	}
	return out.String(), nil
}

// Fixer rewrites the library-search paths of bundled binary modules so
// they resolve against the private bundled-library directory inside the
// artifact instead of absolute build-time paths.
type Fixer struct {
	GOOS   string
	Runner Runner
	// LibDir is the bundled-library directory name, e.g. "sample.libs".
	LibDir string
}

func NewFixer(libDir string) *Fixer {
	return &Fixer{GOOS: runtime.GOOS, Runner: execRunner{}, LibDir: libDir}
}

// Fixup rewrites every platform-library extension module in place and
// verifies each rewrite by re-reading the search path. A mismatch after
// rewriting is an error: a wrong path here fails silently at import time
// for end users, so it must be caught now.
func (f *Fixer) Fixup(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if e.Category != PlatLib || !isExtensionModule(e.Rel) {
			continue
		}
		if err := f.fixupOne(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fixer) fixupOne(ctx context.Context, e Entry) error {
	depth := strings.Count(e.Rel, "/")
	up := strings.Repeat("../", depth)

	switch f.GOOS {
	case "linux":
		want := "$ORIGIN/" + up + f.LibDir
		if _, err := f.Runner.Run(ctx, "patchelf", "--set-rpath", want, e.Source); err != nil {
			return fmt.Errorf("failed to rewrite rpath of %s: %w", e.Rel, err)
		}
		got, err := f.Runner.Run(ctx, "patchelf", "--print-rpath", e.Source)
		if err != nil {
			return fmt.Errorf("failed to verify rpath of %s: %w", e.Rel, err)
		}
		if strings.TrimSpace(got) != want {
			return fmt.Errorf("rpath verification failed for %s: got %q, want %q", e.Rel, strings.TrimSpace(got), want)
		}
	case "darwin":
		want := "@loader_path/" + up + f.LibDir
		if _, err := f.Runner.Run(ctx, "install_name_tool", "-add_rpath", want, e.Source); err != nil {
			return fmt.Errorf("failed to add rpath to %s: %w", e.Rel, err)
		}
		got, err := f.Runner.Run(ctx, "otool", "-l", e.Source)
		if err != nil {
			return fmt.Errorf("failed to verify rpath of %s: %w", e.Rel, err)
		}
		if !strings.Contains(got, want) {
			return fmt.Errorf("rpath verification failed for %s: %q not present", e.Rel, want)
		}
	default:
		// No relocation scheme on this platform.
	}
	return nil
}
