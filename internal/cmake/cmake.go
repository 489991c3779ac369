// Package cmake wraps the external CMake binary behind a narrow Tool
// interface so the pipeline can be exercised with a test double instead of
// real subprocesses.
package cmake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ConfigureOptions describe one configure invocation.
type ConfigureOptions struct {
	SourceDir string
	BuildDir  string
	Generator string
	Toolchain string
	BuildType string
	Defines   map[string]string
	Args      []string
}

// BuildOptions describe one build invocation.
type BuildOptions struct {
	BuildDir  string
	BuildType string
	Jobs      int
	Verbose   bool
}

// InstallOptions describe one install invocation. An empty Components list
// means "all components" (a plain --install with no component selector).
type InstallOptions struct {
	BuildDir   string
	Prefix     string
	BuildType  string
	Components []string
}

// Tool is the three-phase external build tool protocol. Implementations
// must capture the tool's output verbatim and attach it to failures.
type Tool interface {
	Version(ctx context.Context) (string, error)
	Configure(ctx context.Context, opts ConfigureOptions) error
	Build(ctx context.Context, opts BuildOptions) error
	Install(ctx context.Context, opts InstallOptions) error
}

// InvocationError is a non-zero exit from the external tool, with its
// combined output attached verbatim.
type InvocationError struct {
	Args   []string
	Output string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %v\n%s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// CMake invokes a real cmake binary.
type CMake struct {
	Path string
	// Out receives the tool's live output; nil discards it. Failures carry
	// the captured output regardless.
	Out io.Writer

	version string
}

func New(path string) *CMake {
	if path == "" {
		path = "cmake"
	}
	return &CMake{Path: path, Out: os.Stdout}
}

var versionRe = regexp.MustCompile(`cmake version (\d+\.\d+[0-9.]*)`)

func (c *CMake) Version(ctx context.Context) (string, error) {
	if c.version != "" {
		return c.version, nil
	}
	out, err := exec.CommandContext(ctx, c.Path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to run %s --version: %w", c.Path, err)
	}
	m := versionRe.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("could not parse cmake version from %q", bytes.TrimSpace(out))
	}
	c.version = string(m[1])
	return c.version, nil
}

func (c *CMake) Configure(ctx context.Context, opts ConfigureOptions) error {
	args := []string{"-S", opts.SourceDir, "-B", opts.BuildDir}
	if opts.Generator != "" {
		args = append(args, "-G", opts.Generator)
	}
	if opts.Toolchain != "" {
		args = append(args, "-DCMAKE_TOOLCHAIN_FILE="+opts.Toolchain)
	}
	if opts.BuildType != "" {
		args = append(args, "-DCMAKE_BUILD_TYPE:STRING="+opts.BuildType)
	}
	args = append(args, defineArgs(opts.Defines)...)
	args = append(args, opts.Args...)
	return c.run(ctx, args)
}

func (c *CMake) Build(ctx context.Context, opts BuildOptions) error {
	args := []string{"--build", opts.BuildDir}
	if opts.BuildType != "" {
		args = append(args, "--config", opts.BuildType)
	}
	if opts.Jobs > 0 {
		args = append(args, "-j", strconv.Itoa(opts.Jobs))
	}
	if opts.Verbose {
		args = append(args, "-v")
	}
	return c.run(ctx, args)
}

func (c *CMake) Install(ctx context.Context, opts InstallOptions) error {
	base := []string{"--install", opts.BuildDir, "--prefix", opts.Prefix}
	if opts.BuildType != "" {
		base = append(base, "--config", opts.BuildType)
	}
	if len(opts.Components) == 0 {
		return c.run(ctx, base)
	}
	for _, component := range opts.Components {
		args := append(append([]string{}, base...), "--component", component)
		if err := c.run(ctx, args); err != nil {
			return err
		}
	}
	return nil
}

func (c *CMake) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, c.Path, args...)

	var capture bytes.Buffer
	out := io.Writer(&capture)
	if c.Out != nil {
		out = io.MultiWriter(&capture, c.Out)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return &InvocationError{
			Args:   append([]string{c.Path}, args...),
			Output: capture.String(),
			Err:    err,
		}
	}
	return nil
}

// defineArgs renders -D flags in sorted key order so invocations are
// reproducible.
func defineArgs(defines map[string]string) []string {
	if len(defines) == 0 {
		return nil
	}
	keys := make([]string, 0, len(defines))
	for k := range defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, "-D"+k+"="+defines[k])
	}
	return args
}
