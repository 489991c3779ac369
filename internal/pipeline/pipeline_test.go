package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wheelforge-build/wheelforge/internal/cmake"
	"github.com/wheelforge-build/wheelforge/internal/generator"
	"github.com/wheelforge-build/wheelforge/internal/manifest"
	"github.com/wheelforge-build/wheelforge/internal/python"
	"github.com/wheelforge-build/wheelforge/internal/settings"
)

// fakeTool records the phase sequence and stages canned files on install.
type fakeTool struct {
	calls        []string
	failPhase    string
	installFiles map[string]string // rel path under prefix -> content
}

var errPhase = errors.New("phase failed")

func (f *fakeTool) Version(ctx context.Context) (string, error) {
	return "3.30.2", nil
}

func (f *fakeTool) Configure(ctx context.Context, opts cmake.ConfigureOptions) error {
	f.calls = append(f.calls, "configure")
	if f.failPhase == "configure" {
		return errPhase
	}
	// A real configure leaves the tool's cache behind.
	return os.WriteFile(filepath.Join(opts.BuildDir, "CMakeCache.txt"), []byte("fake"), 0o644)
}

func (f *fakeTool) Build(ctx context.Context, opts cmake.BuildOptions) error {
	f.calls = append(f.calls, "build")
	if f.failPhase == "build" {
		return errPhase
	}
	return nil
}

func (f *fakeTool) Install(ctx context.Context, opts cmake.InstallOptions) error {
	f.calls = append(f.calls, "install")
	if f.failPhase == "install" {
		return errPhase
	}
	for rel, content := range f.installFiles {
		path := filepath.Join(opts.Prefix, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func defaultInstall() map[string]string {
	return map[string]string{
		"platlib/sample_ext/__init__.py": "from ._core import *\n",
		"platlib/sample_ext/_core.so":    "\x7fELF fake",
	}
}

func newTestPipeline(t *testing.T, tool *fakeTool) *Pipeline {
	t.Helper()
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "CMakeLists.txt"), []byte("project(sample)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "pyproject.toml"), []byte("[project]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	return &Pipeline{
		Settings: &settings.Settings{
			CMakePath: "cmake",
			BuildType: "Release",
			Jobs:      2,
			Metadata:  settings.ProjectMetadata{Name: "sample-ext", Version: "1.2.3"},
		},
		Tool: tool,
		Interp: &python.Interpreter{
			Executable:     "/usr/bin/python3.12",
			Version:        "3.12",
			Implementation: "cpython",
			CacheTag:       "cpython-312",
			ExtSuffix:      ".cpython-312-x86_64-linux-gnu.so",
			Platform:       "linux-x86_64",
		},
		Probe:     generator.Probe{GOOS: "linux", HasNinja: true},
		SourceDir: source,
		Environ:   map[string]string{"SOURCE_DATE_EPOCH": "1700000000"},
		// Relocation is a no-op on unknown platforms; the fixup logic has
		// its own tests.
		Fixer: &manifest.Fixer{GOOS: "none", LibDir: "sample_ext.libs"},
		Quiet: true,
	}
}

func TestBuildWheelPhases(t *testing.T) {
	tool := &fakeTool{installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)

	path, err := p.BuildWheel(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("build wheel: %v", err)
	}
	if got := strings.Join(tool.calls, " "); got != "configure build install" {
		t.Fatalf("phase order = %q", got)
	}
	if filepath.Base(path) != "sample_ext-1.2.3-cp312-cp312-linux_x86_64.whl" {
		t.Fatalf("wheel name = %s", filepath.Base(path))
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	for _, want := range []string{
		"sample_ext/__init__.py",
		"sample_ext/_core.so",
		"sample_ext-1.2.3.dist-info/RECORD",
	} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("wheel missing %s, has %v", want, names)
		}
	}

	// Install staging must not leak into the build tree.
	entries, err := os.ReadDir(p.BuildDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "staging-") {
			t.Fatalf("staging dir leaked: %s", e.Name())
		}
	}
}

func TestBuildWheelSkipsConfigureOnRerun(t *testing.T) {
	tool := &fakeTool{installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)

	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if got := strings.Join(tool.calls, " "); got != "configure build install build install" {
		t.Fatalf("phase sequence = %q", got)
	}
}

func TestBuildWheelReconfiguresOnSourceChange(t *testing.T) {
	tool := &fakeTool{installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)

	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if err := os.WriteFile(filepath.Join(p.SourceDir, "CMakeLists.txt"), []byte("project(changed)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if got := strings.Join(tool.calls, " "); got != "configure build install configure build install" {
		t.Fatalf("phase sequence = %q", got)
	}
}

func TestBuildWheelFreshForcesConfigure(t *testing.T) {
	tool := &fakeTool{installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)

	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("first build: %v", err)
	}
	p.Settings.Fresh = true
	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("fresh build: %v", err)
	}
	if got := strings.Join(tool.calls, " "); got != "configure build install configure build install" {
		t.Fatalf("phase sequence = %q", got)
	}
}

func TestConfigureFailure(t *testing.T) {
	tool := &fakeTool{failPhase: "configure"}
	p := newTestPipeline(t, tool)
	out := t.TempDir()

	_, err := p.BuildWheel(context.Background(), out)
	var cerr *ConfigureError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want ConfigureError", err)
	}
	if !errors.Is(err, errPhase) {
		t.Fatalf("cause not preserved: %v", err)
	}
	assertNoArtifacts(t, out)

	// The failed configure must not look reusable: the next run has to
	// configure again.
	tool.failPhase = ""
	tool.installFiles = defaultInstall()
	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("recovery build: %v", err)
	}
	if got := strings.Join(tool.calls, " "); got != "configure configure build install" {
		t.Fatalf("phase sequence = %q", got)
	}
}

func TestBuildFailureStopsPipeline(t *testing.T) {
	tool := &fakeTool{failPhase: "build", installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)
	out := t.TempDir()

	_, err := p.BuildWheel(context.Background(), out)
	var berr *BuildError
	if !errors.As(err, &berr) {
		t.Fatalf("error = %v, want BuildError", err)
	}
	for _, call := range tool.calls {
		if call == "install" {
			t.Fatal("install ran after failed build")
		}
	}
	assertNoArtifacts(t, out)
}

// cancelingTool aborts the run mid-build, like a user interrupt would.
type cancelingTool struct {
	*fakeTool
	cancel context.CancelFunc
}

func (c *cancelingTool) Build(ctx context.Context, opts cmake.BuildOptions) error {
	c.cancel()
	c.calls = append(c.calls, "build")
	return errPhase
}

func TestCancelMarksTreeStale(t *testing.T) {
	inner := &fakeTool{installFiles: defaultInstall()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tool := &cancelingTool{fakeTool: inner, cancel: cancel}
	p := newTestPipeline(t, inner)
	p.Tool = tool

	if _, err := p.BuildWheel(ctx, t.TempDir()); err == nil {
		t.Fatal("expected failure from aborted build")
	}

	// The interrupted tree must not look reusable.
	p.Tool = inner
	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("recovery build: %v", err)
	}
	if got := strings.Join(inner.calls, " "); got != "configure build configure build install" {
		t.Fatalf("phase sequence = %q", got)
	}
}

func TestEmptyInstall(t *testing.T) {
	tool := &fakeTool{installFiles: map[string]string{}}
	p := newTestPipeline(t, tool)
	out := t.TempDir()

	_, err := p.BuildWheel(context.Background(), out)
	var eerr *EmptyInstallError
	if !errors.As(err, &eerr) {
		t.Fatalf("error = %v, want EmptyInstallError", err)
	}
	assertNoArtifacts(t, out)
}

func TestPureWheelTag(t *testing.T) {
	tool := &fakeTool{installFiles: map[string]string{
		"purelib/sample_ext/__init__.py": "x = 1\n",
	}}
	p := newTestPipeline(t, tool)

	path, err := p.BuildWheel(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("build wheel: %v", err)
	}
	if filepath.Base(path) != "sample_ext-1.2.3-py3-none-any.whl" {
		t.Fatalf("wheel name = %s", filepath.Base(path))
	}
}

func TestInstallDirRelocatesInstall(t *testing.T) {
	tool := &fakeTool{installFiles: map[string]string{
		"__init__.py": "from ._core import *\n",
		"_core.so":    "\x7fELF fake",
	}}
	p := newTestPipeline(t, tool)
	p.Settings.Wheel.InstallDir = "sample_ext"

	path, err := p.BuildWheel(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("build wheel: %v", err)
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	found := false
	for _, f := range r.File {
		if f.Name == "sample_ext/_core.so" {
			found = true
		}
	}
	if !found {
		t.Fatal("install-dir did not relocate files under the package directory")
	}
}

func TestBuildEditable(t *testing.T) {
	tool := &fakeTool{installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)
	p.Settings.Editable.Rebuild = true

	path, err := p.BuildEditable(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("build editable: %v", err)
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	members := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 1<<16)
		n, _ := rc.Read(buf)
		rc.Close()
		members[f.Name] = string(buf[:n])
	}

	shim, ok := members["_sample_ext_editable.py"]
	if !ok {
		t.Fatalf("shim module missing, members: %v", memberNames(members))
	}
	if !strings.Contains(shim, `"sample_ext._core"`) {
		t.Fatalf("shim lacks extension redirect:\n%s", shim)
	}
	if !strings.Contains(shim, `["cmake", "--build", ".", ]`) {
		t.Fatalf("shim lacks rebuild command:\n%s", shim)
	}
	if !strings.Contains(shim, `"--install"`) {
		t.Fatalf("shim rebuild does not reinstall:\n%s", shim)
	}
	if members["sample_ext.pth"] != "import _sample_ext_editable\n" {
		t.Fatalf("pth = %q", members["sample_ext.pth"])
	}
	// The built files themselves stay out of the editable wheel.
	if _, ok := members["sample_ext/_core.so"]; ok {
		t.Fatal("editable wheel contains payload files")
	}
}

func TestImportName(t *testing.T) {
	cases := []struct {
		rel  string
		want string
		ok   bool
	}{
		{"sample_ext/__init__.py", "sample_ext", true},
		{"sample_ext/sub/__init__.py", "sample_ext.sub", true},
		{"sample_ext/cli.py", "sample_ext.cli", true},
		{"sample_ext/_core.cpython-312-x86_64-linux-gnu.so", "sample_ext._core", true},
		{"sample_ext/_core.pyd", "sample_ext._core", true},
		{"single.py", "single", true},
		{"sample_ext/data.json", "", false},
		{"__init__.py", "", false},
	}
	for _, tc := range cases {
		got, ok := importName(tc.rel)
		if got != tc.want || ok != tc.ok {
			t.Errorf("importName(%q) = %q, %v; want %q, %v", tc.rel, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPrepareMetadataRoundTrip(t *testing.T) {
	tool := &fakeTool{installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)

	prepared, err := p.PrepareMetadata(t.TempDir())
	if err != nil {
		t.Fatalf("prepare metadata: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(prepared, "METADATA"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Name: sample-ext\n") {
		t.Fatalf("METADATA content:\n%s", data)
	}

	// A build against the prepared copy passes as long as nothing changed.
	p.PreparedMetadata = prepared
	if _, err := p.BuildWheel(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("build with prepared metadata: %v", err)
	}
}

func TestPreparedMetadataMismatch(t *testing.T) {
	tool := &fakeTool{installFiles: defaultInstall()}
	p := newTestPipeline(t, tool)

	prepared, err := p.PrepareMetadata(t.TempDir())
	if err != nil {
		t.Fatalf("prepare metadata: %v", err)
	}
	p.Settings.Metadata.Version = "1.2.4"
	p.PreparedMetadata = prepared

	out := t.TempDir()
	_, err = p.BuildWheel(context.Background(), out)
	if err == nil || !strings.Contains(err.Error(), "differs from prepared metadata") {
		t.Fatalf("error = %v, want prepared-metadata mismatch", err)
	}
	assertNoArtifacts(t, out)
}

func assertNoArtifacts(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Fatalf("failed build left artifact %s", e.Name())
	}
}

func memberNames(members map[string]string) []string {
	var names []string
	for name := range members {
		names = append(names, name)
	}
	return names
}
