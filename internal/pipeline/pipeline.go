// Package pipeline sequences the three external tool phases (configure,
// build, install) and hands the staged result to the packaging layers.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/wheelforge-build/wheelforge/internal/buildtree"
	"github.com/wheelforge-build/wheelforge/internal/cmake"
	"github.com/wheelforge-build/wheelforge/internal/editable"
	"github.com/wheelforge-build/wheelforge/internal/generator"
	"github.com/wheelforge-build/wheelforge/internal/manifest"
	"github.com/wheelforge-build/wheelforge/internal/msg"
	"github.com/wheelforge-build/wheelforge/internal/python"
	"github.com/wheelforge-build/wheelforge/internal/settings"
	"github.com/wheelforge-build/wheelforge/internal/wheel"
)

// ConfigureError is a failed configure phase. The build tree is left
// marked stale, so the next run reconfigures from scratch.
type ConfigureError struct {
	Err error
}

func (e *ConfigureError) Error() string { return fmt.Sprintf("configure failed: %v", e.Err) }
func (e *ConfigureError) Unwrap() error { return e.Err }

// BuildError is a failed build phase.
type BuildError struct {
	Err error
}

func (e *BuildError) Error() string { return fmt.Sprintf("build failed: %v", e.Err) }
func (e *BuildError) Unwrap() error { return e.Err }

// EmptyInstallError means the install phase succeeded but staged no
// files: the project's install rules are missing or select nothing. A
// silently empty artifact would be worse than a failure.
type EmptyInstallError struct {
	Staging string
}

func (e *EmptyInstallError) Error() string {
	return fmt.Sprintf("install succeeded but staged no files into %s (missing install() rules?)", e.Staging)
}

// Pipeline drives one build. All collaborators are injected so tests can
// substitute a fake tool.
type Pipeline struct {
	Settings  *settings.Settings
	Tool      cmake.Tool
	Interp    *python.Interpreter
	Probe     generator.Probe
	SourceDir string
	Environ   map[string]string

	// Fixer overrides the default relocation fixer; nil means the real
	// host tools against {name}.libs.
	Fixer *manifest.Fixer

	// PreparedMetadata, when set, points at a dist-info directory from an
	// earlier PrepareMetadata call; the build fails if the metadata it
	// generates no longer matches.
	PreparedMetadata string

	// Quiet suppresses phase announcements (used by tests).
	Quiet bool
}

func (p *Pipeline) fixer() *manifest.Fixer {
	if p.Fixer != nil {
		return p.Fixer
	}
	return manifest.NewFixer(p.Settings.Metadata.NormalizedName() + ".libs")
}

func (p *Pipeline) step(format string, a ...any) {
	if !p.Quiet {
		msg.Step(format, a...)
	}
}

// BuildDir resolves the persistent build tree location: the configured
// one, else build/{cache_tag} under the source directory so trees for
// different interpreters never collide.
func (p *Pipeline) BuildDir() string {
	if p.Settings.BuildDir != "" {
		if filepath.IsAbs(p.Settings.BuildDir) {
			return p.Settings.BuildDir
		}
		return filepath.Join(p.SourceDir, p.Settings.BuildDir)
	}
	return filepath.Join(p.SourceDir, "build", p.Interp.CacheTag)
}

// configure prepares the build tree and runs the configure phase when the
// fingerprint demands it.
func (p *Pipeline) configure(ctx context.Context) (*buildtree.Tree, error) {
	toolVersion, err := p.Tool.Version(ctx)
	if err != nil {
		return nil, err
	}
	gen, err := generator.Select(p.Settings.Generator, p.Probe)
	if err != nil {
		return nil, err
	}

	buildDir := p.BuildDir()
	skip := ""
	if rel, err := filepath.Rel(p.SourceDir, buildDir); err == nil && !strings.HasPrefix(rel, "..") {
		skip = filepath.ToSlash(rel)
	}
	configFiles, err := buildtree.HashConfigInputs(p.SourceDir, skip)
	if err != nil {
		return nil, err
	}

	inputs := buildtree.Inputs{
		ToolVersion: toolVersion,
		Generator:   gen,
		BuildType:   p.Settings.BuildType,
		Defines:     p.Settings.Define,
		Args:        p.Settings.Args,
		Components:  p.Settings.Components,
		Interpreter: p.Interp.Identity(),
		ConfigFiles: configFiles,
	}
	tree, decision, err := buildtree.Prepare(buildDir, inputs, p.Settings.Fresh)
	if err != nil {
		return nil, err
	}

	if !decision.ConfigureRequired {
		p.step("configure skipped (%s)", decision.Reason)
		return tree, nil
	}

	p.step("configuring (%s, %s)", gen, decision.Reason)
	if p.Settings.Verbose && decision.Diff != "" {
		msg.Info("fingerprint changed:\n%s", decision.Diff)
	}

	toolchain, err := generator.WriteToolchain(tree.Dir, p.Interp, p.Settings.Wheel.PyAPI)
	if err != nil {
		return nil, err
	}
	// Invalidate first: an interrupted configure must not leave a tree
	// that looks reusable.
	if err := tree.MarkStale(); err != nil {
		return nil, err
	}
	err = p.Tool.Configure(ctx, cmake.ConfigureOptions{
		SourceDir: p.SourceDir,
		BuildDir:  tree.Dir,
		Generator: gen,
		Toolchain: toolchain,
		BuildType: p.Settings.BuildType,
		Defines:   p.Settings.Define,
		Args:      p.Settings.Args,
	})
	if err != nil {
		return nil, &ConfigureError{Err: err}
	}
	if err := tree.Commit(); err != nil {
		return nil, err
	}
	return tree, nil
}

// staleOnCancel invalidates the tree's fingerprint when a phase failed
// because the user aborted: a killed subprocess may have left the tree in
// any state, so the next invocation must configure from scratch.
func (p *Pipeline) staleOnCancel(ctx context.Context, tree *buildtree.Tree) {
	if ctx.Err() != nil {
		if err := tree.MarkStale(); err != nil {
			msg.Warn("failed to invalidate build tree after abort: %v", err)
		}
	}
}

func (p *Pipeline) build(ctx context.Context, tree *buildtree.Tree) error {
	p.step("building")
	err := p.Tool.Build(ctx, cmake.BuildOptions{
		BuildDir:  tree.Dir,
		BuildType: p.Settings.BuildType,
		Jobs:      p.Settings.EffectiveJobs(p.Environ),
		Verbose:   p.Settings.Verbose,
	})
	if err != nil {
		return &BuildError{Err: err}
	}
	return nil
}

// install stages the built artifacts into a fresh directory and returns
// the classified manifest. An empty staging is rejected here.
func (p *Pipeline) install(ctx context.Context, tree *buildtree.Tree, prefix string) ([]manifest.Entry, error) {
	p.step("installing")
	// wheel.install-dir relocates the whole install under a package
	// directory inside the platform-library root.
	target := prefix
	if d := p.Settings.Wheel.InstallDir; d != "" {
		target = filepath.Join(prefix, "platlib", filepath.FromSlash(d))
	}
	err := p.Tool.Install(ctx, cmake.InstallOptions{
		BuildDir:   tree.Dir,
		Prefix:     target,
		BuildType:  p.Settings.BuildType,
		Components: p.Settings.Components,
	})
	if err != nil {
		return nil, fmt.Errorf("install failed: %w", err)
	}

	entries, err := manifest.Walk(prefix)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &EmptyInstallError{Staging: prefix}
	}
	return entries, nil
}

// BuildWheel runs the full pipeline and writes the wheel into outDir,
// returning the final artifact path.
func (p *Pipeline) BuildWheel(ctx context.Context, outDir string) (string, error) {
	tree, err := p.configure(ctx)
	if err != nil {
		return "", err
	}
	if err := p.build(ctx, tree); err != nil {
		p.staleOnCancel(ctx, tree)
		return "", err
	}

	staging, err := tree.NewStaging()
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	entries, err := p.install(ctx, tree, staging)
	if err != nil {
		p.staleOnCancel(ctx, tree)
		return "", err
	}

	meta := &p.Settings.Metadata
	if err := p.fixer().Fixup(ctx, entries); err != nil {
		return "", err
	}
	if err := manifest.Sort(entries, meta.NameVer()); err != nil {
		return "", err
	}

	tag := wheel.ComputeTag(p.Interp, p.Settings.Wheel.PyAPI, manifest.HasPlatlib(entries))
	p.step("packaging %s-%s.whl", meta.NameVer(), tag)

	w, err := wheel.NewWriter(meta.NameVer(), tag, outDir, p.Environ)
	if err != nil {
		return "", err
	}
	if p.Settings.Verbose && !p.Quiet {
		w.Progress = msg.NewProgressBar(payloadSize(entries), 2, os.Stdout)
	}
	for _, e := range entries {
		if err := w.AddFile(e.ArchivePath(meta.NameVer()), e.Source); err != nil {
			w.Abort()
			return "", err
		}
	}
	contents, err := wheel.DistInfoContents(meta, tag, p.SourceDir)
	if err != nil {
		w.Abort()
		return "", err
	}
	if err := p.validatePrepared(contents); err != nil {
		w.Abort()
		return "", err
	}
	for _, file := range contents {
		if err := w.Add(w.DistInfo()+"/"+file.Name, file.Data, 0o644, time.Time{}); err != nil {
			w.Abort()
			return "", err
		}
	}
	path, err := w.Finalize()
	if err != nil {
		w.Abort()
		return "", err
	}
	if pb, ok := w.Progress.(*msg.ProgressBar); ok {
		pb.Finish()
	}
	return path, nil
}

// BuildEditable builds the project and writes a wheel whose payload is an
// import shim redirecting into the source and build trees, instead of the
// built files themselves.
func (p *Pipeline) BuildEditable(ctx context.Context, outDir string) (string, error) {
	tree, err := p.configure(ctx)
	if err != nil {
		return "", err
	}
	if err := p.build(ctx, tree); err != nil {
		p.staleOnCancel(ctx, tree)
		return "", err
	}

	// The editable install must survive the build, so it lives at a
	// stable path inside the tree rather than a throwaway staging dir.
	install := filepath.Join(tree.Dir, "editable")
	if err := os.RemoveAll(install); err != nil {
		return "", err
	}
	if err := os.MkdirAll(install, 0o755); err != nil {
		return "", err
	}
	entries, err := p.install(ctx, tree, install)
	if err != nil {
		p.staleOnCancel(ctx, tree)
		return "", err
	}

	meta := &p.Settings.Metadata
	if err := p.fixer().Fixup(ctx, entries); err != nil {
		return "", err
	}

	redirects := p.editableRedirects(entries)
	var rebuild [][]string
	if p.Settings.Editable.Rebuild {
		rebuild = [][]string{
			{p.Settings.CMakePath, "--build", "."},
			{p.Settings.CMakePath, "--install", ".", "--prefix", install},
		}
	}
	shim := editable.Script(editable.Params{
		Redirects: redirects,
		Rebuild:   rebuild,
		BuildDir:  tree.Dir,
		Verbose:   p.Settings.Editable.Verbose,
	})

	tag := wheel.ComputeTag(p.Interp, p.Settings.Wheel.PyAPI, manifest.HasPlatlib(entries))
	p.step("packaging editable %s-%s.whl", meta.NameVer(), tag)

	w, err := wheel.NewWriter(meta.NameVer(), tag, outDir, p.Environ)
	if err != nil {
		return "", err
	}
	name := editable.ModuleName(meta.NormalizedName())
	if err := w.Add(name+".py", shim, 0o644, time.Time{}); err != nil {
		w.Abort()
		return "", err
	}
	if err := w.Add(meta.NormalizedName()+".pth", editable.PthContents(meta.NormalizedName()), 0o644, time.Time{}); err != nil {
		w.Abort()
		return "", err
	}
	if err := w.WriteDistInfo(meta, p.SourceDir); err != nil {
		w.Abort()
		return "", err
	}
	path, err := w.Finalize()
	if err != nil {
		w.Abort()
		return "", err
	}
	return path, nil
}

// editableRedirects maps importable names to their on-disk locations:
// installed files from the build tree plus the configured source-tree
// packages.
func (p *Pipeline) editableRedirects(entries []manifest.Entry) map[string]string {
	redirects := make(map[string]string)
	for _, e := range entries {
		if e.Category != manifest.PlatLib && e.Category != manifest.PureLib {
			continue
		}
		if name, ok := importName(e.Rel); ok {
			redirects[name] = e.Source
		}
	}
	for _, pkg := range p.Settings.Wheel.Packages {
		init := filepath.Join(p.SourceDir, filepath.FromSlash(pkg), "__init__.py")
		if _, err := os.Stat(init); err == nil {
			redirects[filepath.Base(pkg)] = init
		}
	}
	return redirects
}

// importName derives the dotted import name of an installed library file.
// Non-importable files (data shipped inside packages) report ok=false.
func importName(rel string) (string, bool) {
	if rel == "__init__.py" {
		return "", false
	}
	if strings.HasSuffix(rel, "/__init__.py") {
		pkg := strings.TrimSuffix(rel, "/__init__.py")
		return strings.ReplaceAll(pkg, "/", "."), true
	}
	dir, base := "", rel
	if idx := strings.LastIndex(rel, "/"); idx >= 0 {
		dir, base = rel[:idx], rel[idx+1:]
	}
	var stem string
	switch {
	case strings.HasSuffix(base, ".py"):
		stem = strings.TrimSuffix(base, ".py")
	case isLoadableSuffix(base):
		stem = base[:strings.Index(base, ".")]
	default:
		return "", false
	}
	if dir == "" {
		return stem, true
	}
	return strings.ReplaceAll(dir, "/", ".") + "." + stem, true
}

func isLoadableSuffix(base string) bool {
	return strings.HasSuffix(base, ".so") || strings.HasSuffix(base, ".pyd") || strings.HasSuffix(base, ".dylib")
}

// PrepareMetadata writes the dist-info directory without building and
// returns its path. The tag in WHEEL is provisional: only the install
// phase can decide pure vs platform, and consumers of prepared metadata
// read METADATA only.
func (p *Pipeline) PrepareMetadata(outDir string) (string, error) {
	meta := &p.Settings.Metadata
	tag := wheel.ComputeTag(p.Interp, p.Settings.Wheel.PyAPI, false)
	contents, err := wheel.DistInfoContents(meta, tag, p.SourceDir)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(outDir, meta.NameVer()+".dist-info")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, file := range contents {
		if err := os.WriteFile(filepath.Join(dir, file.Name), file.Data, 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// validatePrepared compares the METADATA being packaged against an
// earlier prepared copy. A mismatch means the project changed between
// the frontend's metadata pass and the build, which would ship a wheel
// that contradicts what the resolver already saw.
func (p *Pipeline) validatePrepared(contents []wheel.NamedFile) error {
	if p.PreparedMetadata == "" {
		return nil
	}
	for _, file := range contents {
		if file.Name != "METADATA" {
			continue
		}
		prepared, err := os.ReadFile(filepath.Join(p.PreparedMetadata, "METADATA"))
		if err != nil {
			return fmt.Errorf("failed to read prepared metadata: %w", err)
		}
		if !bytes.Equal(prepared, file.Data) {
			dmp := diffmatchpatch.New()
			diffs := dmp.DiffMain(string(prepared), string(file.Data), true)
			diffs = dmp.DiffCleanupSemantic(diffs)
			return fmt.Errorf("generated METADATA differs from prepared metadata:\n%s", dmp.DiffPrettyText(diffs))
		}
	}
	return nil
}

func payloadSize(entries []manifest.Entry) int64 {
	var total int64
	for _, e := range entries {
		if info, err := os.Stat(e.Source); err == nil {
			total += info.Size()
		}
	}
	return total
}
