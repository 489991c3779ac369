package buildtree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleInputs() Inputs {
	return Inputs{
		ToolVersion: "3.28.1",
		Generator:   "Ninja",
		BuildType:   "Release",
		Defines:     map[string]string{"FOO": "1"},
		Interpreter: "/usr/bin/python3\x00cpython-312",
		ConfigFiles: map[string]string{"CMakeLists.txt": "abc123"},
	}
}

func TestDigestStable(t *testing.T) {
	a, b := sampleInputs(), sampleInputs()
	if a.Digest() != b.Digest() {
		t.Fatal("identical inputs produced different digests")
	}
	b.BuildType = "Debug"
	if a.Digest() == b.Digest() {
		t.Fatal("changed inputs produced the same digest")
	}
}

func TestPrepareCreatesTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	tree, decision, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !decision.ConfigureRequired {
		t.Fatal("new tree should require configure")
	}
	if _, err := os.Stat(tree.Dir); err != nil {
		t.Fatalf("tree dir missing: %v", err)
	}
}

// seedConfigured marks a tree as if a configure had succeeded in it.
func seedConfigured(t *testing.T, tree *Tree) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(tree.Dir, "CMakeCache.txt"), []byte("# cache"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tree.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestPrepareReusesMatchingTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	tree, _, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	seedConfigured(t, tree)

	_, decision, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if decision.ConfigureRequired {
		t.Fatalf("matching fingerprint should skip configure, reason: %s", decision.Reason)
	}
}

func TestPrepareWipesOnMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	tree, _, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	seedConfigured(t, tree)
	stale := filepath.Join(dir, "stale-artifact.o")
	if err := os.WriteFile(stale, []byte("obj"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed := sampleInputs()
	changed.Generator = "Unix Makefiles"
	_, decision, err := Prepare(dir, changed, false)
	if err != nil {
		t.Fatalf("prepare after change: %v", err)
	}
	if !decision.ConfigureRequired {
		t.Fatal("mismatch should require configure")
	}
	if decision.Diff == "" {
		t.Fatal("mismatch should carry an explanation diff")
	}
	if !strings.Contains(decision.Diff, "Unix Makefiles") {
		t.Fatalf("diff does not mention the change:\n%s", decision.Diff)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale artifact survived the wipe")
	}
}

func TestPrepareFreshForcesWipe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	tree, _, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	seedConfigured(t, tree)

	_, decision, err := Prepare(dir, sampleInputs(), true)
	if err != nil {
		t.Fatalf("fresh prepare: %v", err)
	}
	if !decision.ConfigureRequired {
		t.Fatal("fresh must force configure even on a matching fingerprint")
	}
	if _, err := os.Stat(filepath.Join(dir, "CMakeCache.txt")); !os.IsNotExist(err) {
		t.Fatal("fresh did not wipe the tool cache")
	}
}

func TestPrepareMissingToolCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	tree, _, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// Fingerprint recorded but the tool cache is gone: not reusable.
	if err := tree.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, decision, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if !decision.ConfigureRequired {
		t.Fatal("missing CMakeCache.txt should force configure")
	}
}

func TestPrepareUnreadableState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, StateFilename), []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, decision, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !decision.ConfigureRequired {
		t.Fatal("garbage state should force configure")
	}
}

func TestMarkStaleThenCommit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	tree, _, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	seedConfigured(t, tree)

	if err := tree.MarkStale(); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	// Interrupted here: the next Prepare must reconfigure.
	_, decision, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare after stale: %v", err)
	}
	if !decision.ConfigureRequired {
		t.Fatal("stale tree should require configure")
	}
}

func TestNewStagingUnique(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	tree, _, err := Prepare(dir, sampleInputs(), false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	a, err := tree.NewStaging()
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	b, err := tree.NewStaging()
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	if a == b {
		t.Fatal("staging directories must be unique")
	}
}

func TestHashConfigInputs(t *testing.T) {
	src := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(src, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("CMakeLists.txt", "project(sample)")
	write("cmake/helpers.cmake", "function(helper)\nendfunction()")
	write("pyproject.toml", "[project]\nname='x'")
	write("build/CMakeLists.txt", "generated, must be ignored")

	hashes, err := HashConfigInputs(src, "build")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for _, want := range []string{"CMakeLists.txt", "cmake/helpers.cmake", "pyproject.toml"} {
		if hashes[want] == "" {
			t.Fatalf("missing hash for %s: %v", want, hashes)
		}
	}
	if _, ok := hashes["build/CMakeLists.txt"]; ok {
		t.Fatal("build dir contents leaked into the fingerprint")
	}

	again, err := HashConfigInputs(src, "build")
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if hashes["CMakeLists.txt"] != again["CMakeLists.txt"] {
		t.Fatal("hashing is not deterministic")
	}

	write("CMakeLists.txt", "project(sample)\nadd_subdirectory(src)")
	changed, err := HashConfigInputs(src, "build")
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if hashes["CMakeLists.txt"] == changed["CMakeLists.txt"] {
		t.Fatal("content change did not change the hash")
	}
}
