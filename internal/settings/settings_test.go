package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const basicPyproject = `
[project]
name = "sample-ext"
version = "1.2.3"
description = "A sample extension"
dependencies = ["numpy>=1.20"]

[project.scripts]
sample = "sample_ext.cli:main"

[tool.wheelforge]
build-type = "Debug"
args = ["-DFOO=1"]

[tool.wheelforge.define]
BAR = "2"
`

func testEnv(environ map[string]string) OverrideEnv {
	if environ == nil {
		environ = map[string]string{}
	}
	return OverrideEnv{OS: "linux", Arch: "amd64", PythonVersion: "3.12", Environ: environ}
}

func TestParseBasic(t *testing.T) {
	cfg, err := Parse(strings.NewReader(basicPyproject), testEnv(nil), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Metadata.Name != "sample-ext" || cfg.Metadata.Version != "1.2.3" {
		t.Fatalf("metadata = %q %q", cfg.Metadata.Name, cfg.Metadata.Version)
	}
	if cfg.BuildType != "Debug" {
		t.Fatalf("build type = %q, want Debug", cfg.BuildType)
	}
	if cfg.CMakePath != "cmake" {
		t.Fatalf("cmake path default = %q", cfg.CMakePath)
	}
	if len(cfg.Args) != 1 || cfg.Args[0] != "-DFOO=1" {
		t.Fatalf("args = %v", cfg.Args)
	}
	if cfg.Define["BAR"] != "2" {
		t.Fatalf("define = %v", cfg.Define)
	}
}

func TestParseMissingVersion(t *testing.T) {
	_, err := Parse(strings.NewReader("[project]\nname = \"x\"\n"), testEnv(nil), nil)
	if err == nil || !strings.Contains(err.Error(), "project.version") {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func TestOverridesMatch(t *testing.T) {
	doc := basicPyproject + `
[[tool.wheelforge.overrides]]
if = 'os == "linux"'
build-type = "Release"
args = ["-DLINUX=1"]

[[tool.wheelforge.overrides]]
if = 'os == "windows"'
generator = "Ninja"
`
	cfg, err := Parse(strings.NewReader(doc), testEnv(nil), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.BuildType != "Release" {
		t.Fatalf("override not applied, build type = %q", cfg.BuildType)
	}
	// slices append across sources
	if len(cfg.Args) != 2 || cfg.Args[1] != "-DLINUX=1" {
		t.Fatalf("args = %v", cfg.Args)
	}
	if cfg.Generator != "" {
		t.Fatalf("windows override applied on linux: %q", cfg.Generator)
	}
}

func TestOverridesEnviron(t *testing.T) {
	doc := basicPyproject + `
[[tool.wheelforge.overrides]]
if = 'environ["CI"] != ""'
verbose = true
`
	cfg, err := Parse(strings.NewReader(doc), testEnv(map[string]string{"CI": "true"}), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Verbose {
		t.Fatal("environ override not applied")
	}
}

func TestResolvePythonVersionOverride(t *testing.T) {
	dir := t.TempDir()
	doc := basicPyproject + `
[[tool.wheelforge.overrides]]
if = 'python_version != "" && python_version >= "3.10"'
build-type = "RelWithDebInfo"
`
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	// The version threaded in from the interpreter probe must reach the
	// override condition.
	probed := NewOverrideEnv("3.12")
	probed.Environ = map[string]string{} // keep host WHEELFORGE_* out
	cfg, err := Resolve(dir, probed, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.BuildType != "RelWithDebInfo" {
		t.Fatalf("python_version override not applied, build type = %q", cfg.BuildType)
	}

	// Commands with no interpreter resolve with an empty version and the
	// override stays inert.
	unprobed := NewOverrideEnv("")
	unprobed.Environ = map[string]string{}
	cfg, err = Resolve(dir, unprobed, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.BuildType != "Debug" {
		t.Fatalf("override fired without an interpreter, build type = %q", cfg.BuildType)
	}
}

func TestOverridesBadCondition(t *testing.T) {
	doc := basicPyproject + `
[[tool.wheelforge.overrides]]
if = 'os +'
verbose = true
`
	if _, err := Parse(strings.NewReader(doc), testEnv(nil), nil); err == nil {
		t.Fatal("expected compile error for malformed condition")
	}
}

func TestEnvSource(t *testing.T) {
	env := testEnv(map[string]string{
		"WHEELFORGE_GENERATOR": "Ninja",
		"WHEELFORGE_JOBS":      "4",
		"CMAKE_ARGS":           "-DFROM_ENV=1 -DOTHER=2",
	})
	cfg, err := Parse(strings.NewReader(basicPyproject), env, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Generator != "Ninja" {
		t.Fatalf("generator = %q", cfg.Generator)
	}
	if cfg.Jobs != 4 {
		t.Fatalf("jobs = %d", cfg.Jobs)
	}
	want := []string{"-DFOO=1", "-DFROM_ENV=1", "-DOTHER=2"}
	if len(cfg.Args) != len(want) {
		t.Fatalf("args = %v", cfg.Args)
	}
	for i := range want {
		if cfg.Args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, cfg.Args[i], want[i])
		}
	}
}

func TestConfigSettingsWin(t *testing.T) {
	cfg, err := Parse(strings.NewReader(basicPyproject), testEnv(nil), []string{
		"build-type=RelWithDebInfo",
		"components=python;devel",
		"define=BAZ=3",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.BuildType != "RelWithDebInfo" {
		t.Fatalf("build type = %q", cfg.BuildType)
	}
	if len(cfg.Components) != 2 || cfg.Components[1] != "devel" {
		t.Fatalf("components = %v", cfg.Components)
	}
	if cfg.Define["BAZ"] != "3" || cfg.Define["BAR"] != "2" {
		t.Fatalf("define = %v", cfg.Define)
	}
}

func TestConfigSettingsUnknownKey(t *testing.T) {
	_, err := Parse(strings.NewReader(basicPyproject), testEnv(nil), []string{"no-such-option=1"})
	if err == nil || !strings.Contains(err.Error(), "unknown option") {
		t.Fatalf("expected unknown option error, got %v", err)
	}
}

func TestInvalidBuildType(t *testing.T) {
	_, err := Parse(strings.NewReader(basicPyproject), testEnv(nil), []string{"build-type=Bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown build type") {
		t.Fatalf("expected build type error, got %v", err)
	}
}

func TestInstallDirEscape(t *testing.T) {
	_, err := Parse(strings.NewReader(basicPyproject), testEnv(nil), []string{"wheel.install-dir=../escape"})
	if err == nil || !strings.Contains(err.Error(), "install-dir") {
		t.Fatalf("expected install-dir error, got %v", err)
	}
}

func TestEffectiveJobs(t *testing.T) {
	cfg := &Settings{Jobs: 3}
	if got := cfg.EffectiveJobs(nil); got != 3 {
		t.Fatalf("explicit jobs = %d", got)
	}
	cfg = &Settings{}
	if got := cfg.EffectiveJobs(map[string]string{"CMAKE_BUILD_PARALLEL_LEVEL": "1"}); got != 1 {
		t.Fatalf("capped jobs = %d", got)
	}
	if got := cfg.EffectiveJobs(nil); got < 1 {
		t.Fatalf("default jobs = %d", got)
	}
}

func TestNormalizedName(t *testing.T) {
	m := &ProjectMetadata{Name: "Sample.Ext-Lib", Version: "1.0-rc1"}
	if got := m.NormalizedName(); got != "sample_ext_lib" {
		t.Fatalf("normalized = %q", got)
	}
	if got := m.NameVer(); got != "sample_ext_lib-1.0_rc1" {
		t.Fatalf("namever = %q", got)
	}
}

func TestCoreMetadata(t *testing.T) {
	cfg, err := Parse(strings.NewReader(basicPyproject), testEnv(nil), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := cfg.Metadata.CoreMetadata("")
	if err != nil {
		t.Fatalf("core metadata: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"Metadata-Version: 2.1\n",
		"Name: sample-ext\n",
		"Version: 1.2.3\n",
		"Requires-Dist: numpy>=1.20\n",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metadata missing %q:\n%s", want, text)
		}
	}

	ep := string(cfg.Metadata.EntryPoints())
	if !strings.Contains(ep, "[console_scripts]\nsample = sample_ext.cli:main\n") {
		t.Fatalf("entry points:\n%s", ep)
	}
}
