package settings

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// BuildTypes lists the accepted values for the build-type option.
var BuildTypes = []string{"Release", "Debug", "RelWithDebInfo", "MinSizeRel"}

// Settings is the resolved, immutable configuration for one invocation.
// It is created once by Resolve and shared read-only afterwards.
type Settings struct {
	CMakePath  string            `toml:"cmake-path"`
	Generator  string            `toml:"generator"`
	BuildType  string            `toml:"build-type"`
	Jobs       int               `toml:"jobs"`
	Define     map[string]string `toml:"define"`
	Args       []string          `toml:"args"`
	Components []string          `toml:"components"`
	BuildDir   string            `toml:"build-dir"`
	Fresh      bool              `toml:"fresh"`
	Verbose    bool              `toml:"verbose"`

	Wheel    WheelSection    `toml:"wheel"`
	Sdist    SdistSection    `toml:"sdist"`
	Editable EditableSection `toml:"editable"`

	// Metadata comes from [project], not [tool.wheelforge].
	Metadata ProjectMetadata `toml:"-"`
}

// WheelSection defines the [tool.wheelforge.wheel] section
type WheelSection struct {
	Packages   []string `toml:"packages"`
	InstallDir string   `toml:"install-dir"`
	PyAPI      string   `toml:"py-api"`
}

// SdistSection defines the [tool.wheelforge.sdist] section
type SdistSection struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// EditableSection defines the [tool.wheelforge.editable] section
type EditableSection struct {
	Rebuild bool `toml:"rebuild"`
	Verbose bool `toml:"verbose"`
}

func defaults() *Settings {
	return &Settings{
		CMakePath: "cmake",
		BuildType: "Release",
	}
}

// Resolve merges all configuration sources for the project rooted at dir:
// pyproject.toml [tool.wheelforge], conditional overrides evaluated
// against env, WHEELFORGE_* environment variables and frontend-supplied
// "key=value" config settings, in that order (later sources win).
func Resolve(dir string, env OverrideEnv, configSettings []string) (*Settings, error) {
	path := filepath.Join(dir, "pyproject.toml")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(bufio.NewReader(f), env, configSettings)
}

// Parse resolves settings from a pyproject.toml stream.
func Parse(rdr io.Reader, env OverrideEnv, configSettings []string) (*Settings, error) {
	var raw map[string]any
	dec := toml.NewDecoder(rdr)
	if err := dec.Decode(&raw); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}

	cfg := defaults()

	if err := unmarshalSection(raw, &cfg.Metadata, "project"); err != nil {
		return nil, err
	}
	if cfg.Metadata.Name == "" {
		return nil, errors.New("pyproject.toml is missing project.name")
	}
	if cfg.Metadata.Version == "" {
		return nil, errors.New("project.version is not statically specified, must be present")
	}

	if err := unmarshalSection(raw, cfg, "tool", "wheelforge"); err != nil {
		return nil, err
	}
	if err := applyOverrides(raw, cfg, env); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, env.Environ); err != nil {
		return nil, err
	}
	for _, cs := range configSettings {
		key, value, ok := strings.Cut(cs, "=")
		if !ok {
			return nil, fmt.Errorf("invalid config setting %q, expected key=value", cs)
		}
		if err := cfg.apply(key, value); err != nil {
			return nil, err
		}
	}

	if !slices.Contains(BuildTypes, cfg.BuildType) {
		return nil, fmt.Errorf("unknown build type %q, known types: %s", cfg.BuildType, strings.Join(BuildTypes, ", "))
	}
	if strings.Contains(cfg.Wheel.InstallDir, "..") {
		return nil, errors.New("wheel.install-dir must not contain '..'")
	}

	return cfg, nil
}

// EffectiveJobs returns the parallelism for the build phase: the explicit
// setting, else the host CPU count capped by CMAKE_BUILD_PARALLEL_LEVEL.
func (s *Settings) EffectiveJobs(environ map[string]string) int {
	if s.Jobs > 0 {
		return s.Jobs
	}
	jobs := runtime.NumCPU()
	if limit, ok := environ["CMAKE_BUILD_PARALLEL_LEVEL"]; ok {
		var n int
		if _, err := fmt.Sscanf(limit, "%d", &n); err == nil && n > 0 && n < jobs {
			jobs = n
		}
	}
	return jobs
}

// mustMarshal round-trips a raw TOML value so a section can be re-decoded
// into a typed struct.
func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// unmarshalSection decodes a (possibly nested) table out of the raw config
func unmarshalSection(raw map[string]any, dst any, names ...string) error {
	var data any = raw
	for _, name := range names {
		table, ok := data.(map[string]any)
		if !ok {
			return nil
		}
		data, ok = table[name]
		if !ok {
			return nil
		}
	}
	if err := toml.Unmarshal([]byte(mustMarshal(data)), dst); err != nil {
		return fmt.Errorf("failed to parse [%s] section: %w", strings.Join(names, "."), err)
	}
	return nil
}
