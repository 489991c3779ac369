package settings

import (
	"fmt"
	"strconv"
	"strings"
)

// applyEnv merges WHEELFORGE_* environment variables (and the conventional
// CMAKE_ARGS / CMAKE_GENERATOR passthroughs) into the settings.
func applyEnv(cfg *Settings, environ map[string]string) error {
	if v, ok := environ["CMAKE_GENERATOR"]; ok && v != "" && cfg.Generator == "" {
		cfg.Generator = v
	}
	if v, ok := environ["CMAKE_ARGS"]; ok {
		for _, arg := range strings.Fields(v) {
			cfg.Args = append(cfg.Args, arg)
		}
	}

	pairs := map[string]string{
		"WHEELFORGE_CMAKE":      "cmake-path",
		"WHEELFORGE_GENERATOR":  "generator",
		"WHEELFORGE_BUILD_TYPE": "build-type",
		"WHEELFORGE_JOBS":       "jobs",
		"WHEELFORGE_BUILD_DIR":  "build-dir",
		"WHEELFORGE_FRESH":      "fresh",
		"WHEELFORGE_VERBOSE":    "verbose",
	}
	for envKey, key := range pairs {
		if v, ok := environ[envKey]; ok && v != "" {
			if err := cfg.apply(key, v); err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
		}
	}
	if v, ok := environ["WHEELFORGE_ARGS"]; ok {
		for _, arg := range strings.Fields(v) {
			cfg.Args = append(cfg.Args, arg)
		}
	}
	return nil
}

// apply sets a single option from a frontend config setting or an
// environment variable. Keys form a closed set; unknown keys are an error
// so typos never silently resolve to defaults.
func (s *Settings) apply(key, value string) error {
	switch key {
	case "cmake-path":
		s.CMakePath = value
	case "generator":
		s.Generator = value
	case "build-type":
		s.BuildType = value
	case "jobs":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("jobs must be a non-negative integer, got %q", value)
		}
		s.Jobs = n
	case "args":
		s.Args = append(s.Args, splitList(value)...)
	case "define":
		name, v, ok := strings.Cut(value, "=")
		if !ok {
			return fmt.Errorf("define must look like NAME=VALUE, got %q", value)
		}
		if s.Define == nil {
			s.Define = make(map[string]string)
		}
		s.Define[name] = v
	case "components":
		s.Components = append(s.Components, splitList(value)...)
	case "build-dir":
		s.BuildDir = value
	case "fresh":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("fresh: %w", err)
		}
		s.Fresh = b
	case "verbose":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("verbose: %w", err)
		}
		s.Verbose = b
	case "wheel.install-dir":
		s.Wheel.InstallDir = value
	case "wheel.py-api":
		s.Wheel.PyAPI = value
	case "wheel.packages":
		s.Wheel.Packages = append(s.Wheel.Packages, splitList(value)...)
	case "sdist.include":
		s.Sdist.Include = append(s.Sdist.Include, splitList(value)...)
	case "sdist.exclude":
		s.Sdist.Exclude = append(s.Sdist.Exclude, splitList(value)...)
	case "editable.rebuild":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("editable.rebuild: %w", err)
		}
		s.Editable.Rebuild = b
	case "editable.verbose":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("editable.verbose: %w", err)
		}
		s.Editable.Verbose = b
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("expected a boolean, got %q", value)
}
