package settings

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
)

// OverrideEnv is the host environment exposed to override conditions, e.g.
//
//	[[tool.wheelforge.overrides]]
//	if = 'os == "windows" && environ["CI"] != ""'
//	generator = "Ninja"
type OverrideEnv struct {
	OS            string            `expr:"os"`
	Arch          string            `expr:"arch"`
	PythonVersion string            `expr:"python_version"`
	Environ       map[string]string `expr:"environ"`
}

// NewOverrideEnv snapshots the host for override conditions.
// pythonVersion comes from the interpreter probe; commands that never
// touch an interpreter (sdist, clean) pass "".
func NewOverrideEnv(pythonVersion string) OverrideEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	return OverrideEnv{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		PythonVersion: pythonVersion,
		Environ:       environ,
	}
}

// applyOverrides evaluates each [[tool.wheelforge.overrides]] table and
// merges matching ones into dst, in file order.
func applyOverrides(raw map[string]any, dst *Settings, env OverrideEnv) error {
	tool, ok := raw["tool"].(map[string]any)
	if !ok {
		return nil
	}
	section, ok := tool["wheelforge"].(map[string]any)
	if !ok {
		return nil
	}
	overrides, ok := section["overrides"].([]any)
	if !ok {
		return nil
	}

	for i, item := range overrides {
		table, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("overrides[%d]: expected a table", i)
		}
		condition, ok := table["if"].(string)
		if !ok {
			return fmt.Errorf("overrides[%d]: missing `if` condition", i)
		}

		program, err := expr.Compile(condition, expr.Env(env))
		if err != nil {
			return fmt.Errorf("overrides[%d]: failed to compile %q: %w", i, condition, err)
		}
		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("overrides[%d]: failed to run %q: %w", i, condition, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return fmt.Errorf("overrides[%d]: condition %q did not evaluate to a bool", i, condition)
		}
		if !matched {
			continue
		}

		fields := make(map[string]any, len(table)-1)
		for key, val := range table {
			if key != "if" {
				fields[key] = val
			}
		}

		var delta Settings
		if err := toml.Unmarshal([]byte(mustMarshal(fields)), &delta); err != nil {
			return fmt.Errorf("overrides[%d]: %w", i, err)
		}
		if err := mergeStructs(dst, delta); err != nil {
			return fmt.Errorf("overrides[%d]: %w", i, err)
		}
	}

	return nil
}

// mergeStructs merges the non-zero fields of the src struct into dst.
// Slices append, maps overlay per key, bools OR, structs recurse.
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		case reflect.Struct:
			if err := mergeStructs(dstField.Addr().Interface(), srcField.Interface()); err != nil {
				return err
			}
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}
