// Package buildtree owns the persistent per-project build directory and
// decides, via a fingerprint of configure-affecting inputs, whether an
// existing tree can be reused or must be wiped and reconfigured.
package buildtree

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// StateFilename records the fingerprint of the last successful configure.
const StateFilename = "wheelforge_tree.json"

// Inputs are the configure-affecting facts folded into the fingerprint.
// Any change to any field forces a reconfigure.
type Inputs struct {
	ToolVersion string            `json:"tool_version"`
	Generator   string            `json:"generator"`
	BuildType   string            `json:"build_type"`
	Defines     map[string]string `json:"defines,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Components  []string          `json:"components,omitempty"`
	Interpreter string            `json:"interpreter"`
	ConfigFiles map[string]string `json:"config_files,omitempty"` // rel path -> sha256
}

// Digest returns the fingerprint over the canonical JSON encoding.
// encoding/json sorts map keys, so the encoding is stable.
func (in *Inputs) Digest() string {
	data, err := json.Marshal(in)
	if err != nil {
		panic(err) // Inputs is plain data, cannot fail
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type state struct {
	Fingerprint string `json:"fingerprint"`
	Inputs      Inputs `json:"inputs"`
}

// CorruptionError means the build directory could not be restored to a
// usable state (typically a wipe failed). Fatal; never silently ignored.
type CorruptionError struct {
	Dir string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("build tree %s is corrupted and could not be wiped: %v", e.Dir, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Decision reports the cache manager's verdict for this invocation.
type Decision struct {
	ConfigureRequired bool
	Reason            string
	// Diff explains a fingerprint mismatch (verbose aid), empty otherwise.
	Diff string
}

// Tree is a handle to a prepared build directory.
type Tree struct {
	Dir    string
	inputs Inputs
}

// Prepare returns a build tree that is either freshly wiped (configure
// required) or validated against the recorded fingerprint (configure
// optional). fresh forces a wipe regardless of fingerprint state.
func Prepare(dir string, inputs Inputs, fresh bool) (*Tree, Decision, error) {
	tree := &Tree{Dir: dir, inputs: inputs}

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, Decision{}, err
		}
		return tree, Decision{ConfigureRequired: true, Reason: "build tree created"}, nil
	case err != nil:
		return nil, Decision{}, err
	case !info.IsDir():
		return nil, Decision{}, fmt.Errorf("build directory %s exists but is not a directory", dir)
	}

	if fresh {
		if err := tree.wipe(); err != nil {
			return nil, Decision{}, err
		}
		return tree, Decision{ConfigureRequired: true, Reason: "fresh configure requested"}, nil
	}

	recorded, err := readState(filepath.Join(dir, StateFilename))
	if err != nil {
		// Missing or unreadable state: the previous configure never
		// finished (or the tree predates us). Start over.
		if err := tree.wipe(); err != nil {
			return nil, Decision{}, err
		}
		return tree, Decision{ConfigureRequired: true, Reason: "no valid fingerprint recorded"}, nil
	}

	if recorded.Fingerprint != inputs.Digest() {
		diff := explainMismatch(recorded.Inputs, inputs)
		if err := tree.wipe(); err != nil {
			return nil, Decision{}, err
		}
		return tree, Decision{ConfigureRequired: true, Reason: "fingerprint mismatch", Diff: diff}, nil
	}

	// The tool's own cache must still be present for a skip to be safe.
	if _, err := os.Stat(filepath.Join(dir, "CMakeCache.txt")); err != nil {
		if err := tree.wipe(); err != nil {
			return nil, Decision{}, err
		}
		return tree, Decision{ConfigureRequired: true, Reason: "tool cache missing from build tree"}, nil
	}

	return tree, Decision{ConfigureRequired: false, Reason: "fingerprint match"}, nil
}

// MarkStale removes the recorded fingerprint before a configure runs, so
// an interrupted or failed configure leaves the tree marked invalid.
func (t *Tree) MarkStale() error {
	err := os.Remove(filepath.Join(t.Dir, StateFilename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Commit persists the fingerprint. Called only after a successful
// configure.
func (t *Tree) Commit() error {
	data, err := json.MarshalIndent(state{Fingerprint: t.inputs.Digest(), Inputs: t.inputs}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.Dir, StateFilename), data, 0o644)
}

// NewStaging creates a fresh, empty install staging directory inside the
// tree. Each install phase gets its own.
func (t *Tree) NewStaging() (string, error) {
	staging := filepath.Join(t.Dir, "staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", err
	}
	return staging, nil
}

// wipe removes the tree's contents but keeps the directory itself, so
// externally managed mount points on the directory survive.
func (t *Tree) wipe() error {
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		return &CorruptionError{Dir: t.Dir, Err: err}
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(t.Dir, entry.Name())); err != nil {
			return &CorruptionError{Dir: t.Dir, Err: err}
		}
	}
	return nil
}

func readState(path string) (*state, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var st state
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&st); err != nil {
		return nil, err
	}
	if st.Fingerprint == "" {
		return nil, errors.New("state file has no fingerprint")
	}
	return &st, nil
}
