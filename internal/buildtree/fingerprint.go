package buildtree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

// configPatterns match the files whose content participates in the
// fingerprint: anything CMake reads at configure time.
var configPatterns = []string{
	"**/CMakeLists.txt",
	"cmake/**/*.cmake",
	"pyproject.toml",
}

// HashConfigInputs hashes the configure-script inputs under sourceDir.
// skipDir (the build tree, when it lives inside the source tree) is
// excluded so generated files never feed back into the fingerprint.
func HashConfigInputs(sourceDir, skipDir string) (map[string]string, error) {
	fsys := os.DirFS(sourceDir)

	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range configPatterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if skipDir != "" && underDir(match, skipDir) {
				continue
			}
			if _, ok := seen[match]; !ok {
				seen[match] = struct{}{}
				files = append(files, match)
			}
		}
	}
	sort.Strings(files)

	hashes := make(map[string]string, len(files))
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for _, rel := range files {
		eg.Go(func() error {
			sum, err := hashFile(filepath.Join(sourceDir, rel))
			if err != nil {
				return err
			}
			mu.Lock()
			hashes[rel] = sum
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

func underDir(rel, dir string) bool {
	rel = filepath.ToSlash(rel)
	dir = filepath.ToSlash(dir)
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// explainMismatch renders a human-readable diff of the recorded vs current
// fingerprint inputs, shown in verbose mode when a reconfigure is forced.
func explainMismatch(recorded, current Inputs) string {
	old, err := json.MarshalIndent(recorded, "", "  ")
	if err != nil {
		return ""
	}
	cur, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(old), string(cur), true)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs)
}
