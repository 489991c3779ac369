// Package sdist writes the source archive: project files plus generated
// metadata in a deterministic gzipped tarball.
package sdist

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/google/uuid"

	"github.com/wheelforge-build/wheelforge/internal/settings"
)

// defaultExcludes are pruned from glob-based collection; git-based
// collection gets them for free via the index.
var defaultExcludes = []string{
	".git/**",
	"**/__pycache__/**",
	"**/*.pyc",
	"**/*.pyo",
	"build/**",
	"dist/**",
	".tox/**",
	".venv/**",
}

// Collect returns the sorted, slash-separated relative paths that belong
// in the sdist. When the source directory is a git repository, the HEAD
// commit supplies the file list (archived bytes still come from the
// worktree); otherwise everything under the directory is globbed.
// include/exclude patterns apply on top of either.
func Collect(sourceDir string, include, exclude []string) ([]string, error) {
	files, err := collectFromGit(sourceDir)
	if err != nil {
		files, err = collectFromGlobs(sourceDir)
		if err != nil {
			return nil, err
		}
	}

	keep := files[:0]
	for _, rel := range files {
		if matchAny(exclude, rel) {
			continue
		}
		keep = append(keep, rel)
	}
	files = keep

	// Includes add back files the base collection missed (generated
	// files, git-ignored assets).
	fsys := os.DirFS(sourceDir)
	present := make(map[string]struct{}, len(files))
	for _, rel := range files {
		present[rel] = struct{}{}
	}
	for _, pattern := range include {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if _, ok := present[match]; !ok {
				present[match] = struct{}{}
				files = append(files, match)
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

func collectFromGit(sourceDir string) ([]string, error) {
	repo, err := git.PlainOpen(sourceDir)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}
	iter, err := commit.Files()
	if err != nil {
		return nil, err
	}

	var files []string
	err = iter.ForEach(func(f *object.File) error {
		// Contents are read from the worktree later, so committed files
		// deleted from the worktree are dropped from the list here.
		if _, statErr := os.Stat(filepath.Join(sourceDir, filepath.FromSlash(f.Name))); statErr == nil {
			files = append(files, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func collectFromGlobs(sourceDir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(sourceDir), "**/*", doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	var files []string
	for _, match := range matches {
		if matchAny(defaultExcludes, match) {
			continue
		}
		files = append(files, match)
	}
	return files, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Build writes {name}-{version}.tar.gz into outDir and returns its path.
// The archive is assembled at a temporary name and renamed into place.
func Build(sourceDir, outDir string, meta *settings.ProjectMetadata, include, exclude []string, environ map[string]string) (string, error) {
	files, err := Collect(sourceDir, include, exclude)
	if err != nil {
		return "", err
	}

	pkgInfo, err := meta.CoreMetadata(sourceDir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	tmpPath := filepath.Join(outDir, ".tmp-"+uuid.NewString()+".tar.gz")
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	mtime := archiveTime(environ)
	gz := gzip.NewWriter(f)
	gz.ModTime = mtime
	tw := tar.NewWriter(gz)

	prefix := meta.NameVer() + "/"
	writeEntry := func(name string, data []byte, mode int64) error {
		return writeTarEntry(tw, prefix+name, data, mode, mtime)
	}

	if err := writeEntry("PKG-INFO", pkgInfo, 0o644); err != nil {
		f.Close()
		return "", err
	}
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(sourceDir, filepath.FromSlash(rel)))
		if err != nil {
			f.Close()
			return "", err
		}
		info, err := os.Stat(filepath.Join(sourceDir, filepath.FromSlash(rel)))
		if err != nil {
			f.Close()
			return "", err
		}
		mode := int64(0o644)
		if info.Mode()&0o111 != 0 {
			mode = 0o755
		}
		if err := writeEntry(rel, data, mode); err != nil {
			f.Close()
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		f.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	finalPath := filepath.Join(outDir, meta.NameVer()+".tar.gz")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

// writeTarEntry emits one normalized USTAR entry: fixed ownership and
// normalized mode/mtime keep repeated builds byte-identical.
func writeTarEntry(tw *tar.Writer, name string, data []byte, mode int64, mtime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     mode,
		ModTime:  mtime,
		Uid:      0,
		Gid:      0,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func archiveTime(environ map[string]string) time.Time {
	if sde, ok := environ["SOURCE_DATE_EPOCH"]; ok && sde != "" {
		if epoch, err := strconv.ParseInt(sde, 10, 64); err == nil {
			return time.Unix(epoch, 0).UTC()
		}
	}
	return time.Now().UTC().Truncate(time.Second)
}
