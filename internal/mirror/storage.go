package mirror

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cockroachdb/errors"
)

const (
	tempPrefix    = ".downloading."
	stagingPrefix = ".staging-"
)

// LocalFileState is what the filesystem reports for a destination path.
type LocalFileState struct {
	Exists  bool
	Size    uint64
	ModTime time.Time
}

// validateName validates that a remote filename is safe to use as a
// single path element inside a Tree.  Hidden names are rejected because
// the dot-prefixed namespace holds in-flight downloads and staging dirs.
func validateName(name string) error {
	switch {
	case name == "":
		return errors.New("empty filename")
	case strings.ContainsAny(name, `/\`):
		return errors.New("unsafe filename (contains path separator): " + name)
	case strings.HasPrefix(name, "."):
		return errors.New("unsafe filename (hidden or relative): " + name)
	case strings.ContainsRune(name, 0):
		return errors.New("unsafe filename (contains NUL)")
	}
	return nil
}

// Tree is a local directory mirroring one remote directory 1:1 by filename.
//
// Files are published into a Tree only by renaming a fully written
// sibling, so readers observe either the old or the new content.
type Tree struct {
	dir string
}

// OpenTree returns the Tree rooted at dir, creating it if needed.
//
// dir must be an absolute path.
func OpenTree(dir string) (*Tree, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, filesystemError(err, "OpenTree")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, filesystemError(err, "OpenTree")
	}
	if !st.Mode().IsDir() {
		return nil, errors.Mark(errors.New("not a directory: "+dir), ErrFilesystem)
	}
	return &Tree{dir: dir}, nil
}

// Dir returns the directory of the Tree.
func (t *Tree) Dir() string {
	return t.dir
}

// Path returns the full path of name in the Tree.
func (t *Tree) Path(name string) string {
	return filepath.Join(t.dir, name)
}

// TempPath returns the in-flight path used while downloading name.
// It lives in the same directory so that publishing is a same-filesystem
// rename.
func (t *Tree) TempPath(name string) string {
	return filepath.Join(t.dir, tempPrefix+name)
}

// Stat reports the state of name.  Only regular files count as existing.
func (t *Tree) Stat(name string) (LocalFileState, error) {
	st, err := os.Stat(t.Path(name))
	switch {
	case os.IsNotExist(err):
		return LocalFileState{}, nil
	case err != nil:
		return LocalFileState{}, filesystemError(err, "Stat")
	}
	if !st.Mode().IsRegular() {
		return LocalFileState{}, nil
	}
	return LocalFileState{
		Exists:  true,
		Size:    uint64(st.Size()), // #nosec G115 - regular file sizes are non-negative
		ModTime: st.ModTime(),
	}, nil
}

// Remove deletes name.  A missing file is not an error.
func (t *Tree) Remove(name string) error {
	err := os.Remove(t.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return filesystemError(err, "Remove")
	}
	return nil
}

// Publish atomically renames src onto name, replacing previous content.
// src must be in the same filesystem as the Tree.
func (t *Tree) Publish(src, name string) error {
	if err := os.Rename(src, t.Path(name)); err != nil {
		return filesystemError(err, "Publish")
	}
	return nil
}

// NewStaging creates a private staging directory inside the Tree.
// The caller removes it with os.RemoveAll when done.
func (t *Tree) NewStaging() (string, error) {
	d, err := os.MkdirTemp(t.dir, stagingPrefix)
	if err != nil {
		return "", filesystemError(err, "NewStaging")
	}
	return d, nil
}

// PackageFiles lists regular files in the Tree whose names match any of
// patterns.  In-flight and hidden files are never listed.
func (t *Tree) PackageFiles(patterns []string) ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, filesystemError(err, "PackageFiles")
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		for _, pattern := range patterns {
			matched, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, errors.Wrapf(err, "pattern %q", pattern)
			}
			if matched {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Usage returns the total size and the number of published regular files.
func (t *Tree) Usage() (uint64, int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, 0, filesystemError(err, "Usage")
	}

	var total uint64
	var count int
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, 0, filesystemError(err, "Usage")
		}
		total += uint64(info.Size()) // #nosec G115 - regular file sizes are non-negative
		count++
	}
	return total, count, nil
}

// Sync calls fsync(2) on the Tree directory so that renames are durable.
func (t *Tree) Sync() error {
	f, err := os.Open(t.dir)
	if err != nil {
		return filesystemError(err, "Sync")
	}
	err = f.Sync()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return filesystemError(err, "Sync")
	}
	return nil
}
