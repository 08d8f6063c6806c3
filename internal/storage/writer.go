// Package storage writes mirrored files so that a final path only ever holds complete content.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// TempSuffix is appended to the final path while a file is being written.
const TempSuffix = ".downloading"

// ErrPathConflict matches every *PathConflictError via errors.Is.
var ErrPathConflict = errors.New("path conflict")

// PathConflictError reports a non-directory where a directory is required
type PathConflictError struct {
	Path string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("%s is supposed to be a directory, not something else", e.Path)
}

func (e *PathConflictError) Is(target error) bool { return target == ErrPathConflict }

// Store performs all filesystem access of the mirror
type Store struct {
	fs afero.Fs
}

// NewStore wraps fs; a nil fs means the operating system filesystem.
func NewStore(fs afero.Fs) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs}
}

// EnsureDir creates dir and its parents. It is safe to call concurrently
// for the same directory and fails with a *PathConflictError when dir or one
// of its parents exists as something other than a directory.
func (s *Store) EnsureDir(dir string) error {
	if conflict := s.conflictAt(dir); conflict != "" {
		return &PathConflictError{Path: conflict}
	}

	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		if conflict := s.conflictAt(dir); conflict != "" {
			return &PathConflictError{Path: conflict}
		}
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	info, err := s.fs.Stat(dir)
	if err != nil {
		return fmt.Errorf("checking directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return &PathConflictError{Path: dir}
	}
	return nil
}

// conflictAt returns the nearest existing ancestor of dir (dir included)
// if it is not a directory.
func (s *Store) conflictAt(dir string) string {
	for p := filepath.Clean(dir); ; p = filepath.Dir(p) {
		info, err := s.fs.Stat(p)
		if err == nil {
			if info.IsDir() {
				return ""
			}
			return p
		}
		if parent := filepath.Dir(p); parent == p {
			return ""
		}
	}
}

// Exists reports whether something is present at path
func (s *Store) Exists(path string) (bool, error) {
	_, err := s.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// RemoveStale deletes leftover temporary files below root and returns how many were removed
func (s *Store) RemoveStale(root string) (int, error) {
	if ok, err := afero.DirExists(s.fs, root); err != nil || !ok {
		return 0, err
	}

	removed := 0
	err := afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && strings.HasSuffix(path, TempSuffix) {
			if err := s.fs.Remove(path); err != nil {
				return fmt.Errorf("removing %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// AtomicFile receives content for a final path through a sibling temporary file
type AtomicFile struct {
	fs      afero.Fs
	file    afero.File
	final   string
	temp    string
	written int64
	mu      sync.Mutex
	closed  bool
}

// TempPath returns the temporary path used while writing finalPath
func TempPath(finalPath string) string {
	return finalPath + TempSuffix
}

// Create opens a fresh temporary file for finalPath, truncating leftovers
// from an earlier attempt. The directory must already exist.
func (s *Store) Create(finalPath string) (*AtomicFile, error) {
	temp := TempPath(finalPath)
	file, err := s.fs.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", temp, err)
	}

	return &AtomicFile{
		fs:    s.fs,
		file:  file,
		final: finalPath,
		temp:  temp,
	}, nil
}

// Write writes data sequentially to the temporary file.
func (f *AtomicFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	n, err := f.file.Write(p)
	f.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far
func (f *AtomicFile) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// Commit flushes the temporary file and renames it onto the final path,
// replacing whatever was there. On failure the temporary file is removed.
func (f *AtomicFile) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("writer is closed")
	}
	f.closed = true

	if err := f.file.Sync(); err != nil {
		f.file.Close()
		f.fs.Remove(f.temp)
		return fmt.Errorf("syncing %s: %w", f.temp, err)
	}
	if err := f.file.Close(); err != nil {
		f.fs.Remove(f.temp)
		return fmt.Errorf("closing %s: %w", f.temp, err)
	}
	if err := f.fs.Rename(f.temp, f.final); err != nil {
		f.fs.Remove(f.temp)
		return fmt.Errorf("renaming %s: %w", f.temp, err)
	}
	return nil
}

// Abort discards the temporary file. Calling it after Commit is a no-op.
func (f *AtomicFile) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	f.file.Close()
	if err := f.fs.Remove(f.temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", f.temp, err)
	}
	return nil
}
