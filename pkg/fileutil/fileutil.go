// Package fileutil writes output files with tmp+mv semantics: a file only
// appears at its final path once it is complete.
package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TmpSuffix is appended to the final path while a file is being written.
const TmpSuffix = ".tmp"

// ErrFinished is returned when an AtomicFile is used after Commit or Abort.
var ErrFinished = errors.New("file already committed or aborted")

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AtomicFile is written under a temporary name next to its final path and
// moved into place by Commit.
type AtomicFile struct {
	*os.File
	final    string
	finished bool
}

// Create creates the temporary file for path, creating parent directories
// as needed.
func Create(path string) (*AtomicFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path + TmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &AtomicFile{File: f, final: path}, nil
}

// FinalPath returns the path the file is moved to by Commit.
func (f *AtomicFile) FinalPath() string {
	return f.final
}

// Commit syncs and closes the file and moves it to its final path.
func (f *AtomicFile) Commit() error {
	if f.finished {
		return ErrFinished
	}
	f.finished = true

	tmp := f.Name()
	if err := f.Sync(); err != nil {
		f.File.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.File.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, f.final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}

// Abort closes and removes the temporary file. It is a no-op after Commit.
func (f *AtomicFile) Abort() error {
	if f.finished {
		return nil
	}
	f.finished = true
	f.File.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return nil
}
