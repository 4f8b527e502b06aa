package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()

	if Exists(filepath.Join(tmpDir, "nonexistent")) {
		t.Error("Exists returned true for non-existent file")
	}

	path := filepath.Join(tmpDir, "exists.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists returned false for existing file")
	}
}

func TestAtomicFileLifecycle(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.parquet")

	f, err := Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if f.FinalPath() != outPath {
		t.Errorf("FinalPath = %s", f.FinalPath())
	}
	if _, err := f.WriteString("data"); err != nil {
		t.Fatal(err)
	}
	if err := f.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := f.Commit(); !errors.Is(err, ErrFinished) {
		t.Errorf("second Commit err = %v", err)
	}
	if err := f.Abort(); err != nil {
		t.Errorf("Abort after Commit = %v", err)
	}
	if !Exists(outPath) {
		t.Error("committed file removed by Abort")
	}

	g, err := Create(filepath.Join(t.TempDir(), "aborted"))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Abort(); err != nil {
		t.Fatal(err)
	}
	if Exists(g.Name()) || Exists(g.FinalPath()) {
		t.Error("aborted file left behind")
	}
}
