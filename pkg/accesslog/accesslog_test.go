package accesslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAppendsToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	w, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("line one\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte("line two\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "line one\nline two\n" {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}

func TestRotateIfOversizeRenamesAndReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	w, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := w.RotateIfOversize(100); err != nil {
		t.Fatalf("RotateIfOversize (below threshold): %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected no rotation below threshold, got %d entries", len(entries))
	}

	if err := w.RotateIfOversize(5); err != nil {
		t.Fatalf("RotateIfOversize (above threshold): %v", err)
	}

	entries, err = os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sawBackup, sawActive bool
	for _, e := range entries {
		if e.Name() == "access.log" {
			sawActive = true
		}
		if strings.HasPrefix(e.Name(), "access.log.") {
			sawBackup = true
		}
	}
	if !sawBackup || !sawActive {
		t.Fatalf("expected both a fresh active file and a timestamped backup, got %v", entries)
	}

	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatalf("Write after rotation: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after rotation: %v", err)
	}
	if string(b) != "more" {
		t.Fatalf("expected fresh file to start empty then receive the write, got %q", string(b))
	}
}

func TestPruneBackupsLockedKeepsOnlyMaxBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	w, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	w.maxBackups = 2

	for i := 0; i < 4; i++ {
		if _, err := w.Write([]byte("0123456789")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.RotateIfOversize(1); err != nil {
			t.Fatalf("RotateIfOversize: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	backups := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "access.log.") {
			backups++
		}
	}
	if backups > w.maxBackups {
		t.Fatalf("expected at most %d backups, got %d", w.maxBackups, backups)
	}
}
