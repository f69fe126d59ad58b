package staging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesFileAndReturnsEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entry, release, err := s.Acquire("file", "clip.wav", "audio/wav", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if entry.ByteSize != 5 {
		t.Fatalf("expected ByteSize=5, got %d", entry.ByteSize)
	}
	b, err := os.ReadFile(entry.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("expected file contents %q, got %q", "hello", string(b))
	}
	if filepath.Dir(entry.Path) != dir {
		t.Fatalf("expected entry staged under %s, got %s", dir, entry.Path)
	}
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entry, release, err := s.Acquire("file", "a.wav", "audio/wav", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
		t.Fatalf("expected staged file to be removed after release, stat err=%v", err)
	}
	release() // must not panic or error on a second call
}

func TestSweepRemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fresh := filepath.Join(dir, "upload-fresh")
	stale := filepath.Join(dir, "upload-stale")
	if err := os.WriteFile(fresh, []byte("x"), 0o600); err != nil {
		t.Fatalf("write fresh: %v", err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s.Sweep(10 * time.Minute)

	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh file to survive sweep, got err=%v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed by sweep, stat err=%v", err)
	}
}
