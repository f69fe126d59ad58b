package keystore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeKeyFile(t *testing.T, path string, principals []Principal) {
	t.Helper()
	b, err := json.Marshal(principals)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	writeKeyFile(t, path, []Principal{{Key: "k1", Name: "alice", Email: "alice@example.test"}})

	s, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	p, ok := s.Lookup("k1")
	if !ok || p.Name != "alice" {
		t.Fatalf("expected alice, got %+v ok=%v", p, ok)
	}
	if _, ok := s.Lookup("missing"); ok {
		t.Fatal("expected missing key to not resolve")
	}
	if _, ok := s.Lookup(""); ok {
		t.Fatal("expected empty key to not resolve")
	}
}

func TestNewStoreFailsWithoutFile(t *testing.T) {
	if _, err := NewStore(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Fatal("expected error when key file does not exist")
	}
}

func TestReloadKeepsPriorMappingOnMalformedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	writeKeyFile(t, path, []Principal{{Key: "k1", Name: "alice", Email: "alice@example.test"}})

	s, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	s.Reload()

	p, ok := s.Lookup("k1")
	if !ok || p.Name != "alice" {
		t.Fatalf("expected prior mapping retained, got %+v ok=%v", p, ok)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	writeKeyFile(t, path, []Principal{{Key: "k1", Name: "alice"}})

	s, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx)

	time.Sleep(50 * time.Millisecond)
	writeKeyFile(t, path, []Principal{{Key: "k1", Name: "alice"}, {Key: "k2", Name: "bob"}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Lookup("k2"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected reload to pick up new principal k2")
}
