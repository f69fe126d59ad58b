// Package keystore loads the principal key file and watches it for
// changes, reloading the in-memory mapping without ever blocking a lookup.
package keystore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/arlonbr/llmgate/pkg/cache"
)

// Principal is an authenticated identity bound to an opaque key string.
type Principal struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Store holds the current key-file mapping behind an atomic pointer swap,
// so a reload never blocks or races with an in-flight Lookup.
type Store struct {
	path    string
	logger  *slog.Logger
	mapping atomic.Pointer[map[string]Principal]
}

// NewStore loads the key file once, synchronously. The process should not
// start with zero principals, so a failed initial load is returned as an
// error rather than silently producing an empty store.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: strings.TrimSpace(path), logger: logger}
	m, err := loadMapping(s.path)
	if err != nil {
		return nil, fmt.Errorf("keystore: initial load: %w", err)
	}
	s.mapping.Store(&m)
	return s, nil
}

// Lookup never blocks: it reads the currently-installed mapping, which is
// either the mapping in effect before a concurrent reload or the mapping
// installed by it, consistently for the duration of this call.
func (s *Store) Lookup(key string) (Principal, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Principal{}, false
	}
	m := s.mapping.Load()
	if m == nil {
		return Principal{}, false
	}
	p, ok := (*m)[key]
	return p, ok
}

// Len reports the number of principals in the currently-installed mapping.
func (s *Store) Len() int {
	m := s.mapping.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Reload re-reads the backing file and, on success, atomically replaces
// the mapping. A malformed file is logged and the existing mapping is
// left untouched — the most recently *valid* write always wins.
func (s *Store) Reload() {
	m, err := loadMapping(s.path)
	if err != nil {
		s.logger.Error("keystore: reload failed, keeping prior mapping", "path", s.path, "error", err)
		return
	}
	s.mapping.Store(&m)
	s.logger.Info("keystore: reloaded", "path", s.path, "principals", len(m))
}

func loadMapping(path string) (map[string]Principal, error) {
	var list []Principal
	if err := cache.LoadJSON(path, &list); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	m := make(map[string]Principal, len(list))
	for _, p := range list {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			continue
		}
		m[key] = p
	}
	return m, nil
}

// Dir returns the directory containing the key file, for the watcher to
// subscribe to (watching the directory catches editor save-via-rename
// patterns that watching the file itself can miss).
func (s *Store) Dir() string {
	return filepath.Dir(s.path)
}

// File returns the key file path this store was built from, as given
// (trimmed of surrounding whitespace, not made absolute).
func (s *Store) File() string {
	return s.path
}
