// Package staging provides scoped on-disk temp-file acquisition for
// multipart upload bodies. Every entry is released on every exit path
// from the scope that acquired it; a background sweep catches files
// orphaned by a crash that skipped the in-process release.
package staging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is one staged multipart part, owned by the pipeline invocation
// that acquired it for the duration of a single request.
type Entry struct {
	FieldName        string
	DeclaredFilename string
	DeclaredMIME     string
	Path             string
	ByteSize         int64
	CreatedAt        time.Time

	dir string
}

// Store owns the staging directory. Acquire and the release func it
// returns are the scoped acquisition primitive; Sweep is the
// orphan-cleanup pass run by the lifecycle manager's ticker.
type Store struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("staging: dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("staging: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Acquire creates a fresh on-disk temp file for one multipart part and
// copies r into it, returning an Entry and a release func the caller must
// invoke on every exit path (success, upstream error, local error,
// cancellation). release is idempotent.
func (s *Store) Acquire(fieldName, declaredFilename, declaredMIME string, r io.Reader) (*Entry, func(), error) {
	name := fmt.Sprintf("upload-%s", uuid.NewString())
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, func() {}, fmt.Errorf("staging: create temp file: %w", err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return nil, func() {}, fmt.Errorf("staging: stage part: %w", copyErr)
		}
		return nil, func() {}, fmt.Errorf("staging: close staged file: %w", closeErr)
	}

	e := &Entry{
		FieldName:        fieldName,
		DeclaredFilename: declaredFilename,
		DeclaredMIME:     declaredMIME,
		Path:             path,
		ByteSize:         n,
		CreatedAt:        time.Now(),
		dir:              s.dir,
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("staging: release failed", "path", e.Path, "error", err)
		}
	}
	return e, release, nil
}

// Sweep deletes any file directly under the staging directory whose
// modification time is older than maxAge. It runs independently of any
// in-process Entry tracking, so it catches files orphaned by a crash
// that skipped the paired release.
func (s *Store) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("staging: sweep read dir", "dir", s.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("staging: sweep remove failed", "path", path, "error", err)
		}
	}
}
