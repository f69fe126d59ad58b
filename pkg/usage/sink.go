// Package usage implements the append-only usage-record sink: one
// zstd-compressed JSON-lines segment file per process, rotated by age,
// written from a single background goroutine so Record never blocks a
// request.
package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultSegmentMaxAge = 6 * time.Hour
	defaultQueueSize     = 4096
)

// Record is one usage observation, written only when Model is non-empty,
// not "unknown", and at least one token count is non-zero.
type Record struct {
	PrincipalKey     string    `json:"principal_key"`
	Date             string    `json:"date"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	RecordedAt       time.Time `json:"recorded_at"`
}

func eligible(r Record) bool {
	model := strings.TrimSpace(strings.ToLower(r.Model))
	if model == "" || model == "unknown" {
		return false
	}
	return r.PromptTokens > 0 || r.CompletionTokens > 0 || r.TotalTokens > 0
}

// Sink owns the active segment and the background writer goroutine.
type Sink struct {
	dir           string
	segmentMaxAge time.Duration
	logger        *slog.Logger

	records chan Record
	done    chan struct{}
	closed  sync.Once
}

func NewSink(dir string, logger *slog.Logger) (*Sink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("usage: dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("usage: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		dir:           dir,
		segmentMaxAge: defaultSegmentMaxAge,
		logger:        logger,
		records:       make(chan Record, defaultQueueSize),
		done:          make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Record enqueues a usage observation. It never blocks: if the internal
// queue is full the record is dropped and logged, matching the "fire and
// forget, sink failures never fail the request" propagation policy.
func (s *Sink) Record(r Record) {
	if s == nil || !eligible(r) {
		return
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	if r.Date == "" {
		r.Date = r.RecordedAt.Format("2006-01-02")
	}
	select {
	case s.records <- r:
	default:
		s.logger.Warn("usage sink queue full, dropping record", "principal_key", r.PrincipalKey, "model", r.Model)
	}
}

// Close stops accepting new records and flushes the active segment.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.closed.Do(func() {
		close(s.records)
		<-s.done
	})
}

func (s *Sink) run() {
	defer close(s.done)
	var w *segmentWriter
	defer func() {
		if w != nil {
			if err := w.close(); err != nil {
				s.logger.Error("usage sink: close segment on shutdown", "error", err)
			}
		}
	}()

	for r := range s.records {
		if w == nil || time.Since(w.openedAt) >= s.segmentMaxAge {
			if w != nil {
				if err := w.close(); err != nil {
					s.logger.Error("usage sink: rotate segment", "error", err)
				}
			}
			nw, err := newSegmentWriter(s.dir)
			if err != nil {
				s.logger.Error("usage sink: open segment", "error", err)
				continue
			}
			w = nw
		}
		line, err := json.Marshal(r)
		if err != nil {
			s.logger.Error("usage sink: marshal record", "error", err)
			continue
		}
		if err := w.writeLine(line); err != nil {
			s.logger.Error("usage sink: write record", "error", err)
		}
	}
}

type segmentWriter struct {
	path     string
	file     *os.File
	enc      *zstd.Encoder
	openedAt time.Time
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	name := fmt.Sprintf("usage-%d.jsonl.zst", time.Now().UTC().UnixNano())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{path: path, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	_, err := w.enc.Write([]byte("\n"))
	return err
}

func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if err := w.enc.Close(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
