// Package scheduler implements the two-level hierarchical rate limiter
// that admits proxied requests: a per-principal limiter chained under a
// single global limiter. Admission is a hard-refill reservoir (a per-minute
// budget, not a leaky bucket) combined with a concurrency ceiling and a
// bounded FIFO queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arlonbr/llmgate/pkg/cache"
)

const refillInterval = time.Minute

// defaultIdleTTL is how long a per-principal limiter survives after its
// last admission before it is torn down and its goroutine stopped.
const defaultIdleTTL = time.Hour

const sweepInterval = time.Minute

// LimiterConfig configures a single limiter's reservoir, concurrency
// ceiling, and queue bound.
type LimiterConfig struct {
	RequestsPerMinute int
	ConcurrentLimit   int
	QueueSize         int
}

// Config configures the scheduler as a whole.
type Config struct {
	Global  LimiterConfig
	PerUser LimiterConfig
	Enabled bool
	IdleTTL time.Duration
}

// MetricsSink is the subset of the metrics package's Sink the scheduler
// reports against. Defined locally so this package does not import
// pkg/metrics directly.
type MetricsSink interface {
	RecordQueueOverflow(scope string)
	SetSchedulerState(scope string, queued, running, reservoir int)
}

type noopSink struct{}

func (noopSink) RecordQueueOverflow(string)              {}
func (noopSink) SetSchedulerState(string, int, int, int) {}

// ErrQueueOverflow is returned by Schedule when a limiter's queue was
// already at high_water. Scope is "global" or "per_user".
type ErrQueueOverflow struct {
	Scope string
}

func (e *ErrQueueOverflow) Error() string {
	return fmt.Sprintf("scheduler: %s queue overflow", e.Scope)
}

// ErrShutdownInProgress is returned by Schedule once Drain has begun; it
// is checked before any queue is touched, so a draining scheduler never
// admits new work.
var ErrShutdownInProgress = errors.New("scheduler: shutdown in progress")

// Scheduler is the hierarchical rate limiter described above. Disabled
// schedulers run work immediately with no admission control, so the
// pipeline can call Schedule unconditionally.
type Scheduler struct {
	cfg    Config
	sink   MetricsSink
	logger *slog.Logger

	global *limiter

	mu       sync.Mutex
	perUser  *cache.TTLMap[string, *limiter]
	draining bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a Scheduler and starts its global refill ticker and its
// idle-eviction sweep for per-principal limiters.
func New(cfg Config, sink MetricsSink, logger *slog.Logger) *Scheduler {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}

	s := &Scheduler{
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		global:    newLimiter("global", cfg.Global.RequestsPerMinute, cfg.Global.ConcurrentLimit, cfg.Global.QueueSize),
		perUser:   cache.NewTTLMap[string, *limiter](),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if cfg.Enabled {
		s.global.startRefill(refillInterval)
		go s.sweepLoop()
	} else {
		close(s.sweepDone)
	}
	return s
}

// userLimiter returns principalKey's limiter, creating it on first use.
// Every call refreshes the limiter's idle-TTL entry, so sweepIdle's
// eviction deadline is a sliding window measured from the most recent
// admission attempt, not the limiter's creation time.
func (s *Scheduler) userLimiter(principalKey string) *limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, _, ok := s.perUser.Get(principalKey); ok {
		s.perUser.SetWithTTL(principalKey, l, now, s.cfg.IdleTTL)
		return l
	}
	l := newLimiter("per_user", s.cfg.PerUser.RequestsPerMinute, s.cfg.PerUser.ConcurrentLimit, s.cfg.PerUser.QueueSize)
	l.startRefill(refillInterval)
	s.perUser.SetWithTTL(principalKey, l, now, s.cfg.IdleTTL)
	return l
}

// Schedule admits principalKey's request through the per-user limiter and
// then the global limiter, in that order, runs work once both admit it,
// and releases both limiters (global first, then per-user) once work
// returns. A disabled scheduler runs work immediately.
func Schedule[T any](ctx context.Context, s *Scheduler, principalKey string, work func() (T, error)) (T, error) {
	var zero T
	if s == nil || !s.cfg.Enabled {
		return work()
	}
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return zero, ErrShutdownInProgress
	}

	user := s.userLimiter(principalKey)
	userWaiter, ok := user.enqueue()
	if !ok {
		s.sink.RecordQueueOverflow("per_user")
		return zero, &ErrQueueOverflow{Scope: "per_user"}
	}

	select {
	case <-userWaiter.ch:
	case <-ctx.Done():
		if user.cancel(userWaiter) {
			user.release()
		}
		return zero, ctx.Err()
	}

	globalWaiter, ok := s.global.enqueue()
	if !ok {
		user.release()
		s.sink.RecordQueueOverflow("global")
		return zero, &ErrQueueOverflow{Scope: "global"}
	}

	select {
	case <-globalWaiter.ch:
	case <-ctx.Done():
		if s.global.cancel(globalWaiter) {
			s.global.release()
		}
		user.release()
		return zero, ctx.Err()
	}

	result, err := work()
	s.global.release()
	user.release()
	return result, err
}

// State reports (running, queued, reservoir) for the global limiter and,
// if present, the named principal's limiter.
func (s *Scheduler) State(principalKey string) (global, perUser [3]int, hasUser bool) {
	r, q, rv := s.global.state()
	global = [3]int{r, q, rv}

	l, _, ok := s.perUser.Get(principalKey)
	if !ok {
		return global, perUser, false
	}
	r, q, rv = l.state()
	return global, [3]int{r, q, rv}, true
}

// Snapshot reports the global limiter's (running, queued, reservoir) plus
// the number of currently tracked per-principal limiters, for the health
// endpoint.
func (s *Scheduler) Snapshot() (running, queued, reservoir, totalUsers int) {
	running, queued, reservoir = s.global.state()
	totalUsers = len(s.perUser.Entries())
	return
}

func (s *Scheduler) sweepLoop() {
	defer close(s.sweepDone)
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-t.C:
			s.sweepIdle()
			s.publishMetrics()
		}
	}
}

// sweepIdle evicts per-principal limiters whose idle-TTL entry has
// expired and which have no running or queued work, stopping each one's
// refill ticker before dropping it. s.mu serializes this against
// userLimiter's check-or-create step, so a limiter can't be deleted out
// from under a caller that just looked it up and refreshed its TTL.
func (s *Scheduler) sweepIdle() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.perUser.Entries() {
		running, queued, _ := entry.Value.state()
		if running == 0 && queued == 0 && !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			entry.Value.stopRefill()
			s.perUser.Delete(key)
		}
	}
}

func (s *Scheduler) publishMetrics() {
	r, q, rv := s.global.state()
	s.sink.SetSchedulerState("global", q, r, rv)

	for _, entry := range s.perUser.Entries() {
		r, q, rv := entry.Value.state()
		s.sink.SetSchedulerState("per_user", q, r, rv)
	}
}

// Drain marks the scheduler as draining, so every later Schedule call
// fails with ErrShutdownInProgress, then waits for all currently running
// and queued work across every limiter to finish, or until ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	entries := s.perUser.Entries()
	limiters := make([]*limiter, 0, len(entries)+1)
	limiters = append(limiters, s.global)
	for _, entry := range entries {
		limiters = append(limiters, entry.Value)
	}
	s.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if allIdle(limiters) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New("scheduler: drain deadline exceeded")
		case <-ticker.C:
		}
	}
}

func allIdle(limiters []*limiter) bool {
	for _, l := range limiters {
		running, queued, _ := l.state()
		if running != 0 || queued != 0 {
			return false
		}
	}
	return true
}

// Close stops the sweep loop and every limiter's refill ticker.
func (s *Scheduler) Close() {
	if !s.cfg.Enabled {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
	s.global.stopRefill()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.perUser.Entries() {
		entry.Value.stopRefill()
	}
}
