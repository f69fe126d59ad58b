// Package lifecycle wires the proxy's components together and owns the
// process's run loop: startup, the background tickers for upload-staging
// and access-log housekeeping, and graceful shutdown.
package lifecycle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/arlonbr/llmgate/pkg/accesslog"
	"github.com/arlonbr/llmgate/pkg/allowlist"
	"github.com/arlonbr/llmgate/pkg/config"
	"github.com/arlonbr/llmgate/pkg/keystore"
	"github.com/arlonbr/llmgate/pkg/metrics"
	"github.com/arlonbr/llmgate/pkg/pipeline"
	"github.com/arlonbr/llmgate/pkg/scheduler"
	"github.com/arlonbr/llmgate/pkg/staging"
	"github.com/arlonbr/llmgate/pkg/transport"
	"github.com/arlonbr/llmgate/pkg/usage"
)

const (
	stagingSweepInterval   = 5 * time.Minute
	stagingMaxAge          = 10 * time.Minute
	accessLogCheckInterval = 5 * time.Minute
	accessLogMaxBytes      = 100 << 20
	shutdownTimeout        = 10 * time.Second
	drainDeadline          = 30 * time.Second
)

// Manager owns every long-lived component and the HTTP server(s) built
// from them. Run blocks until ctx is canceled, then drains in-flight
// work before returning.
type Manager struct {
	cfg *config.ServerConfigStore

	logger *slog.Logger

	keystore  *keystore.Store
	sched     *scheduler.Scheduler
	usageSink *usage.Sink
	metrics   *metrics.Sink
	staging   *staging.Store
	accessLog *accesslog.Writer

	handler    *pipeline.Handler
	httpServer *http.Server

	startedAt time.Time
	draining  atomic.Bool
}

// New constructs every component named in the configuration snapshot
// and wires them into a Handler. It starts no listener, key-file watcher
// or housekeeping ticker; the scheduler and usage sink do start their own
// background goroutines as they are built.
func New(cfgPath string, cfg *config.ServerConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := config.NewServerConfigStore(cfgPath, cfg)
	snap := store.Snapshot()

	ks, err := keystore.NewStore(snap.KeyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: init keystore: %w", err)
	}

	metricsSink := metrics.New(snap.RateLimiting.MetricsEnabled)

	sched := scheduler.New(scheduler.Config{
		Global: scheduler.LimiterConfig{
			RequestsPerMinute: snap.RateLimiting.Global.RequestsPerMinute,
			ConcurrentLimit:   snap.RateLimiting.Global.ConcurrentLimit,
			QueueSize:         snap.RateLimiting.Global.QueueSize,
		},
		PerUser: scheduler.LimiterConfig{
			RequestsPerMinute: snap.RateLimiting.PerUser.RequestsPerMinute,
			ConcurrentLimit:   snap.RateLimiting.PerUser.ConcurrentLimit,
			QueueSize:         snap.RateLimiting.PerUser.QueueSize,
		},
		Enabled: snap.RateLimiting.Enabled,
	}, metricsSink, logger)

	usageSink, err := usage.NewSink(snap.UsageDir, logger)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: init usage sink: %w", err)
	}

	stagingStore, err := staging.New(snap.StagingDir, logger)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: init staging: %w", err)
	}

	accessWriter, err := accesslog.New(snap.AccessLogPath)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: init access log: %w", err)
	}
	accessLogger := slog.New(slog.NewJSONHandler(accessWriter, nil))

	retryable := make(map[int]struct{}, len(snap.HTTPClient.RetryableStatuses))
	for _, s := range snap.HTTPClient.RetryableStatuses {
		retryable[s] = struct{}{}
	}
	upstream := transport.New(transport.Config{
		BaseURL:           snap.HTTPClient.BaseURL,
		Timeout:           time.Duration(snap.HTTPClient.TimeoutSeconds) * time.Second,
		MultipartTimeout:  time.Duration(snap.HTTPClient.MultipartTimeoutS) * time.Second,
		MaxRetries:        snap.HTTPClient.MaxRetries,
		BaseDelay:         time.Duration(snap.HTTPClient.BaseDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(snap.HTTPClient.MaxDelayMS) * time.Millisecond,
		RetryableStatuses: retryable,
	})

	allow := allowlist.NewConfig(snap.Allowlist.Enabled, snap.Allowlist.Endpoints, snap.Allowlist.Models, snap.Allowlist.DefaultModel)

	handler := pipeline.New(pipeline.Deps{
		Keystore:          ks,
		Allowlist:         allow,
		Scheduler:         sched,
		Upstream:          upstream,
		UsageSink:         usageSink,
		MetricsSink:       metricsSink,
		Staging:           stagingStore,
		UpstreamAPIKey:    snap.OpenAIAPIKey,
		MaxUploadsPerUser: snap.MaxUploadsPer,
		Logger:            logger,
		AccessLog:         accessLogger,
	})

	m := &Manager{
		cfg:       store,
		logger:    logger,
		keystore:  ks,
		sched:     sched,
		usageSink: usageSink,
		metrics:   metricsSink,
		staging:   stagingStore,
		accessLog: accessWriter,
		handler:   handler,
	}

	drained := func() bool { return m.isDraining() }
	m.httpServer = &http.Server{
		Addr:              snap.ListenAddr,
		Handler:           handler.Router(time.Now(), &drained),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return m, nil
}

func (m *Manager) isDraining() bool {
	return m.draining.Load()
}

// Run starts the key-file watcher, the housekeeping tickers, and the
// HTTP listener (plain or autocert TLS per configuration), and blocks
// until ctx is canceled. On cancellation it drains the scheduler before
// shutting the server down, so in-flight upstream calls finish rather
// than being cut off mid-request.
func (m *Manager) Run(ctx context.Context) error {
	m.startedAt = time.Now()
	errCh := make(chan error, 3)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := m.keystore.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("keystore watch stopped", "error", err)
		}
	}()

	go m.housekeepingLoop(ctx)

	snap := m.cfg.Snapshot()
	if snap.TLS.Enabled {
		return m.runTLS(ctx, snap, errCh)
	}
	return m.runPlain(ctx, snap, errCh)
}

func (m *Manager) runPlain(ctx context.Context, snap config.ServerConfig, errCh chan error) error {
	go func() {
		m.logger.Info("proxy listening", "addr", snap.ListenAddr)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	<-ctx.Done()
	m.shutdown()
	return firstErr(errCh)
}

func (m *Manager) runTLS(ctx context.Context, snap config.ServerConfig, errCh chan error) error {
	mgr := &autocert.Manager{
		Cache:      autocert.DirCache(snap.TLS.CacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(snap.TLS.Domain),
		Email:      snap.TLS.Email,
	}

	httpsSrv := m.httpServer
	httpsSrv.Addr = ":443"
	httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}

	httpChallenge := &http.Server{
		Addr:              ":80",
		Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		m.logger.Info("http challenge/redirect listening", "addr", ":80")
		if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http challenge server: %w", err)
		}
	}()
	go func() {
		m.logger.Info("https listening", "addr", ":443", "domain", snap.TLS.Domain)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()

	<-ctx.Done()
	m.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if err := m.sched.Drain(drainCtx); err != nil {
		m.logger.Warn("drain deadline exceeded", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	_ = httpChallenge.Shutdown(shutdownCtx)
	_ = httpsSrv.Shutdown(shutdownCtx)
	m.closeComponents()
	return firstErr(errCh)
}

func (m *Manager) shutdown() {
	m.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if err := m.sched.Drain(drainCtx); err != nil {
		m.logger.Warn("drain deadline exceeded", "error", err)
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := m.httpServer.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn("http shutdown error", "error", err)
	}
	m.closeComponents()
}

func (m *Manager) closeComponents() {
	m.sched.Close()
	m.usageSink.Close()
	if err := m.accessLog.Close(); err != nil {
		m.logger.Warn("access log close error", "error", err)
	}
}

func (m *Manager) housekeepingLoop(ctx context.Context) {
	stagingTicker := time.NewTicker(stagingSweepInterval)
	defer stagingTicker.Stop()
	accessTicker := time.NewTicker(accessLogCheckInterval)
	defer accessTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stagingTicker.C:
			m.staging.Sweep(stagingMaxAge)
		case <-accessTicker.C:
			if err := m.accessLog.RotateIfOversize(accessLogMaxBytes); err != nil {
				m.logger.Warn("access log rotation failed", "error", err)
			}
		}
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// ReloadKeystore forces an out-of-band key-file reload, outside the
// fsnotify watch started by Run.
func (m *Manager) ReloadKeystore() {
	m.keystore.Reload()
}

// KeyFilePath exposes the configured key-file location, e.g. for a CLI
// subcommand that prints or edits it.
func (m *Manager) KeyFilePath() string {
	return m.cfg.Snapshot().KeyFile
}
