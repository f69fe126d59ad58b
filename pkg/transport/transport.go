// Package transport executes prepared upstream requests against the LLM
// API with the retry, backoff, and idempotency-key policy described for
// the proxy's outbound leg. It exposes the three upstream body shapes —
// JSON buffered, Streaming, and Multipart buffered — as distinct
// operations rather than one undifferentiated "do a request" call, since
// each has materially different failure and retry semantics.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config configures retry policy and timeouts. It carries the same
// settings as config.HTTPClientConfig, as durations and a status set;
// the lifecycle manager converts a config snapshot into one.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	MultipartTimeout  time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryableStatuses map[int]struct{}
}

// defaultRetryableStatuses matches spec: 429, 500, 502, 503, 504.
func defaultRetryableStatuses() map[int]struct{} {
	return map[int]struct{}{429: {}, 500: {}, 502: {}, 503: {}, 504: {}}
}

// Transport issues upstream requests with the shared retry policy.
type Transport struct {
	cfg    Config
	client *http.Client
}

// New builds a Transport. A zero-value RetryableStatuses falls back to
// the spec default set.
func New(cfg Config) *Transport {
	if cfg.RetryableStatuses == nil {
		cfg.RetryableStatuses = defaultRetryableStatuses()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MultipartTimeout <= 0 {
		cfg.MultipartTimeout = 30 * time.Second
	}
	return &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// BufferedResponse is the result of JSON or Multipart dispatch.
type BufferedResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// StreamResponse is the result of Streaming dispatch: headers have
// already arrived, and Body is the live upstream response body. The
// caller owns Body and must close it.
type StreamResponse struct {
	Status  int
	Headers http.Header
	Body    io.ReadCloser
}

// UpstreamStatusError is a buffered response whose status was >= 400. It
// carries the response for the pipeline to pass through to the client.
type UpstreamStatusError struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.Status)
}

// UpstreamTransportError wraps a network-level failure (as opposed to an
// HTTP status carrying one).
type UpstreamTransportError struct {
	Err error
}

func (e *UpstreamTransportError) Error() string {
	return fmt.Sprintf("upstream transport error: %v", e.Err)
}

func (e *UpstreamTransportError) Unwrap() error { return e.Err }

// RetryObserver is notified once per retry attempt, primarily so the
// pipeline can forward the count to the Metrics Sink.
type RetryObserver func(reason string)

// JSON sends body as a JSON request to path and returns the buffered
// response, retrying per policy. A status >= 400 is returned as an
// UpstreamStatusError rather than nil-error-with-bad-status, so callers
// can't forget to check it.
func (t *Transport) JSON(ctx context.Context, path string, headers http.Header, body []byte, observe RetryObserver) (*BufferedResponse, error) {
	return t.doBuffered(ctx, http.MethodPost, path, headers, body, t.cfg.Timeout, observe)
}

// Multipart sends a prepared multipart body (caller supplies the
// Content-Type header including boundary) with the shorter multipart
// timeout; otherwise identical to JSON.
func (t *Transport) Multipart(ctx context.Context, path string, headers http.Header, body []byte, observe RetryObserver) (*BufferedResponse, error) {
	return t.doBuffered(ctx, http.MethodPost, path, headers, body, t.cfg.MultipartTimeout, observe)
}

func (t *Transport) doBuffered(ctx context.Context, method, path string, headers http.Header, body []byte, timeout time.Duration, observe RetryObserver) (*BufferedResponse, error) {
	idemKey := idempotencyKey(headers)
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt < t.cfg.MaxRetries+1; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, t.cfg.BaseDelay, t.cfg.MaxDelay, attempt-1, retryAfter); err != nil {
				return nil, err
			}
			if observe != nil {
				observe("retry")
			}
		}
		retryAfter = 0

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := t.newRequest(attemptCtx, method, path, headers, body, idemKey, timeout)
		if err != nil {
			cancel()
			return nil, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if !retryableTransportError(err) {
				return nil, &UpstreamTransportError{Err: err}
			}
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		cancel()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 400 {
			return &BufferedResponse{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: respBody}, nil
		}

		statusErr := &UpstreamStatusError{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: respBody}
		if !t.retryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		lastErr = statusErr
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return nil, lastErr
}

// Streaming sends body as a JSON request and returns as soon as headers
// arrive. Retries apply only before a response is handed to the caller:
// a retryable transport error or retryable status is retried; any other
// response, successful or not, is returned with its live body, the caller
// owns that body, and no further retry happens here.
func (t *Transport) Streaming(ctx context.Context, path string, headers http.Header, body []byte, observe RetryObserver) (*StreamResponse, error) {
	idemKey := idempotencyKey(headers)
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt < t.cfg.MaxRetries+1; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, t.cfg.BaseDelay, t.cfg.MaxDelay, attempt-1, retryAfter); err != nil {
				return nil, err
			}
			if observe != nil {
				observe("retry")
			}
		}
		retryAfter = 0

		req, err := t.newRequest(ctx, http.MethodPost, path, headers, body, idemKey, t.cfg.Timeout)
		if err != nil {
			return nil, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			if !retryableTransportError(err) {
				return nil, &UpstreamTransportError{Err: err}
			}
			continue
		}

		if resp.StatusCode >= 400 && t.retryableStatus(resp.StatusCode) {
			ra := parseRetryAfter(resp.Header.Get("Retry-After"))
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
			resp.Body.Close()
			lastErr = &UpstreamStatusError{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: b}
			retryAfter = ra
			continue
		}

		return &StreamResponse{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: resp.Body}, nil
	}

	return nil, lastErr
}

func (t *Transport) retryableStatus(status int) bool {
	_, ok := t.cfg.RetryableStatuses[status]
	return ok
}

func (t *Transport) newRequest(ctx context.Context, method, path string, headers http.Header, body []byte, idemKey string, timeout time.Duration) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(t.cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	u.Path = joinPath(u.Path, path)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	// cancel is not called here or handed back to the caller: the derived
	// context is released only when its timeout elapses or the parent
	// context is done.
	_ = cancel

	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	return req, nil
}

func joinPath(base, p string) string {
	base = strings.TrimRight(base, "/")
	p = "/" + strings.TrimLeft(p, "/")
	return base + p
}

func idempotencyKey(headers http.Header) string {
	if headers != nil {
		if v := headers.Get("Idempotency-Key"); v != "" {
			return v
		}
	}
	return generateIdempotencyKey()
}

func generateIdempotencyKey() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// sleepBackoff blocks for the delay before retry attempt n (0-indexed),
// honoring a prior Retry-After hint when present, or returns ctx.Err() if
// the context is canceled first.
func sleepBackoff(ctx context.Context, base, max time.Duration, n int, retryAfter time.Duration) error {
	delay := retryAfter
	if delay <= 0 {
		delay = exponentialBackoff(base, max, n)
	} else if delay > max {
		delay = max
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// exponentialBackoff computes min(max, base*2^n + U(0,1s)).
func exponentialBackoff(base, max time.Duration, n int) time.Duration {
	delay := base << uint(n)
	if delay <= 0 || delay > max {
		delay = max
	}
	delay += jitter()
	if delay > max {
		delay = max
	}
	return delay
}

func jitter() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(time.Second)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryableTransportError reports whether a network-level error is one of
// the spec's retryable kinds: reset, refused, timeout. DNS resolution
// failure is explicitly excluded.
func retryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Error()
		if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout")
}
