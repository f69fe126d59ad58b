package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestJSONReturnsBufferedResponseOnSuccess(t *testing.T) {
	var gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	resp, err := tr.JSON(context.Background(), "/v1/chat/completions", http.Header{}, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if gotIdem == "" {
		t.Fatal("expected a generated idempotency key to be forwarded")
	}
}

func TestJSONPropagatesSuppliedIdempotencyKey(t *testing.T) {
	var gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	headers := http.Header{"Idempotency-Key": []string{"caller-supplied"}}
	if _, err := tr.JSON(context.Background(), "/v1/x", headers, []byte(`{}`), nil); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if gotIdem != "caller-supplied" {
		t.Fatalf("expected caller-supplied idempotency key preserved, got %q", gotIdem)
	}
}

func TestJSONReturnsUpstreamStatusErrorOnNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 3})
	_, err := tr.JSON(context.Background(), "/v1/x", http.Header{}, []byte(`{}`), nil)
	statusErr, ok := err.(*UpstreamStatusError)
	if !ok {
		t.Fatalf("expected *UpstreamStatusError, got %T (%v)", err, err)
	}
	if statusErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", statusErr.Status)
	}
}

func TestJSONRetriesRetryableStatusThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var observed []string
	tr := New(Config{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	resp, err := tr.JSON(context.Background(), "/v1/x", http.Header{}, []byte(`{}`), func(reason string) {
		observed = append(observed, reason)
	})
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", calls.Load())
	}
	if len(observed) != 1 || observed[0] != "retry" {
		t.Fatalf("expected one retry observation, got %v", observed)
	}
}

func TestJSONGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := New(Config{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	_, err := tr.JSON(context.Background(), "/v1/x", http.Header{}, []byte(`{}`), nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3 calls, got %d", calls.Load())
	}
}

func TestStreamingReturnsHeadersImmediatelyForCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: chunk1\n\n")
		flusher.Flush()
		_, _ = io.WriteString(w, "data: chunk2\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	resp, err := tr.Streaming(context.Background(), "/v1/x", http.Header{}, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Streaming: %v", err)
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "data: chunk1\n\ndata: chunk2\n\n" {
		t.Fatalf("unexpected streamed body: %q", string(b))
	}
}

func TestStreamingRetriesRetryableStatusBeforeHeaders(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: ok\n\n")
	}))
	defer srv.Close()

	tr := New(Config{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	resp, err := tr.Streaming(context.Background(), "/v1/x", http.Header{}, []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Streaming: %v", err)
	}
	defer resp.Body.Close()
	if resp.Status != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry before headers, got %d calls", calls.Load())
	}
}
