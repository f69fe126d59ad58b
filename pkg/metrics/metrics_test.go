package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDisabledSinkIsNoop(t *testing.T) {
	s := New(false)
	if s.Enabled() {
		t.Fatal("expected disabled sink to report Enabled()==false")
	}
	s.RecordRequest("/v1/chat/completions", "gpt-4o-mini", "success", 10*time.Millisecond)
	s.RecordTokens("gpt-4o-mini", 10, 20)
	s.RecordError("InvalidKey")
	s.RecordQueueOverflow("global")
	s.SetSchedulerState("global", 1, 2, 3)

	if got := testutil.ToFloat64(s.requestsTotal.WithLabelValues("/v1/chat/completions", "gpt-4o-mini", "success")); got != 0 {
		t.Fatalf("expected no counter increment on disabled sink, got %v", got)
	}
}

func TestRecordRequestAndTokens(t *testing.T) {
	s := New(true)
	s.RecordRequest("/v1/chat/completions", "gpt-4o-mini", "success", 500*time.Millisecond)
	s.RecordTokens("gpt-4o-mini", 100, 50)

	if got := testutil.ToFloat64(s.requestsTotal.WithLabelValues("/v1/chat/completions", "gpt-4o-mini", "success")); got != 1 {
		t.Fatalf("expected requestsTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(s.tokensTotal.WithLabelValues("gpt-4o-mini", "prompt")); got != 100 {
		t.Fatalf("expected prompt tokens=100, got %v", got)
	}
	if got := testutil.ToFloat64(s.tokensTotal.WithLabelValues("gpt-4o-mini", "completion")); got != 50 {
		t.Fatalf("expected completion tokens=50, got %v", got)
	}
}

func TestRecordQueueOverflowAndSchedulerState(t *testing.T) {
	s := New(true)
	s.RecordQueueOverflow("per_user")
	s.RecordQueueOverflow("per_user")
	if got := testutil.ToFloat64(s.queueOverflowTotal.WithLabelValues("per_user")); got != 2 {
		t.Fatalf("expected queueOverflowTotal=2, got %v", got)
	}

	s.SetSchedulerState("global", 3, 4, 596)
	if got := testutil.ToFloat64(s.schedulerQueued.WithLabelValues("global")); got != 3 {
		t.Fatalf("expected schedulerQueued=3, got %v", got)
	}
	if got := testutil.ToFloat64(s.schedulerReservoir.WithLabelValues("global")); got != 596 {
		t.Fatalf("expected schedulerReservoir=596, got %v", got)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	s := New(true)
	s.RecordError("QueueOverflow")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !contains(rec.Body.String(), "llmgate_proxy_errors_total") {
		t.Fatalf("expected exposition to contain errors_total metric, got:\n%s", rec.Body.String())
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
