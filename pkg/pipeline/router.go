package pipeline

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// healthResponse is the /health endpoint's body: liveness, a shallow
// snapshot of scheduler occupancy, and the allowlist currently in force.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Queue     queueStats        `json:"queue"`
	Allowlist allowlistSnapshot `json:"allowlist"`
}

type queueStats struct {
	Running    int `json:"running"`
	Queued     int `json:"queued"`
	Reservoir  int `json:"reservoir"`
	TotalUsers int `json:"totalUsers"`
}

type allowlistSnapshot struct {
	Enabled      bool     `json:"enabled"`
	Endpoints    []string `json:"endpoints"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
}

func (h *Handler) allowlistSnapshot() allowlistSnapshot {
	endpoints := make([]string, 0, len(h.allow.Endpoints))
	for e := range h.allow.Endpoints {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)
	models := make([]string, 0, len(h.allow.Models))
	for m := range h.allow.Models {
		models = append(models, m)
	}
	sort.Strings(models)
	return allowlistSnapshot{
		Enabled:      h.allow.Enabled,
		Endpoints:    endpoints,
		Models:       models,
		DefaultModel: h.allow.DefaultModel,
	}
}

// Router builds the chi mux: health and metrics endpoints, CORS
// preflight handling, and the catch-all proxy dispatcher. drained is read
// by the health handler and flipped by the lifecycle manager once
// shutdown begins. startedAt is accepted for lifecycle symmetry even
// though the health body no longer reports an uptime.
func (h *Handler) Router(startedAt time.Time, drained *func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		running, queued, reservoir, totalUsers := h.sched.Snapshot()
		status := "ok"
		if drained != nil && *drained != nil && (*drained)() {
			status = "draining"
		}
		writeJSON(w, http.StatusOK, healthResponse{
			Status:    status,
			Timestamp: time.Now().UTC(),
			Queue:     queueStats{Running: running, Queued: queued, Reservoir: reservoir, TotalUsers: totalUsers},
			Allowlist: h.allowlistSnapshot(),
		})
	})

	if h.metricsSink != nil && h.metricsSink.Enabled() {
		r.Handle("/metrics", h.metricsSink.Handler())
	} else {
		r.Handle("/metrics", http.NotFoundHandler())
	}

	r.Options("/*", func(w http.ResponseWriter, req *http.Request) {
		writeCORSHeaders(w, req)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Handle("/*", corsWrap(http.HandlerFunc(h.handleProxy)))

	return r
}

func corsWrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCORSHeaders(w, r)
		next.ServeHTTP(w, r)
	})
}

func writeCORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Api-Key, User-Agent")
	w.Header().Set("Access-Control-Max-Age", "600")
}
