// Package statsapi implements the agent's local stats/query HTTP API,
// replacing the pack's HTML dashboard with the plain JSON surface the
// CLI's stats/query commands talk to. Route registration and the
// writeJSON/logging-middleware idioms are grounded on dashi's web.Server.
package statsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sysmonctl/internal/model"
)

// StoreQuerier is the subset of the Store's surface the API needs.
type StoreQuerier interface {
	QueryRange(ctx context.Context, metricName string, startTS, endTS int64, limit int) ([]model.Sample, error)
}

// Counters is the set of cross-subsystem counters surfaced by /api/stats.
type Counters struct {
	QueueLength      func() int
	QueueOverflows   func() int64
	PublishAttempts  func() int64
	PublishSuccesses func() int64
	PublishFailures  func() int64
	MetricsSent      func() int64
	MetricsFailed    func() int64
	StoreFlushFails  func() int64
}

// Server exposes /healthz, /readyz, /api/stats, and /api/query.
type Server struct {
	store    StoreQuerier
	counters Counters
	log      *slog.Logger
	ready    func() error
}

func New(store StoreQuerier, counters Counters, readyCheck func() error, log *slog.Logger) *Server {
	return &Server{store: store, counters: counters, ready: readyCheck, log: log.With("module", "statsapi")}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/query", s.handleQuery)
	return logMiddleware(mux, s.log)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"queue_length":      valueOrZeroInt(s.counters.QueueLength),
		"queue_overflows":   valueOrZero(s.counters.QueueOverflows),
		"publish_attempts":  valueOrZero(s.counters.PublishAttempts),
		"publish_successes": valueOrZero(s.counters.PublishSuccesses),
		"publish_failures":  valueOrZero(s.counters.PublishFailures),
		"metrics_sent":      valueOrZero(s.counters.MetricsSent),
		"metrics_failed":    valueOrZero(s.counters.MetricsFailed),
		"store_flush_fails": valueOrZero(s.counters.StoreFlushFails),
	})
}

func valueOrZero(f func() int64) int64 {
	if f == nil {
		return 0
	}
	return f()
}

func valueOrZeroInt(f func() int) int {
	if f == nil {
		return 0
	}
	return f()
}

// handleQuery serves the Store's range-query surface: ?metric=&start=&end=&limit=
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		http.Error(w, "metric is required", http.StatusBadRequest)
		return
	}
	start, err := parseInt64(r.URL.Query().Get("start"), 0)
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := parseInt64(r.URL.Query().Get("end"), time.Now().Unix())
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}
	limit, err := parseInt64(r.URL.Query().Get("limit"), 0)
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	points, err := s.store.QueryRange(r.Context(), metric, start, end, int(limit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, points)
}

func parseInt64(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func logMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
