package publisher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sysmonctl/internal/discovery"
	"sysmonctl/internal/model"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueRefusesBeyondCapacityAndCountsOverflow(t *testing.T) {
	q := NewQueue(3)
	points := make([]model.QueuedMetric, 5)
	for i := range points {
		points[i] = model.QueuedMetric{Timestamp: int64(i), Metric: "m", Value: float64(i)}
	}
	for _, p := range points {
		q.Enqueue(p)
	}
	if q.Len() != 3 {
		t.Fatalf("queue len = %d, want 3", q.Len())
	}
	if q.Overflows() != 2 {
		t.Fatalf("overflows = %d, want 2", q.Overflows())
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context) (string, error) { return "", nil }

func TestPublishRetryExhaustionDropsBatchAndCountsFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := NewQueue(100)
	for i := 0; i < 10; i++ {
		q.Enqueue(model.QueuedMetric{Timestamp: int64(i), Metric: "m", Value: 1})
	}

	transport := NewTransport("token", "host-a", "1.0", "Linux", nil, time.Second, nil)
	transport.SetEndpoint(srv.URL)

	pub := New(q, transport, discovery.NoneResolver{URL: srv.URL}, Config{
		PushInterval:     50 * time.Millisecond,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   10 * time.Millisecond,
		RetryMaxDelay:    100 * time.Millisecond,
	}, noopLogger())

	pub.publishOnce(context.Background())

	if pub.Stats.PublishAttempts.Load() != 3 {
		t.Fatalf("publish_attempts = %d, want 3", pub.Stats.PublishAttempts.Load())
	}
	if pub.Stats.PublishFailures.Load() != 3 {
		t.Fatalf("publish_failures = %d, want 3", pub.Stats.PublishFailures.Load())
	}
	if pub.Stats.PublishSuccesses.Load() != 0 {
		t.Fatalf("publish_successes = %d, want 0", pub.Stats.PublishSuccesses.Load())
	}
	if pub.Stats.MetricsFailed.Load() != 10 {
		t.Fatalf("metrics_failed = %d, want 10", pub.Stats.MetricsFailed.Load())
	}
	if hits.Load() != 3 {
		t.Fatalf("server hits = %d, want 3", hits.Load())
	}
}

func TestPublishSuccessAdvancesCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := NewQueue(100)
	for i := 0; i < 5; i++ {
		q.Enqueue(model.QueuedMetric{Timestamp: int64(i), Metric: "m", Value: 1})
	}
	transport := NewTransport("token", "host-a", "1.0", "Linux", nil, time.Second, nil)
	transport.SetEndpoint(srv.URL)

	pub := New(q, transport, discovery.NoneResolver{URL: srv.URL}, Config{
		PushInterval: 50 * time.Millisecond, RetryMaxAttempts: 3, RetryBaseDelay: 10 * time.Millisecond,
	}, noopLogger())
	pub.publishOnce(context.Background())

	if pub.Stats.PublishSuccesses.Load() != 1 {
		t.Fatalf("publish_successes = %d, want 1", pub.Stats.PublishSuccesses.Load())
	}
	if pub.Stats.MetricsSent.Load() != 5 {
		t.Fatalf("metrics_sent = %d, want 5", pub.Stats.MetricsSent.Load())
	}
}
