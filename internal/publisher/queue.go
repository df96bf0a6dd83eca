package publisher

import (
	"sync"

	"sysmonctl/internal/model"
)

// Queue is the Network Publisher's bounded FIFO. Enqueue beyond capacity
// fails immediately without mutating the queue, grounded on the pack's
// BoundedQueue shedding discipline but simplified to a flat cap since the
// agent has only one tier of outbound point.
type Queue struct {
	mu       sync.Mutex
	items    []model.QueuedMetric
	capacity int

	overflows int64
	queued    int64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends one point, refusing if the queue is at capacity.
func (q *Queue) Enqueue(m model.QueuedMetric) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.overflows++
		return false
	}
	q.items = append(q.items, m)
	q.queued++
	return true
}

// EnqueueAll enqueues every point in order, reporting whether all
// succeeded. Partial success (some enqueued, some refused) still advances
// the queue with whatever fit.
func (q *Queue) EnqueueAll(points []model.QueuedMetric) bool {
	allOK := true
	for _, p := range points {
		if !q.Enqueue(p) {
			allOK = false
		}
	}
	return allOK
}

// DequeueBatch removes and returns up to n points from the front, in
// insertion order, without blocking.
func (q *Queue) DequeueBatch(n int) []model.QueuedMetric {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]model.QueuedMetric, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

// Requeue puts a batch back at the front of the queue without checking
// capacity. The Publisher does not call it: on retry exhaustion it drops
// the batch.
func (q *Queue) Requeue(batch []model.QueuedMetric) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(batch, q.items...)
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Overflows returns the cumulative count of refused enqueues.
func (q *Queue) Overflows() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflows
}

// Queued returns the cumulative count of accepted enqueues.
func (q *Queue) Queued() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// QueueCPU expands a CPU snapshot into queued points and enqueues them.
func QueueCPU(q *Queue, ts int64, tags string, snap model.CPUSnapshot) bool {
	points := []model.QueuedMetric{
		{Timestamp: ts, Metric: "cpu.aggregate_usage", Value: snap.AggregateUsage, Tags: tags},
		{Timestamp: ts, Metric: "cpu.load1", Value: snap.Load1, Tags: tags},
		{Timestamp: ts, Metric: "cpu.load5", Value: snap.Load5, Tags: tags},
		{Timestamp: ts, Metric: "cpu.load15", Value: snap.Load15, Tags: tags},
	}
	return q.EnqueueAll(points)
}

// QueueMemory expands a memory snapshot into queued points and enqueues them.
func QueueMemory(q *Queue, ts int64, tags string, snap model.MemorySnapshot) bool {
	points := []model.QueuedMetric{
		{Timestamp: ts, Metric: "memory.usage_percent", Value: snap.UsagePercent(), Tags: tags},
		{Timestamp: ts, Metric: "memory.used_bytes", Value: float64(snap.UsedBytes), Tags: tags},
		{Timestamp: ts, Metric: "memory.available_bytes", Value: float64(snap.AvailableBytes), Tags: tags},
	}
	return q.EnqueueAll(points)
}
