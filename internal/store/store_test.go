package store

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"sysmonctl/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:          t.TempDir() + "/test.db",
		BatchSize:     100,
		FlushInterval: time.Minute,
	}, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteCPUThenFlushThenQueryRangeRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := model.CPUSnapshot{
		CoreCount:      2,
		PerCoreUsage:   []float64{50, 60},
		AggregateUsage: 55,
		Load1:          1.2,
	}
	if err := s.WriteCPU(1000, "host-a", "", snap); err != nil {
		t.Fatalf("write cpu: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	points, err := s.QueryRange(ctx, "cpu.aggregate_usage", 0, 2000, 0)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points len = %d, want 1", len(points))
	}
	if points[0].Value != 55 {
		t.Fatalf("value = %v, want 55", points[0].Value)
	}
}

func TestFlushOnEmptyBatchIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush empty batch: %v", err)
	}
}

func TestAppendBatchRefusesBeyondHardCap(t *testing.T) {
	s := newTestStore(t)
	big := make([]model.Sample, HardCapPoints+1)
	for i := range big {
		big[i] = model.Sample{Timestamp: int64(i), Metric: "x", Host: "h", Value: 1}
	}
	if err := s.appendBatch(big); err != model.ErrBufferFull {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
	if len(s.batch) != 0 {
		t.Fatalf("batch was mutated on refusal: len=%d", len(s.batch))
	}
}

func TestApplyRetentionDeletesOnlyOlderPoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 1000; i++ {
		if err := s.appendBatch([]model.Sample{{
			Timestamp: now.Add(-10 * 24 * time.Hour).Unix(), Metric: "x", Host: "h",
			Tags: fmt.Sprintf("seq=%d", i), Value: 1,
		}}); err != nil {
			t.Fatalf("append old: %v", err)
		}
	}
	for i := 0; i < 1000; i++ {
		if err := s.appendBatch([]model.Sample{{
			Timestamp: now.Unix(), Metric: "x", Host: "h",
			Tags: fmt.Sprintf("seq=%d", i), Value: 1,
		}}); err != nil {
			t.Fatalf("append new: %v", err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deleted, err := s.ApplyRetention(ctx, 7, now)
	if err != nil {
		t.Fatalf("apply retention: %v", err)
	}
	if deleted != 1000 {
		t.Fatalf("deleted = %d, want 1000", deleted)
	}

	remaining, err := s.QueryRange(ctx, "x", now.Add(-20*24*time.Hour).Unix(), now.Unix(), 0)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(remaining) != 1000 {
		t.Fatalf("remaining = %d, want 1000", len(remaining))
	}
}

func TestQueryRangeReturnsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, ts := range []int64{10, 30, 20} {
		if err := s.appendBatch([]model.Sample{{Timestamp: ts, Metric: "m", Host: "h", Value: float64(ts)}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	points, err := s.QueryRange(ctx, "m", 0, 100, 0)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(points) != 3 || points[0].Timestamp != 30 || points[2].Timestamp != 10 {
		t.Fatalf("unexpected order: %+v", points)
	}
}
