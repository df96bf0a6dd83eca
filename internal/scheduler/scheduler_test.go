package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"sysmonctl/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickWritesEveryEnabledProbeOnceAndIsolatesFailures(t *testing.T) {
	var cpuWrites, memWrites atomic.Int32
	var published model.TickSnapshot
	probes := ProbeSet{
		CPU: func(context.Context) (model.CPUSnapshot, error) {
			return model.CPUSnapshot{}, errors.New("boom")
		},
		Memory: func(context.Context) (model.MemorySnapshot, error) {
			return model.MemorySnapshot{TotalBytes: 100, UsedBytes: 50}, nil
		},
	}
	sink := Sink{
		WriteCPU: func(ts int64, host, tags string, snap model.CPUSnapshot) error {
			cpuWrites.Add(1)
			return nil
		},
		WriteMemory: func(ts int64, host, tags string, snap model.MemorySnapshot) error {
			memWrites.Add(1)
			return nil
		},
	}
	s := New(probes, sink, func(snap model.TickSnapshot) { published = snap }, time.Second, "host-a", discardLogger())
	s.tick(context.Background())

	if cpuWrites.Load() != 0 {
		t.Fatalf("cpu write called despite probe failure")
	}
	if memWrites.Load() != 1 {
		t.Fatalf("memory write = %d, want 1 (failure of cpu probe must not block memory)", memWrites.Load())
	}
	if published.CPUOK {
		t.Fatalf("published snapshot marked cpu OK despite probe failure")
	}
	if !published.MemoryOK || published.Memory.UsedBytes != 50 {
		t.Fatalf("published snapshot missing memory reading: %+v", published)
	}
}

func TestStartIsIdempotentAndStopBlocksUntilExit(t *testing.T) {
	var ticks atomic.Int32
	probes := ProbeSet{
		CPU: func(context.Context) (model.CPUSnapshot, error) {
			ticks.Add(1)
			return model.CPUSnapshot{}, nil
		},
	}
	s := New(probes, Sink{}, nil, 20*time.Millisecond, "host-a", discardLogger())
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // second Start must be a no-op, not a second goroutine

	time.Sleep(80 * time.Millisecond)
	s.Stop()
	s.Stop() // second Stop must be a no-op

	if ticks.Load() == 0 {
		t.Fatalf("scheduler never ticked")
	}
}
