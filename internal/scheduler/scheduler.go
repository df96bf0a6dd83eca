// Package scheduler implements the Collection Scheduler: one cooperative
// timer loop that invokes each enabled probe every tick, writes the
// results directly to the Store, and publishes the same tick as one
// model.TickSnapshot to the Metric Fan-out. Grounded on the pack's
// app.Run select-loop shape, but using a manual timer instead of a
// time.Ticker so a slow tick sleeps period-minus-elapsed instead of
// accumulating missed fires.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"sysmonctl/internal/model"
)

// ProbeSet is the five pure sampling functions the scheduler drives each
// tick. Any entry may be nil to disable that probe family.
type ProbeSet struct {
	CPU       func(ctx context.Context) (model.CPUSnapshot, error)
	Memory    func(ctx context.Context) (model.MemorySnapshot, error)
	Disks     func(ctx context.Context) ([]model.DiskEntry, error)
	Networks  func(ctx context.Context) ([]model.NetworkEntry, error)
	Processes func(ctx context.Context) ([]model.ProcessEntry, error)
}

// Sink is the Store's direct write path for the tick, independent of the
// fan-out — durability never waits on a subscriber.
type Sink struct {
	WriteCPU       func(ts int64, host, tags string, snap model.CPUSnapshot) error
	WriteMemory    func(ts int64, host, tags string, snap model.MemorySnapshot) error
	WriteDisks     func(ts int64, host, tags string, entries []model.DiskEntry) error
	WriteNetworks  func(ts int64, host, tags string, entries []model.NetworkEntry) error
	WriteProcesses func(ts int64, host, tags string, entries []model.ProcessEntry) error
}

// Scheduler drives ProbeSet on a fixed period, with no catch-up: a tick
// that overruns its period runs the next tick immediately rather than
// firing twice in rapid succession.
type Scheduler struct {
	probes  ProbeSet
	sink    Sink
	publish func(model.TickSnapshot)
	period  time.Duration
	host    string
	log     *slog.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Scheduler. publish is called once per tick with the
// combined snapshot; it must not block (the fan-out hub's Publish is
// itself non-blocking per subscriber).
func New(probes ProbeSet, sink Sink, publish func(model.TickSnapshot), period time.Duration, host string, log *slog.Logger) *Scheduler {
	if period < 100*time.Millisecond {
		period = 100 * time.Millisecond
	}
	return &Scheduler{probes: probes, sink: sink, publish: publish, period: period, host: host, log: log.With("module", "scheduler")}
}

// Start is idempotent; a second call on an already-running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
}

// Stop is idempotent and blocks until the loop has exited.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		s.tick(ctx)
		elapsed := time.Since(start)

		sleep := s.period - elapsed
		if sleep <= 0 {
			continue // overran the period; no catch-up, start next tick immediately
		}
		timer := time.NewTimer(sleep)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick invokes every enabled probe; a probe error is logged and does not
// prevent the remaining probes in the same tick from running. The Store
// receives each family as soon as it's sampled; the fan-out receives one
// combined snapshot at the end of the tick.
func (s *Scheduler) tick(ctx context.Context) {
	snap := model.TickSnapshot{Timestamp: time.Now().Unix(), Host: s.host, Tags: "host=" + s.host}

	if s.probes.CPU != nil {
		cpu, err := s.probes.CPU(ctx)
		if err != nil {
			s.log.Warn("cpu probe failed", "error", err)
		} else {
			snap.CPU, snap.CPUOK = cpu, true
			if s.sink.WriteCPU != nil {
				if err := s.sink.WriteCPU(snap.Timestamp, s.host, snap.Tags, cpu); err != nil {
					s.log.Warn("store write failed", "family", "cpu", "error", err)
				}
			}
		}
	}
	if s.probes.Memory != nil {
		mem, err := s.probes.Memory(ctx)
		if err != nil {
			s.log.Warn("memory probe failed", "error", err)
		} else {
			snap.Memory, snap.MemoryOK = mem, true
			if s.sink.WriteMemory != nil {
				if err := s.sink.WriteMemory(snap.Timestamp, s.host, snap.Tags, mem); err != nil {
					s.log.Warn("store write failed", "family", "memory", "error", err)
				}
			}
		}
	}
	if s.probes.Disks != nil {
		disks, err := s.probes.Disks(ctx)
		if err != nil {
			s.log.Warn("disk probe failed", "error", err)
		} else {
			snap.Disks, snap.DisksOK = disks, true
			if s.sink.WriteDisks != nil {
				if err := s.sink.WriteDisks(snap.Timestamp, s.host, snap.Tags, disks); err != nil {
					s.log.Warn("store write failed", "family", "disk", "error", err)
				}
			}
		}
	}
	if s.probes.Networks != nil {
		nets, err := s.probes.Networks(ctx)
		if err != nil {
			s.log.Warn("network probe failed", "error", err)
		} else {
			snap.Networks, snap.NetworksOK = nets, true
			if s.sink.WriteNetworks != nil {
				if err := s.sink.WriteNetworks(snap.Timestamp, s.host, snap.Tags, nets); err != nil {
					s.log.Warn("store write failed", "family", "network", "error", err)
				}
			}
		}
	}
	if s.probes.Processes != nil {
		procs, err := s.probes.Processes(ctx)
		if err != nil {
			s.log.Warn("process probe failed", "error", err)
		} else {
			snap.Processes, snap.ProcessesOK = procs, true
			if s.sink.WriteProcesses != nil {
				if err := s.sink.WriteProcesses(snap.Timestamp, s.host, snap.Tags, procs); err != nil {
					s.log.Warn("store write failed", "family", "process", "error", err)
				}
			}
		}
	}

	if s.publish != nil {
		s.publish(snap)
	}
}
