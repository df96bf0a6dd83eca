package alerts

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"sysmonctl/internal/model"
)

type recordingSink struct {
	events []model.AlertEvent
}

func (r *recordingSink) Type() string { return "log" }
func (r *recordingSink) Send(_ context.Context, event model.AlertEvent) error {
	r.events = append(r.events, event)
	return nil
}

func newTestEngine(rule model.AlertRule, cooldown time.Duration, sink Sink) *Engine {
	return New([]model.AlertRule{rule}, map[string]Sink{"test": sink}, Config{
		CheckInterval: time.Second,
		Cooldown:      cooldown,
		Enabled:       true,
	}, slog.Default())
}

func TestDurationHoldFiresOnlyAfterHoldElapsed(t *testing.T) {
	rule := model.AlertRule{
		Name: "cpu-high", Metric: "cpu.total_usage", Comparator: model.ComparatorAbove,
		Threshold: 80, HoldSeconds: 2, Severity: model.SeverityWarning, Channels: []string{"test"},
	}
	sink := &recordingSink{}
	e := newTestEngine(rule, 10*time.Second, sink)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.evalRule(ctx, rule, 90, base)
	if len(sink.events) != 0 {
		t.Fatalf("fired at t=0, want no fire")
	}
	e.evalRule(ctx, rule, 90, base.Add(1*time.Second))
	if len(sink.events) != 0 {
		t.Fatalf("fired at t=1, want no fire")
	}
	e.evalRule(ctx, rule, 90, base.Add(2*time.Second))
	if len(sink.events) != 1 {
		t.Fatalf("events = %d at t=2, want exactly 1", len(sink.events))
	}
}

func TestCooldownSuppressesReEmissionThenAllowsAfterWindow(t *testing.T) {
	rule := model.AlertRule{
		Name: "cpu-high", Metric: "cpu.total_usage", Comparator: model.ComparatorAbove,
		Threshold: 80, HoldSeconds: 2, Severity: model.SeverityWarning, Channels: []string{"test"},
	}
	sink := &recordingSink{}
	e := newTestEngine(rule, 10*time.Second, sink)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for t := 0; t <= 12; t++ {
		e.evalRule(ctx, rule, 90, base.Add(time.Duration(t)*time.Second))
	}
	if len(sink.events) != 1 {
		t.Fatalf("events after staying FIRING through t=12 = %d, want 1", len(sink.events))
	}

	e.evalRule(ctx, rule, 50, base.Add(13*time.Second))
	e.evalRule(ctx, rule, 90, base.Add(14*time.Second))
	e.evalRule(ctx, rule, 90, base.Add(15*time.Second))
	if len(sink.events) != 1 {
		t.Fatalf("events at t=15 = %d, want still 1 (hold not yet elapsed)", len(sink.events))
	}
	e.evalRule(ctx, rule, 90, base.Add(16*time.Second))
	if len(sink.events) != 2 {
		t.Fatalf("events at t=16 = %d, want 2", len(sink.events))
	}
}

func TestEqualsComparatorUsesAbsoluteTolerance(t *testing.T) {
	rule := model.AlertRule{
		Name: "exact", Metric: "m", Comparator: model.ComparatorEquals, Threshold: 50, HoldSeconds: 0,
		Severity: model.SeverityInfo, Channels: []string{"test"},
	}
	sink := &recordingSink{}
	e := newTestEngine(rule, time.Second, sink)
	ctx := context.Background()
	now := time.Now()

	e.evalRule(ctx, rule, 50.0005, now)
	if len(sink.events) != 1 {
		t.Fatalf("value within tolerance did not fire")
	}
}

func TestHoldZeroFiresOnFirstBreachTick(t *testing.T) {
	rule := model.AlertRule{
		Name: "instant", Metric: "m", Comparator: model.ComparatorAbove, Threshold: 1, HoldSeconds: 0,
		Severity: model.SeverityCritical, Channels: []string{"test"},
	}
	sink := &recordingSink{}
	e := newTestEngine(rule, time.Second, sink)
	e.evalRule(context.Background(), rule, 5, time.Now())
	if len(sink.events) != 1 {
		t.Fatalf("hold=0 did not fire on first tick")
	}
}

func TestProcessFilterExcludesNonMatchingObservations(t *testing.T) {
	rule := model.AlertRule{
		Name: "proc", Metric: "process.cpu_percent", Comparator: model.ComparatorAbove, Threshold: 50,
		HoldSeconds: 0, Severity: model.SeverityWarning, Channels: []string{"test"}, ProcessFilter: "nginx",
	}
	sink := &recordingSink{}
	e := newTestEngine(rule, time.Second, sink)
	e.Observe("process.cpu_percent", 90, "other-proc")
	e.evaluate(context.Background())
	if len(sink.events) != 0 {
		t.Fatalf("fired for non-matching process name")
	}

	e.Observe("process.cpu_percent", 90, "nginx")
	e.evaluate(context.Background())
	if len(sink.events) != 1 {
		t.Fatalf("did not fire for matching process name")
	}
}
