// Package alerts implements the Alert Evaluator: a per-rule state machine
// with duration-hold and cooldown semantics, fed by the fan-out and
// dispatching to a set of notification sinks. State is in-memory only —
// unlike the pack's dashi engine, which persists alert/alert_state rows,
// a restart here resets every rule to NORMAL by design.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sysmonctl/internal/model"
)

// Observation is one (metric, value, optional process name) reading pushed
// from the fan-out.
type Observation struct {
	Metric      string
	Value       float64
	ProcessName string
}

// Engine owns the per-rule state machines and the latest-values map.
type Engine struct {
	rules    []model.AlertRule
	sinks    map[string]Sink
	log      *slog.Logger
	now      func() time.Time
	cooldown time.Duration
	enabled  bool
	host     string

	obsMu sync.Mutex
	obs   map[string]Observation

	stateMu sync.Mutex
	states  map[string]*model.AlertInstance

	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	checkPeriod time.Duration
}

// Config wires the Evaluator's check cadence, global cooldown, and
// enabled flag — the "global" section of the alert configuration file.
type Config struct {
	CheckInterval time.Duration
	Cooldown      time.Duration
	Enabled       bool
	Host          string
}

// New constructs an Engine. Sinks is keyed by channel name as referenced
// from AlertRule.Channels (not by sink type — two rules may route to
// differently-addressed webhook sinks under different names). Host is
// stamped onto every AlertEvent so sinks can identify which agent fired.
func New(rules []model.AlertRule, sinks map[string]Sink, cfg Config, log *slog.Logger) *Engine {
	checkPeriod := cfg.CheckInterval
	if checkPeriod <= 0 {
		checkPeriod = 5 * time.Second
	}
	return &Engine{
		rules:       rules,
		sinks:       sinks,
		log:         log.With("module", "alerts"),
		now:         time.Now,
		cooldown:    cfg.Cooldown,
		enabled:     cfg.Enabled,
		host:        cfg.Host,
		obs:         make(map[string]Observation),
		states:      make(map[string]*model.AlertInstance),
		checkPeriod: checkPeriod,
	}
}

// Observe records the latest value for a metric under a short critical
// section. The evaluation loop never holds this lock during a tick.
func (e *Engine) Observe(metric string, value float64, processName string) {
	e.obsMu.Lock()
	e.obs[metric] = Observation{Metric: metric, Value: value, ProcessName: processName}
	e.obsMu.Unlock()
}

// Start launches the evaluation loop. A no-op if already running or if the
// subsystem is configured disabled.
func (e *Engine) Start(ctx context.Context) {
	if !e.enabled {
		e.log.Info("alert evaluator disabled by configuration")
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.loop(ctx)
}

// Stop signals the loop, joins, and discards pending observations.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	<-e.doneCh

	e.obsMu.Lock()
	e.obs = make(map[string]Observation)
	e.obsMu.Unlock()
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.checkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluate(ctx)
		}
	}
}

// evaluate copies the observations map, then evaluates every rule against
// it without holding the observations lock.
func (e *Engine) evaluate(ctx context.Context) {
	e.obsMu.Lock()
	snapshot := make(map[string]Observation, len(e.obs))
	for k, v := range e.obs {
		snapshot[k] = v
	}
	e.obsMu.Unlock()

	now := e.now()
	for _, rule := range e.rules {
		obs, ok := snapshot[rule.Metric]
		if !ok {
			continue
		}
		if rule.ProcessFilter != "" && !strings.EqualFold(obs.ProcessName, rule.ProcessFilter) {
			continue
		}
		e.evalRule(ctx, rule, obs.Value, now)
	}
}

// evalRule applies the NORMAL/BREACHED/FIRING transition table (§4.3).
func (e *Engine) evalRule(ctx context.Context, rule model.AlertRule, value float64, now time.Time) {
	breached := rule.Comparator.Evaluate(value, rule.Threshold)
	nowUnix := now.Unix()

	e.stateMu.Lock()
	inst := e.instanceForLocked(rule.Name)
	inst.LastValue = value

	var event *model.AlertEvent
	switch inst.State {
	case model.StateNormal:
		if breached {
			inst.BreachStart = nowUnix
			if rule.HoldSeconds <= 0 {
				inst.State = model.StateFiring
				event = e.fireLocked(inst, rule, value, now)
			} else {
				inst.State = model.StateBreached
			}
		}
	case model.StateBreached:
		if !breached {
			inst.State = model.StateNormal
			inst.BreachStart = 0
		} else if nowUnix-inst.BreachStart >= rule.HoldSeconds {
			inst.State = model.StateFiring
			event = e.fireLocked(inst, rule, value, now)
		}
	case model.StateFiring:
		if !breached {
			inst.State = model.StateNormal
			inst.BreachStart = 0
		}
		// still breached: stay FIRING, no re-emit (cooldown checked in fireLocked
		// would not even apply here since we only call it on transition into FIRING).
	}
	e.stateMu.Unlock()

	if event != nil {
		e.dispatch(ctx, rule, *event)
	}
}

func (e *Engine) instanceForLocked(name string) *model.AlertInstance {
	inst, ok := e.states[name]
	if !ok {
		inst = &model.AlertInstance{State: model.StateNormal}
		e.states[name] = inst
	}
	return inst
}

// fireLocked builds the event unless the rule is within its cooldown
// window from a previous fire; caller holds stateMu.
func (e *Engine) fireLocked(inst *model.AlertInstance, rule model.AlertRule, value float64, now time.Time) *model.AlertEvent {
	if inst.LastFired != 0 && time.Duration(now.Unix()-inst.LastFired)*time.Second < e.cooldown {
		return nil
	}
	inst.LastFired = now.Unix()
	return &model.AlertEvent{
		RuleName:   rule.Name,
		Metric:     rule.Metric,
		Value:      value,
		Threshold:  rule.Threshold,
		Comparator: rule.Comparator,
		Severity:   rule.Severity,
		Host:       e.host,
		Timestamp:  now,
		Message: fmt.Sprintf("%s: %s %s %.3f (observed %.3f)",
			rule.Name, rule.Metric, rule.Comparator, rule.Threshold, value),
	}
}

// dispatch calls send on every sink listed in the rule's channel list. A
// sink failure is logged and never retried, never aborts the remaining
// sinks.
func (e *Engine) dispatch(ctx context.Context, rule model.AlertRule, event model.AlertEvent) {
	for _, channel := range rule.Channels {
		sink, ok := e.sinks[channel]
		if !ok {
			e.log.Warn("alert rule references unknown channel", "rule", rule.Name, "channel", channel)
			continue
		}
		if err := sink.Send(ctx, event); err != nil {
			e.log.Warn("notification sink failed", "rule", rule.Name, "channel", channel, "error", err)
		}
	}
}
