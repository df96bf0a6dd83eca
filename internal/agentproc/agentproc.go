// Package agentproc wires the agent's subsystems together the way
// dashi's internal/app.App wires its collector, alerts engine, retention
// service, and web server: one constructor that opens every dependency,
// one Run that drives them until the context is cancelled.
package agentproc

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"sysmonctl/internal/alerts"
	"sysmonctl/internal/config"
	"sysmonctl/internal/discovery"
	"sysmonctl/internal/fanout"
	"sysmonctl/internal/model"
	"sysmonctl/internal/probes"
	"sysmonctl/internal/publisher"
	"sysmonctl/internal/scheduler"
	"sysmonctl/internal/statsapi"
	"sysmonctl/internal/store"
)

// Version is the agent's build version, carried in the publisher's
// outbound envelope. Overridden at link time in release builds.
var Version = "dev"

// App owns every long-lived subsystem and their lifecycle ordering.
type App struct {
	cfg      *config.Config
	alertCfg *config.AlertConfig
	log      *slog.Logger

	store      *store.Store
	evaluator  *alerts.Engine
	pub        *publisher.Publisher
	queue      *publisher.Queue
	scheduler  *scheduler.Scheduler
	statsSrv   *http.Server
	hub        *fanout.Hub[model.TickSnapshot]
	unsubAlert func()
	unsubPub   func()
}

// New opens the Store, builds the notification sinks, the Alert
// Evaluator, the Network Publisher, and the Collection Scheduler, and
// wires them through one Metric Fan-out hub.
func New(cfg *config.Config, alertCfg *config.AlertConfig, log *slog.Logger) (*App, error) {
	host := cfg.Hostname
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "unknown-host"
		}
	}

	st, err := store.Open(store.Config{
		Path:          cfg.StorePath,
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
	}, log)
	if err != nil {
		return nil, err
	}

	sinks := buildSinks(alertCfg, cfg, log)
	evaluator := alerts.New(alertCfg.ToModelRules(), sinks, alerts.Config{
		CheckInterval: time.Duration(alertCfg.Global.CheckIntervalSeconds) * time.Second,
		Cooldown:      time.Duration(alertCfg.Global.CooldownSeconds) * time.Second,
		Enabled:       alertCfg.Global.Enabled,
		Host:          host,
	}, log)

	queue := publisher.NewQueue(cfg.MaxQueueSize)
	transport := publisher.NewTransport(cfg.AuthToken, host, Version, platformName(), cfg.HostTags(),
		time.Duration(cfg.HTTPTimeoutMS)*time.Millisecond, nil)
	resolver := buildResolver(cfg)
	pub := publisher.New(queue, transport, resolver, publisher.Config{
		PushInterval:     time.Duration(cfg.PushIntervalMS) * time.Millisecond,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		RetryMaxDelay:    30 * time.Second,
	}, log)

	hub := fanout.New[model.TickSnapshot]()

	sched := scheduler.New(scheduler.ProbeSet{
		CPU:       probes.CPU,
		Memory:    probes.Memory,
		Disks:     probes.Disk,
		Networks:  probes.Network,
		Processes: probes.Processes,
	}, scheduler.Sink{
		WriteCPU:       st.WriteCPU,
		WriteMemory:    st.WriteMemory,
		WriteDisks:     st.WriteDisks,
		WriteNetworks:  st.WriteNetworks,
		WriteProcesses: st.WriteProcesses,
	}, func(snap model.TickSnapshot) { hub.Publish(snap) }, time.Duration(cfg.SamplePeriodMS)*time.Millisecond, host, log)

	statsSrv := &http.Server{
		Addr: cfg.StatsAddr,
		Handler: statsapi.New(st, statsapi.Counters{
			QueueLength:      queue.Len,
			QueueOverflows:   queue.Overflows,
			PublishAttempts:  pub.Stats.PublishAttempts.Load,
			PublishSuccesses: pub.Stats.PublishSuccesses.Load,
			PublishFailures:  pub.Stats.PublishFailures.Load,
			MetricsSent:      pub.Stats.MetricsSent.Load,
			MetricsFailed:    pub.Stats.MetricsFailed.Load,
			StoreFlushFails:  st.FlushFailures,
		}, st.Ready, log).Routes(),
	}

	app := &App{
		cfg: cfg, alertCfg: alertCfg, log: log.With("module", "agent"),
		store: st, evaluator: evaluator, pub: pub, queue: queue, scheduler: sched,
		statsSrv: statsSrv, hub: hub,
	}
	return app, nil
}

func platformName() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return "Unknown"
	}
}

func buildResolver(cfg *config.Config) discovery.Resolver {
	timeout := time.Duration(cfg.DiscoveryTimeoutSeconds) * time.Second
	switch cfg.DiscoveryMethod {
	case config.DiscoveryStatic:
		return discovery.NewStaticResolver([]string{cfg.AggregatorURL}, timeout)
	case config.DiscoveryConsul:
		return discovery.ConsulResolver{ConsulAddr: cfg.ConsulAddr, ServiceName: "sysmon-aggregator", ServiceTag: cfg.ConsulServiceTag, Timeout: timeout}
	case config.DiscoveryMDNS:
		return discovery.MDNSResolver{ServiceHost: "sysmon-aggregator.local", Port: 8443, Timeout: timeout}
	default:
		return discovery.NoneResolver{URL: cfg.AggregatorURL}
	}
}

func buildSinks(alertCfg *config.AlertConfig, cfg *config.Config, log *slog.Logger) map[string]alerts.Sink {
	sinks := make(map[string]alerts.Sink, len(alertCfg.Notifications))
	for name, ch := range alertCfg.Notifications {
		switch ch.Type {
		case "webhook":
			sinks[name] = alerts.NewWebhookSink(ch.URL, time.Duration(cfg.HTTPTimeoutMS)*time.Millisecond)
		case "email":
			sinks[name] = alerts.NewEmailSink(ch.SMTPAddr, ch.From, []string{ch.To})
		default:
			sinks[name] = alerts.NewLogSink(log)
		}
	}
	return sinks
}

// Run starts every subsystem, subscribes the Alert Evaluator and Network
// Publisher to the fan-out, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	tickCh, unsubAlert := a.hub.Subscribe(64)
	a.unsubAlert = unsubAlert
	pubCh, unsubPub := a.hub.Subscribe(64)
	a.unsubPub = unsubPub

	go a.runAlertAdapter(ctx, tickCh)
	go a.runPublisherAdapter(ctx, pubCh)

	a.evaluator.Start(ctx)
	a.pub.Start(ctx)
	a.scheduler.Start(ctx)

	go func() {
		a.log.Info("stats api listening", "addr", a.cfg.StatsAddr)
		if err := a.statsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("stats api failed", "error", err)
		}
	}()

	retentionTicker := time.NewTicker(24 * time.Hour)
	defer retentionTicker.Stop()
	rollupTicker := time.NewTicker(time.Minute)
	defer rollupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-retentionTicker.C:
			now := time.Now()
			if n, err := a.store.ApplyRetention(ctx, a.cfg.RetentionDays, now); err != nil {
				a.log.Warn("retention sweep failed", "error", err)
			} else {
				a.log.Info("retention sweep complete", "deleted", n)
			}
			if n1m, n1h, err := a.store.ApplyRollupRetention(ctx, now); err != nil {
				a.log.Warn("rollup retention sweep failed", "error", err)
			} else {
				a.log.Info("rollup retention sweep complete", "deleted_1m", n1m, "deleted_1h", n1h)
			}
		case <-rollupTicker.C:
			now := time.Now()
			if n, err := a.store.RollupTo1m(ctx, now); err != nil {
				a.log.Warn("1m rollup failed", "error", err)
			} else if n > 0 {
				a.log.Info("1m rollup complete", "buckets", n)
			}
			if n, err := a.store.RollupTo1h(ctx, now); err != nil {
				a.log.Warn("1h rollup failed", "error", err)
			} else if n > 0 {
				a.log.Info("1h rollup complete", "buckets", n)
			}
		}
	}
}

func (a *App) shutdown() error {
	a.scheduler.Stop()
	a.pub.Stop()
	a.evaluator.Stop()
	a.unsubAlert()
	a.unsubPub()
	_ = a.statsSrv.Shutdown(context.Background())
	return a.store.Close()
}

// runAlertAdapter decomposes each tick into (metric, value) observations
// for the Alert Evaluator's latest-values map.
func (a *App) runAlertAdapter(ctx context.Context, ch <-chan model.TickSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if snap.CPUOK {
				// emitted metric name is cpu.aggregate_usage, not cpu.total_usage; alert
				// rules must target this exact name to fire.
				a.evaluator.Observe("cpu.aggregate_usage", snap.CPU.AggregateUsage, "")
			}
			if snap.MemoryOK {
				a.evaluator.Observe("memory.usage_percent", snap.Memory.UsagePercent(), "")
			}
			for _, p := range snap.Processes {
				a.evaluator.Observe("process.cpu_percent", p.CPUPercent, p.Name)
			}
		}
	}
}

// runPublisherAdapter expands each tick into queued points for the
// Network Publisher, counting overflow but never blocking the fan-out.
func (a *App) runPublisherAdapter(ctx context.Context, ch <-chan model.TickSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if snap.CPUOK {
				publisher.QueueCPU(a.queue, snap.Timestamp, snap.Tags, snap.CPU)
			}
			if snap.MemoryOK {
				publisher.QueueMemory(a.queue, snap.Timestamp, snap.Tags, snap.Memory)
			}
		}
	}
}
