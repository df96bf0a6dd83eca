// Package publisher implements the Network Publisher: a bounded FIFO
// queue, batch formation on a fixed cadence, and exponential-backoff
// retry with a hard cap, grounded on the pack's retry-HTTP-client idiom
// (bc-dunia-mcpdrill's worker.RetryHTTPClient) but using the dedicated
// github.com/cenkalti/backoff/v4 library for the retry schedule itself.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sysmonctl/internal/discovery"
)

const batchLimit = 100

// Stats are the Publisher's externally-observable counters, surfaced
// through the stats API.
type Stats struct {
	PublishAttempts  atomic.Int64
	PublishSuccesses atomic.Int64
	PublishFailures  atomic.Int64
	MetricsSent      atomic.Int64
	MetricsFailed    atomic.Int64
}

// Config controls cadence and retry policy.
type Config struct {
	PushInterval     time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// Publisher owns the queue, the resolved transport, and the publish loop.
type Publisher struct {
	queue     *Queue
	transport *Transport
	resolver  discovery.Resolver
	cfg       Config
	log       *slog.Logger
	Stats     Stats

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	discoveryMu sync.Mutex
	discovered  bool
}

func New(queue *Queue, transport *Transport, resolver discovery.Resolver, cfg Config, log *slog.Logger) *Publisher {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 100 * time.Millisecond
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return &Publisher{
		queue: queue, transport: transport, resolver: resolver, cfg: cfg,
		log: log.With("module", "publisher"),
	}
}

// Start resolves the aggregator endpoint (bounded-timeout, best-effort)
// and launches the publish worker. A no-op if already running.
func (p *Publisher) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.runDiscovery(ctx)
	go p.loop(ctx)
}

// Stop signals the worker, joins, and leaves the queue intact so a
// subsequent Start resumes draining it.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Publisher) runDiscovery(ctx context.Context) {
	p.discoveryMu.Lock()
	defer p.discoveryMu.Unlock()
	endpoint, err := p.resolver.Resolve(ctx)
	if err != nil || endpoint == "" {
		p.log.Warn("service discovery returned no endpoint; publishes will fail fast until discovery is rerun", "error", err)
		p.discovered = false
		return
	}
	p.transport.SetEndpoint(endpoint)
	p.discovered = true
}

// RerunDiscovery re-resolves the aggregator endpoint on demand. The agent's
// orchestrator does not call it, so in the daemon discovery runs once per
// Start.
func (p *Publisher) RerunDiscovery(ctx context.Context) {
	p.runDiscovery(ctx)
}

func (p *Publisher) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce(ctx)
		}
	}
}

// publishOnce drains up to batchLimit points and attempts to ship them,
// retrying with exponential backoff capped at RetryMaxDelay. On exhaustion
// the batch is dropped, never requeued — the Store already holds a
// durable copy.
func (p *Publisher) publishOnce(ctx context.Context) {
	batch := p.queue.DequeueBatch(batchLimit)
	if len(batch) == 0 {
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.RetryBaseDelay
	policy.MaxInterval = p.cfg.RetryMaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	withCtx := backoff.WithContext(policy, ctx)

	attempt := 0
	lastErr := backoff.Retry(func() error {
		attempt++
		p.Stats.PublishAttempts.Add(1)
		err := p.transport.Send(ctx, batch)
		if err == nil {
			return nil
		}
		p.Stats.PublishFailures.Add(1)
		if attempt >= p.cfg.RetryMaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)

	if lastErr == nil {
		p.Stats.PublishSuccesses.Add(1)
		p.Stats.MetricsSent.Add(int64(len(batch)))
		return
	}
	p.Stats.MetricsFailed.Add(int64(len(batch)))
	p.log.Warn("publish batch dropped after retry exhaustion", "points", len(batch), "attempts", attempt, "error", lastErr)
}
