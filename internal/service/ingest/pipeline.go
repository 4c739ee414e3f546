package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MLidstrom/castellan/internal/domain/correlation"
	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/health"
	"github.com/MLidstrom/castellan/internal/metrics"
)

// Detector classifies a raw event (normalization, rule application, context
// refinement). It must never fail the pipeline; on internal errors it
// returns the fallback classification.
type Detector interface {
	Classify(ctx context.Context, raw *event.RawEvent) *event.SecurityEvent
}

// Correlator runs the sliding-window detectors over a classified event and
// applies any resulting risk upgrade to it.
type Correlator interface {
	Analyze(ctx context.Context, se *event.SecurityEvent) correlation.Result
}

// SuppressionFilter decides whether a classified event is part of a known
// benign sequence and should be discarded.
type SuppressionFilter interface {
	ShouldSuppress(se *event.SecurityEvent) (bool, string)
}

// EventSink receives events that survive filtering.
type EventSink interface {
	AddSecurityEvent(ctx context.Context, se *event.SecurityEvent) error
}

// Pipeline owns the bounded queue and the worker pool running the
// detect → correlate → filter → store sequence for every raw event.
type Pipeline struct {
	queue    *Queue
	detector Detector
	corr     Correlator
	filter   SuppressionFilter
	sink     EventSink

	workers       int
	shutdownGrace time.Duration
	retryAttempts int

	logger  *zap.Logger
	metrics *metrics.Registry
	health  *health.Registry
}

// PipelineConfig bundles the tunables for the worker pool.
type PipelineConfig struct {
	Workers       int
	ShutdownGrace time.Duration
	RetryAttempts int
}

// NewPipeline wires the pipeline around an existing queue.
func NewPipeline(queue *Queue, detector Detector, corr Correlator, filter SuppressionFilter, sink EventSink, cfg PipelineConfig, reg *metrics.Registry, healthReg *health.Registry, logger *zap.Logger) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Pipeline{
		queue:         queue,
		detector:      detector,
		corr:          corr,
		filter:        filter,
		sink:          sink,
		workers:       workers,
		shutdownGrace: grace,
		retryAttempts: cfg.RetryAttempts,
		logger:        logger,
		metrics:       reg,
		health:        healthReg,
	}
}

// Queue exposes the pipeline's queue for watchers to enqueue into.
func (p *Pipeline) Queue() *Queue { return p.queue }

// Run blocks until ctx is cancelled and the queue has drained (bounded by
// the shutdown grace period).
func (p *Pipeline) Run(ctx context.Context) error {
	p.reportHealth(health.StatusUp, nil)
	defer p.reportHealth(health.StatusDown, nil)

	done := make(chan struct{})
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	var g errgroup.Group

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				raw, ok := p.queue.Dequeue(done)
				if !ok {
					return nil
				}
				p.process(workCtx, raw)
			}
		})
	}

	<-ctx.Done()

	// Stop admitting new events, then drain until empty or the grace
	// timeout elapses.
	p.queue.Close()
	deadline := time.After(p.shutdownGrace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
drain:
	for p.queue.Len() > 0 {
		select {
		case <-deadline:
			p.logger.Warn("pipeline drain timed out",
				zap.Int("remaining", p.queue.Len()))
			break drain
		case <-ticker.C:
		}
	}
	close(done)
	// Workers finish their in-flight event before exiting; retries are
	// bounded so Wait terminates.
	return g.Wait()
}

func (p *Pipeline) process(ctx context.Context, raw *event.RawEvent) {
	start := time.Now()
	p.metrics.EventsIngested.Add(ctx, 1)

	se := p.detector.Classify(ctx, raw)
	if se == nil {
		p.logger.Error("detector returned no event", zap.String("unique_id", raw.UniqueID))
		p.metrics.EventsDropped.Add(ctx, 1)
		return
	}

	result := p.corr.Analyze(ctx, se)
	if result.HasCorrelation {
		p.metrics.CorrelationsFired.Add(ctx, 1)
	}

	if suppressed, reason := p.filter.ShouldSuppress(se); suppressed {
		p.metrics.EventsSuppressed.Add(ctx, 1)
		p.logger.Debug("event suppressed by ignore pattern",
			zap.String("unique_id", se.Log.UniqueID),
			zap.String("reason", reason))
		return
	}

	if err := p.store(ctx, se); err != nil {
		p.metrics.StoreFailures.Add(ctx, 1)
		p.metrics.EventsDropped.Add(ctx, 1)
		p.reportHealth(health.StatusDegraded, err)
		p.logger.Error("event dropped after store retries exhausted",
			zap.String("unique_id", se.Log.UniqueID), zap.Error(err))
		return
	}

	// The events service counts the store; the pipeline only tracks latency.
	p.metrics.ProcessingLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
}

// store writes with bounded exponential backoff (2^attempt seconds) for
// retryable failures so a briefly unavailable store never blocks ingest
// indefinitely.
func (p *Pipeline) store(ctx context.Context, se *event.SecurityEvent) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = p.sink.AddSecurityEvent(ctx, se)
		if lastErr == nil {
			return nil
		}
		if attempt >= p.retryAttempts || !errors.IsRetryable(lastErr) {
			return lastErr
		}
		p.metrics.StoreRetries.Add(ctx, 1)
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return lastErr
		}
	}
}

func (p *Pipeline) reportHealth(status health.Status, err error) {
	if p.health == nil {
		return
	}
	p.health.Report("pipeline", status, err)
}
