package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/correlation"
	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/infrastructure/repository"
	"github.com/MLidstrom/castellan/internal/metrics"
	"github.com/MLidstrom/castellan/internal/service/events"
)

type stubDetector struct{}

func (stubDetector) Classify(_ context.Context, raw *event.RawEvent) *event.SecurityEvent {
	return &event.SecurityEvent{
		Log: &event.LogEvent{
			UniqueID: raw.UniqueID,
			EventID:  raw.EventID,
			Channel:  raw.Channel,
			Time:     time.Now().UTC(),
		},
		Type:       event.TypeAuthenticationSuccess,
		Risk:       event.RiskLow,
		Confidence: 70,
	}
}

type stubCorrelator struct{}

func (stubCorrelator) Analyze(context.Context, *event.SecurityEvent) correlation.Result {
	return correlation.Result{}
}

type stubFilter struct {
	suppress func(se *event.SecurityEvent) bool
}

func (f stubFilter) ShouldSuppress(se *event.SecurityEvent) (bool, string) {
	if f.suppress != nil && f.suppress(se) {
		return true, "test pattern"
	}
	return false, ""
}

type recordingSink struct {
	mu       sync.Mutex
	stored   []*event.SecurityEvent
	failID   string
	failures int
	err      error
}

func (s *recordingSink) AddSecurityEvent(_ context.Context, se *event.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 && se.Log.UniqueID == s.failID {
		s.failures--
		return s.err
	}
	s.stored = append(s.stored, se)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func newTestPipeline(t *testing.T, queue *Queue, filter SuppressionFilter, sink EventSink, retries int) *Pipeline {
	t.Helper()
	reg, err := metrics.NewRegistry("pipeline_test")
	require.NoError(t, err)
	cfg := PipelineConfig{Workers: 2, ShutdownGrace: 2 * time.Second, RetryAttempts: retries}
	return NewPipeline(queue, stubDetector{}, stubCorrelator{}, filter, sink, cfg, reg, nil, zap.NewNop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPipelineStoresClassifiedEvents(t *testing.T) {
	queue := NewQueue(16, nil)
	sink := &recordingSink{}
	p := newTestPipeline(t, queue, stubFilter{}, sink, 0)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.True(t, queue.Enqueue(rawN(i)))
	}
	waitFor(t, func() bool { return sink.count() == 5 })

	cancel()
	require.NoError(t, <-runDone)
}

func TestPipelineSuppressedEventsSkipStore(t *testing.T) {
	queue := NewQueue(16, nil)
	sink := &recordingSink{}
	filter := stubFilter{suppress: func(se *event.SecurityEvent) bool {
		return se.Log.UniqueID == "raw-1"
	}}
	p := newTestPipeline(t, queue, filter, sink, 0)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.True(t, queue.Enqueue(rawN(i)))
	}
	waitFor(t, func() bool { return sink.count() == 2 })

	cancel()
	require.NoError(t, <-runDone)
	for _, se := range sink.stored {
		assert.NotEqual(t, "raw-1", se.Log.UniqueID)
	}
}

func TestPipelineRetriesTransientStoreFailure(t *testing.T) {
	queue := NewQueue(4, nil)
	sink := &recordingSink{failID: "raw-0", failures: 1, err: errors.NewStorageError("deadlock detected")}
	p := newTestPipeline(t, queue, stubFilter{}, sink, 2)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	require.True(t, queue.Enqueue(rawN(0)))
	// First attempt fails, the 1s backoff elapses, the retry lands.
	waitFor(t, func() bool { return sink.count() == 1 })

	cancel()
	require.NoError(t, <-runDone)
}

func TestPipelineDropsOnNonRetryableFailure(t *testing.T) {
	queue := NewQueue(4, nil)
	sink := &recordingSink{failID: "raw-0", failures: 1, err: errors.NewValidationError("INVALID_EVENT", "missing log")}
	p := newTestPipeline(t, queue, stubFilter{}, sink, 3)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	require.True(t, queue.Enqueue(rawN(0)))
	require.True(t, queue.Enqueue(rawN(1)))
	// raw-0 fails once and is dropped without retries; raw-1 lands.
	waitFor(t, func() bool { return sink.count() == 1 })

	cancel()
	require.NoError(t, <-runDone)
	assert.Equal(t, "raw-1", sink.stored[0].Log.UniqueID)
}

func storedTotal(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "castellan.pipeline.events_stored_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestPipelineCountsStoredEventsOnce(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	reg, err := metrics.NewRegistry("pipeline_counter_test")
	require.NoError(t, err)

	repo := repository.NewMemoryEventStore(24 * time.Hour)
	svc := events.NewService(repo, nil, true, reg, zap.NewNop())

	queue := NewQueue(16, nil)
	cfg := PipelineConfig{Workers: 2, ShutdownGrace: 2 * time.Second}
	p := NewPipeline(queue, stubDetector{}, stubCorrelator{}, stubFilter{}, svc, cfg, reg, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.True(t, queue.Enqueue(rawN(i)))
	}
	waitFor(t, func() bool {
		n, err := repo.Count(context.Background(), repository.EventFilter{})
		return err == nil && n == 3
	})

	cancel()
	require.NoError(t, <-runDone)

	// One increment per stored event, counted by the events service alone.
	assert.EqualValues(t, 3, storedTotal(t, reader))
}

func TestPipelineDrainsQueueOnShutdown(t *testing.T) {
	queue := NewQueue(32, nil)
	sink := &recordingSink{}
	p := newTestPipeline(t, queue, stubFilter{}, sink, 0)

	for i := 0; i < 10; i++ {
		require.True(t, queue.Enqueue(rawN(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-runDone)
	assert.Equal(t, 10, sink.count())
	assert.Zero(t, queue.Len())
}
