package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// activeCounter is the slice of the execution store the sampler reads.
// Both the Redis and the in-memory store satisfy it.
type activeCounter interface {
	ActiveCount(ctx context.Context) (int64, error)
}

// queueDepths is the slice of the resume queue the sampler reads.
type queueDepths interface {
	Length(ctx context.Context) (int64, error)
	DelayedLength(ctx context.Context) (int64, error)
	DeadLetterLength(ctx context.Context) (int64, error)
}

// MetricsSampler publishes the gauge readings that event counters cannot
// carry: how many executions are in flight right now and how deep the
// resume queue sits across its ready, delayed, and dead-letter segments.
// Run one sampler per deployment next to the reconciler; the readings are
// cluster-wide, so extra replicas only repeat them.
type MetricsSampler struct {
	store activeCounter
	queue queueDepths

	interval time.Duration
	logger   core.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SamplerOption configures a MetricsSampler.
type SamplerOption func(*MetricsSampler)

// WithSamplerLogger sets the logger.
func WithSamplerLogger(logger core.Logger) SamplerOption {
	return func(m *MetricsSampler) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSamplerInterval overrides how often gauges are read.
func WithSamplerInterval(interval time.Duration) SamplerOption {
	return func(m *MetricsSampler) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// NewMetricsSampler wires gauge sampling over the store's active index
// and the resume queue's depths. Either collaborator may be nil; its
// gauges are simply not reported.
func NewMetricsSampler(store activeCounter, queue queueDepths, opts ...SamplerOption) *MetricsSampler {
	m := &MetricsSampler{
		store:    store,
		queue:    queue,
		interval: getEnvDuration("GOSAGA_METRICS_INTERVAL", 15*time.Second),
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GaugeReading is one sampler pass.
type GaugeReading struct {
	ActiveExecutions int64 `json:"active_executions"`
	QueueReady       int64 `json:"queue_ready"`
	QueueDelayed     int64 `json:"queue_delayed"`
	QueueDeadLetters int64 `json:"queue_dead_letters"`
}

// Start samples on the configured interval until ctx is cancelled or
// Stop is called. Blocks, like the reconciler.
func (m *MetricsSampler) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return fmt.Errorf("metrics sampler already running")
	}

	sampleCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.logger.Info("Metrics sampler started", map[string]interface{}{
		"operation": "sampler_start",
		"interval":  m.interval.String(),
	})

	m.wg.Add(1)
	go m.run(sampleCtx)
	m.wg.Wait()

	m.running.Store(false)
	m.logger.Info("Metrics sampler stopped", map[string]interface{}{
		"operation": "sampler_stop",
	})
	return nil
}

// Stop cancels the sampling loop and waits for the in-flight pass.
func (m *MetricsSampler) Stop() {
	if !m.running.Load() {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *MetricsSampler) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Gauge sample failed", map[string]interface{}{
				"operation": "sampler_pass",
				"error":     err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample performs one pass: read every depth and publish it as a gauge.
func (m *MetricsSampler) Sample(ctx context.Context) (*GaugeReading, error) {
	reading := &GaugeReading{}

	if m.store != nil {
		active, err := m.store.ActiveCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("sample active executions: %w", err)
		}
		reading.ActiveExecutions = active
		telemetry.Gauge(telemetry.MetricExecutionsActive, float64(active))
	}

	if m.queue != nil {
		ready, err := m.queue.Length(ctx)
		if err != nil {
			return nil, fmt.Errorf("sample queue depth: %w", err)
		}
		delayed, err := m.queue.DelayedLength(ctx)
		if err != nil {
			return nil, fmt.Errorf("sample delayed queue depth: %w", err)
		}
		dead, err := m.queue.DeadLetterLength(ctx)
		if err != nil {
			return nil, fmt.Errorf("sample dead letter depth: %w", err)
		}
		reading.QueueReady = ready
		reading.QueueDelayed = delayed
		reading.QueueDeadLetters = dead
		telemetry.Gauge(telemetry.MetricQueueDepth, float64(ready), "state", "ready")
		telemetry.Gauge(telemetry.MetricQueueDepth, float64(delayed), "state", "delayed")
		telemetry.Gauge(telemetry.MetricQueueDepth, float64(dead), "state", "dead_letter")
	}

	return reading, nil
}
