package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/gosaga/core"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not user errors
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Configuration errors - DON'T count (user error)
	if core.IsConfigurationError(err) {
		return false
	}

	// Not found errors - DON'T count (user error)
	if core.IsNotFound(err) {
		return false
	}

	// State errors - DON'T count (programming error)
	if core.IsStateError(err) {
		return false
	}

	// Context cancellation - DON'T count (client gave up)
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}

	// All other errors count as failures (network, timeout, connection issues)
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of requests before evaluation
	VolumeThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests in half-open state
	HalfOpenRequests int

	// SuccessThreshold is the success rate needed to close from half-open
	SuccessThreshold float64

	// WindowSize is the sliding window duration for metrics
	WindowSize time.Duration

	// BucketCount is the number of buckets in the sliding window
	BucketCount int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5, // 50% error rate
		VolumeThreshold:  10,  // Need 10 requests minimum
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6, // 60% success to recover
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate checks the configuration for consistency problems
func (c *CircuitBreakerConfig) Validate() error {
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("%w: error threshold must be in [0,1]", core.ErrInvalidConfiguration)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("%w: success threshold must be in [0,1]", core.ErrInvalidConfiguration)
	}
	if c.VolumeThreshold < 1 {
		return fmt.Errorf("%w: volume threshold must be at least 1", core.ErrInvalidConfiguration)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("%w: half-open requests must be at least 1", core.ErrInvalidConfiguration)
	}
	if c.WindowSize <= 0 || c.BucketCount < 1 {
		return fmt.Errorf("%w: window size and bucket count must be positive", core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker protects a downstream dependency from repeated failures.
// State transitions: closed → open when the windowed error rate crosses
// ErrorThreshold at VolumeThreshold requests; open → half-open after
// SleepWindow; half-open → closed or open depending on trial outcomes.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	openedAt         time.Time
	halfOpenIssued   int
	halfOpenSuccess  int
	halfOpenFailures int

	window  *SlidingWindow
	logger  core.Logger
	metrics MetricsCollector
}

// NewCircuitBreaker creates a circuit breaker from the given configuration
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &CircuitBreaker{
		config:  config,
		state:   StateClosed,
		window:  NewSlidingWindow(config.WindowSize, config.BucketCount),
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// CanExecute reports whether a request may proceed. In half-open state it
// also reserves one of the limited trial slots.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.SleepWindow {
			cb.transitionLocked(StateHalfOpen)
			cb.halfOpenIssued = 1
			return true
		}
		cb.metrics.RecordRejection(cb.config.Name)
		return false
	case StateHalfOpen:
		if cb.halfOpenIssued < cb.config.HalfOpenRequests {
			cb.halfOpenIssued++
			return true
		}
		cb.metrics.RecordRejection(cb.config.Name)
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.RecordSuccess(cb.config.Name)

	switch cb.state {
	case StateClosed:
		cb.window.RecordSuccess()
	case StateHalfOpen:
		cb.halfOpenSuccess++
		cb.evaluateHalfOpenLocked()
	}
}

// RecordFailure records a failed request. Errors the classifier rejects
// count as successes for threshold purposes.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.config.ErrorClassifier(err) {
		cb.RecordSuccess()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))

	switch cb.state {
	case StateClosed:
		cb.window.RecordFailure()
		total := cb.window.GetTotal()
		if total >= uint64(cb.config.VolumeThreshold) && cb.window.GetErrorRate() >= cb.config.ErrorThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenFailures++
		cb.evaluateHalfOpenLocked()
	}
}

// Execute runs fn under the breaker's protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.CanExecute() {
		return fmt.Errorf("circuit %s is %s: %w", cb.config.Name, cb.GetState(), core.ErrCircuitOpen)
	}

	err := fn()
	if err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// GetState returns the current state name
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset forces the breaker back to closed and clears the window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

func (cb *CircuitBreaker) evaluateHalfOpenLocked() {
	evaluated := cb.halfOpenSuccess + cb.halfOpenFailures
	if evaluated < cb.config.HalfOpenRequests {
		return
	}
	rate := float64(cb.halfOpenSuccess) / float64(evaluated)
	if rate >= cb.config.SuccessThreshold {
		cb.transitionLocked(StateClosed)
		return
	}
	cb.transitionLocked(StateOpen)
}

func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	if cb.state == newState {
		if newState == StateClosed {
			cb.window.Reset()
		}
		return
	}

	from := cb.state
	cb.state = newState

	switch newState {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateClosed, StateHalfOpen:
		cb.halfOpenIssued = 0
		cb.halfOpenSuccess = 0
		cb.halfOpenFailures = 0
		if newState == StateClosed {
			cb.window.Reset()
		}
	}

	cb.metrics.RecordStateChange(cb.config.Name, from.String(), newState.String())
	if cb.logger != nil {
		cb.logger.Info("Circuit breaker state change", map[string]interface{}{
			"operation": "circuit_transition",
			"circuit":   cb.config.Name,
			"from":      from.String(),
			"to":        newState.String(),
		})
	}
}

// bucket holds windowed counters for one time slice
type bucket struct {
	success uint64
	failure uint64
}

// SlidingWindow tracks success/failure counts over a rolling time window
// divided into buckets. Old buckets are zeroed as time advances.
type SlidingWindow struct {
	mu         sync.Mutex
	buckets    []bucket
	bucketSpan time.Duration
	current    int
	rotatedAt  time.Time
}

// NewSlidingWindow creates a window of the given duration split into count buckets
func NewSlidingWindow(windowSize time.Duration, count int) *SlidingWindow {
	if count < 1 {
		count = 1
	}
	return &SlidingWindow{
		buckets:    make([]bucket, count),
		bucketSpan: windowSize / time.Duration(count),
		rotatedAt:  time.Now(),
	}
}

func (sw *SlidingWindow) rotateLocked() {
	elapsed := time.Since(sw.rotatedAt)
	steps := int(elapsed / sw.bucketSpan)
	if steps <= 0 {
		return
	}
	if steps > len(sw.buckets) {
		steps = len(sw.buckets)
	}
	for i := 0; i < steps; i++ {
		sw.current = (sw.current + 1) % len(sw.buckets)
		sw.buckets[sw.current] = bucket{}
	}
	sw.rotatedAt = time.Now()
}

// RecordSuccess adds a success to the current bucket
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateLocked()
	sw.buckets[sw.current].success++
}

// RecordFailure adds a failure to the current bucket
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateLocked()
	sw.buckets[sw.current].failure++
}

// GetCounts returns windowed success and failure totals
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateLocked()
	for _, b := range sw.buckets {
		success += b.success
		failure += b.failure
	}
	return success, failure
}

// GetErrorRate returns the windowed failure ratio in [0,1]
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// GetTotal returns the windowed request count
func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}

// Reset clears all window state
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.buckets {
		sw.buckets[i] = bucket{}
	}
	sw.current = 0
	sw.rotatedAt = time.Now()
}
