package orchestration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

const (
	correctionCircuitPrefix = "llm:circuit:"
	correctionWindowPrefix  = "llm:window:"

	circuitHalfOpen   = "half_open"
	circuitOpenPrefix = "open:"
)

// CorrectionBreaker bounds LLM correction loops twice over: a hard USD
// ceiling per execution, and a sliding attempt window per step. More
// than maxAttempts corrections inside the window trips the step's
// circuit for openFor; after that a single half-open trial decides
// between reset and re-trip.
type CorrectionBreaker struct {
	client     *redis.Client
	ownsClient bool

	keyPrefix   string
	maxAttempts int
	window      time.Duration
	openFor     time.Duration
	logger      core.Logger
}

// CorrectionBreakerOption configures a CorrectionBreaker.
type CorrectionBreakerOption func(*CorrectionBreaker)

// WithCorrectionBreakerLogger sets the logger.
func WithCorrectionBreakerLogger(logger core.Logger) CorrectionBreakerOption {
	return func(b *CorrectionBreaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCorrectionBreakerLimits overrides the attempt bound, window, and
// open duration.
func WithCorrectionBreakerLimits(maxAttempts int, window, openFor time.Duration) CorrectionBreakerOption {
	return func(b *CorrectionBreaker) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if window > 0 {
			b.window = window
		}
		if openFor > 0 {
			b.openFor = openFor
		}
	}
}

// WithCorrectionBreakerKeyPrefix namespaces all keys.
func WithCorrectionBreakerKeyPrefix(prefix string) CorrectionBreakerOption {
	return func(b *CorrectionBreaker) {
		b.keyPrefix = prefix
	}
}

// WithCorrectionBreakerClient injects an existing Redis client. The
// breaker will not close it.
func WithCorrectionBreakerClient(client *redis.Client) CorrectionBreakerOption {
	return func(b *CorrectionBreaker) {
		if client != nil {
			b.client = client
			b.ownsClient = false
		}
	}
}

// NewCorrectionBreaker connects to the breaker database.
func NewCorrectionBreaker(redisURL string, opts ...CorrectionBreakerOption) (*CorrectionBreaker, error) {
	b := &CorrectionBreaker{
		ownsClient:  true,
		maxAttempts: getEnvInt("GOSAGA_BREAKER_MAX_ATTEMPTS", 3),
		window:      getEnvDuration("GOSAGA_BREAKER_WINDOW", time.Minute),
		openFor:     getEnvDuration("GOSAGA_BREAKER_OPEN_FOR", 5*time.Minute),
		logger:      &core.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBCorrectionBreaker, b.logger)
		if err != nil {
			return nil, fmt.Errorf("correction breaker: %w", err)
		}
		b.client = client
	}

	return b, nil
}

// Close releases the Redis connection if the breaker owns it.
func (b *CorrectionBreaker) Close() error {
	if b.ownsClient && b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *CorrectionBreaker) circuitKey(executionID, stepID string) string {
	return b.keyPrefix + correctionCircuitPrefix + executionID + ":" + stepID
}

func (b *CorrectionBreaker) windowKey(executionID, stepID string) string {
	return b.keyPrefix + correctionWindowPrefix + executionID + ":" + stepID
}

// Allow gates one LLM correction attempt for a step. It enforces the
// budget ceiling first, then the attempt window. A permitted attempt is
// recorded in the window immediately; there is no separate commit.
func (b *CorrectionBreaker) Allow(ctx context.Context, execution *Execution, stepID string, estimatedUSD float64) error {
	if !execution.Budget.Allows(estimatedUSD) {
		return kindError("correction.Allow", KindBudgetExceeded, execution.ID,
			fmt.Errorf("correction for step %s needs $%.4f, budget has $%.4f left: %w",
				stepID, estimatedUSD, execution.Budget.Remaining(), core.ErrBudgetExceeded))
	}

	now := time.Now()
	circuitKey := b.circuitKey(execution.ID, stepID)

	state, err := b.client.Get(ctx, circuitKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read correction circuit: %w", err)
	}

	switch {
	case strings.HasPrefix(state, circuitOpenPrefix):
		expiresAt, _ := strconv.ParseInt(strings.TrimPrefix(state, circuitOpenPrefix), 10, 64)
		if now.UnixMilli() < expiresAt {
			return b.blocked(execution.ID, stepID, "open")
		}
		// Open period elapsed: admit exactly one trial.
		if err := b.client.Set(ctx, circuitKey, circuitHalfOpen, b.openFor).Err(); err != nil {
			return fmt.Errorf("set correction circuit half-open: %w", err)
		}
		telemetry.Counter(telemetry.MetricCorrectionAttempts, "phase", "half_open_trial")
		return nil

	case state == circuitHalfOpen:
		return b.blocked(execution.ID, stepID, "half_open")
	}

	windowKey := b.windowKey(execution.ID, stepID)
	cutoff := strconv.FormatInt(now.Add(-b.window).UnixMilli(), 10)
	if err := b.client.ZRemRangeByScore(ctx, windowKey, "-inf", cutoff).Err(); err != nil {
		return fmt.Errorf("prune correction window: %w", err)
	}

	attempts, err := b.client.ZCard(ctx, windowKey).Result()
	if err != nil {
		return fmt.Errorf("count correction window: %w", err)
	}

	if attempts >= int64(b.maxAttempts) {
		openUntil := now.Add(b.openFor)
		value := circuitOpenPrefix + strconv.FormatInt(openUntil.UnixMilli(), 10)
		// Keep the state readable slightly past expiry so the half-open
		// transition observes it instead of a missing key.
		if err := b.client.Set(ctx, circuitKey, value, b.openFor+b.window).Err(); err != nil {
			return fmt.Errorf("trip correction circuit: %w", err)
		}
		telemetry.Counter(telemetry.MetricBreakerTrips, "step", stepID)
		b.logger.Warn("Correction circuit tripped", map[string]interface{}{
			"operation":    "correction_trip",
			"execution_id": execution.ID,
			"step_id":      stepID,
			"attempts":     attempts,
			"window":       b.window.String(),
			"open_for":     b.openFor.String(),
		})
		return b.blocked(execution.ID, stepID, "tripped")
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe := b.client.Pipeline()
	pipe.ZAdd(ctx, windowKey, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.PExpire(ctx, windowKey, b.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record correction attempt: %w", err)
	}

	telemetry.Counter(telemetry.MetricCorrectionAttempts, "phase", "closed")
	return nil
}

func (b *CorrectionBreaker) blocked(executionID, stepID, phase string) error {
	return kindError("correction.Allow", KindLLMCircuitBroken, executionID,
		fmt.Errorf("correction circuit for step %s is %s: %w: %w",
			stepID, phase, ErrCorrectionBlocked, core.ErrCircuitOpen))
}

// RecordSuccess resets the step's circuit after a corrected retry
// succeeded. Both the window and any half-open state are cleared.
func (b *CorrectionBreaker) RecordSuccess(ctx context.Context, executionID, stepID string) error {
	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.circuitKey(executionID, stepID))
	pipe.Del(ctx, b.windowKey(executionID, stepID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset correction circuit: %w", err)
	}
	return nil
}

// RecordFailure re-trips the circuit if the failure ended a half-open
// trial. Ordinary in-window failures need no bookkeeping; their attempt
// was counted by Allow.
func (b *CorrectionBreaker) RecordFailure(ctx context.Context, executionID, stepID string) error {
	circuitKey := b.circuitKey(executionID, stepID)

	state, err := b.client.Get(ctx, circuitKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read correction circuit: %w", err)
	}
	if state != circuitHalfOpen {
		return nil
	}

	openUntil := time.Now().Add(b.openFor)
	value := circuitOpenPrefix + strconv.FormatInt(openUntil.UnixMilli(), 10)
	if err := b.client.Set(ctx, circuitKey, value, b.openFor+b.window).Err(); err != nil {
		return fmt.Errorf("re-trip correction circuit: %w", err)
	}
	telemetry.Counter(telemetry.MetricBreakerTrips, "step", stepID)
	return nil
}

// State reports the circuit phase for diagnostics: "closed", "open", or
// "half_open".
func (b *CorrectionBreaker) State(ctx context.Context, executionID, stepID string) (string, error) {
	state, err := b.client.Get(ctx, b.circuitKey(executionID, stepID)).Result()
	if err == redis.Nil {
		return "closed", nil
	}
	if err != nil {
		return "", fmt.Errorf("read correction circuit: %w", err)
	}
	if state == circuitHalfOpen {
		return "half_open", nil
	}
	if strings.HasPrefix(state, circuitOpenPrefix) {
		expiresAt, _ := strconv.ParseInt(strings.TrimPrefix(state, circuitOpenPrefix), 10, 64)
		if time.Now().UnixMilli() < expiresAt {
			return "open", nil
		}
		return "half_open_pending", nil
	}
	return "closed", nil
}
