package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the saga orchestrator.
// It supports four-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Configuration file (JSON or YAML)
//  3. Environment variables
//  4. Functional options (highest priority)
//
// The configuration automatically detects the execution environment
// (Kubernetes vs local) and adjusts defaults accordingly.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("booking-orchestrator"),
//	    WithRedisURL("redis://localhost:6379"),
//	    WithCostLimit(5.0),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core configuration
	Name string `json:"name" yaml:"name" env:"GOSAGA_NAME"`
	Mode string `json:"mode" yaml:"mode" env:"GOSAGA_MODE"` // "development" or "production"

	Redis        RedisConfig        `json:"redis" yaml:"redis"`
	Engine       EngineConfig       `json:"engine" yaml:"engine"`
	Lock         LockConfig         `json:"lock" yaml:"lock"`
	Idempotency  IdempotencyConfig  `json:"idempotency" yaml:"idempotency"`
	Breaker      BreakerConfig      `json:"breaker" yaml:"breaker"`
	Budget       BudgetConfig       `json:"budget" yaml:"budget"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	Confirmation ConfirmationConfig `json:"confirmation" yaml:"confirmation"`
	Snapshot     SnapshotConfig     `json:"snapshot" yaml:"snapshot"`
	Reconciler   ReconcilerConfig   `json:"reconciler" yaml:"reconciler"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

// RedisConfig holds connection settings for the KV store.
type RedisConfig struct {
	URL       string `json:"url" yaml:"url" env:"REDIS_URL"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"GOSAGA_REDIS_PREFIX"`
}

// EngineConfig bounds a single segment of forward progress.
// The yield predicate fires once elapsed time passes MinYieldCheck and the
// projected next step would cross CheckpointThreshold + YieldBuffer.
type EngineConfig struct {
	MinYieldCheck       time.Duration `json:"min_yield_check" yaml:"min_yield_check"`
	CheckpointThreshold time.Duration `json:"checkpoint_threshold" yaml:"checkpoint_threshold"`
	YieldBuffer         time.Duration `json:"yield_buffer" yaml:"yield_buffer"`
	SegmentTimeout      time.Duration `json:"segment_timeout" yaml:"segment_timeout"`
	MaxBatch            int           `json:"max_batch" yaml:"max_batch"`
	ResumeDelay         time.Duration `json:"resume_delay" yaml:"resume_delay"`
	StateTTL            time.Duration `json:"state_ttl" yaml:"state_ttl"`
	DefaultStepLatency  time.Duration `json:"default_step_latency" yaml:"default_step_latency"`
}

// LockConfig governs the distributed workflow locks.
type LockConfig struct {
	TTL          time.Duration `json:"ttl" yaml:"ttl"`
	StaleEpsilon time.Duration `json:"stale_epsilon" yaml:"stale_epsilon"`
}

// IdempotencyConfig governs tool-call deduplication.
type IdempotencyConfig struct {
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// BreakerConfig bounds LLM correction loops per (execution, step).
type BreakerConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Window      time.Duration `json:"window" yaml:"window"`
	OpenFor     time.Duration `json:"open_for" yaml:"open_for"`
}

// BudgetConfig sets the per-execution cost ceilings.
type BudgetConfig struct {
	DefaultCostLimitUSD    float64 `json:"default_cost_limit_usd" yaml:"default_cost_limit_usd"`
	EstimatedCorrectionUSD float64 `json:"estimated_correction_usd" yaml:"estimated_correction_usd"`
	SegmentOverheadUSD     float64 `json:"segment_overhead_usd" yaml:"segment_overhead_usd"`
}

// QueueConfig configures the durable resume queue.
//
// Secret is the HMAC signing key for queue messages. It is read only from
// the environment (GOSAGA_QUEUE_SECRET) or an option, is excluded from
// file round-trips, and must never appear in logs.
type QueueConfig struct {
	Name          string        `json:"name" yaml:"name"`
	DeadLetter    string        `json:"dead_letter" yaml:"dead_letter"`
	MaxDeliveries int           `json:"max_deliveries" yaml:"max_deliveries"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Secret        string        `json:"-" yaml:"-"`
}

// ConfirmationConfig governs human-in-the-loop tokens.
type ConfirmationConfig struct {
	TokenTTL time.Duration `json:"token_ttl" yaml:"token_ttl"`
	Risk     RiskRules     `json:"risk" yaml:"risk"`
}

// RiskRules are the deterministic risk-classification thresholds.
type RiskRules struct {
	CriticalPaymentUSD float64 `json:"critical_payment_usd" yaml:"critical_payment_usd"`
	HighPaymentUSD     float64 `json:"high_payment_usd" yaml:"high_payment_usd"`
	HighPartySize      int     `json:"high_party_size" yaml:"high_party_size"`
}

// SnapshotConfig governs replay snapshot capture.
type SnapshotConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	PerStep           bool          `json:"per_step" yaml:"per_step"`
	TTL               time.Duration `json:"ttl" yaml:"ttl"`
	CompressThreshold int           `json:"compress_threshold" yaml:"compress_threshold"`
	RingCap           int64         `json:"ring_cap" yaml:"ring_cap"`
}

// ReconcilerConfig governs zombie-workflow detection.
type ReconcilerConfig struct {
	StaleAfter        time.Duration `json:"stale_after" yaml:"stale_after"`
	Interval          time.Duration `json:"interval" yaml:"interval"`
	MaxResumeAttempts int           `json:"max_resume_attempts" yaml:"max_resume_attempts"`
}

// TelemetryConfig configures the OpenTelemetry integration.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEnabled bool    `json:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate"`
	Insecure       bool    `json:"insecure" yaml:"insecure"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "text"
	Output string `json:"output" yaml:"output"`
}

// Option configures a Config. Options are applied last and win over
// file and environment values.
type Option func(*Config) error

// DefaultConfig returns a configuration with the documented defaults.
// Environment detection adjusts logging and Redis settings for Kubernetes.
func DefaultConfig() *Config {
	cfg := &Config{
		Name: "gosaga",
		Mode: "production",
		Redis: RedisConfig{
			URL:       "redis://localhost:6379",
			KeyPrefix: "gosaga",
		},
		Engine: EngineConfig{
			MinYieldCheck:       4000 * time.Millisecond,
			CheckpointThreshold: 6000 * time.Millisecond,
			YieldBuffer:         1500 * time.Millisecond,
			SegmentTimeout:      8500 * time.Millisecond,
			MaxBatch:            3,
			ResumeDelay:         2 * time.Second,
			StateTTL:            24 * time.Hour,
			DefaultStepLatency:  1 * time.Second,
		},
		Lock: LockConfig{
			TTL:          30 * time.Second,
			StaleEpsilon: 10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL: 24 * time.Hour,
		},
		Breaker: BreakerConfig{
			MaxAttempts: 3,
			Window:      60 * time.Second,
			OpenFor:     300 * time.Second,
		},
		Budget: BudgetConfig{
			DefaultCostLimitUSD:    5.0,
			EstimatedCorrectionUSD: 0.02,
			SegmentOverheadUSD:     0.005,
		},
		Queue: QueueConfig{
			Name:          "saga:resume",
			DeadLetter:    "saga:resume:dead",
			MaxDeliveries: 3,
			PollInterval:  500 * time.Millisecond,
		},
		Confirmation: ConfirmationConfig{
			TokenTTL: 15 * time.Minute,
			Risk: RiskRules{
				CriticalPaymentUSD: 500,
				HighPaymentUSD:     100,
				HighPartySize:      8,
			},
		},
		Snapshot: SnapshotConfig{
			Enabled:           true,
			PerStep:           false,
			TTL:               24 * time.Hour,
			CompressThreshold: 1024,
			RingCap:           50,
		},
		Reconciler: ReconcilerConfig{
			StaleAfter:        5 * time.Minute,
			Interval:          1 * time.Minute,
			MaxResumeAttempts: 3,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment adjusts defaults for the detected runtime.
//
// Detection criteria:
//   - Kubernetes: KUBERNETES_SERVICE_HOST environment variable is set
//   - Local: no Kubernetes environment variables detected
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Redis.URL = "redis://redis.default.svc.cluster.local:6379"
		c.Logging.Format = "json"
		return
	}
	// Local development unless the mode was pinned explicitly
	if os.Getenv("GOSAGA_MODE") == "" {
		c.Mode = "development"
		c.Logging.Format = "text"
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults and files but are
// overridden by functional options.
//
// Variable naming convention:
//   - Framework-specific: GOSAGA_<SETTING>
//   - Standard variables: REDIS_URL, OTEL_EXPORTER_OTLP_ENDPOINT
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("GOSAGA_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("GOSAGA_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GOSAGA_REDIS_PREFIX"); v != "" {
		c.Redis.KeyPrefix = v
	}

	// Engine settings
	if v := os.Getenv("GOSAGA_MIN_YIELD_CHECK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.MinYieldCheck = d
		}
	}
	if v := os.Getenv("GOSAGA_CHECKPOINT_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.CheckpointThreshold = d
		}
	}
	if v := os.Getenv("GOSAGA_YIELD_BUFFER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.YieldBuffer = d
		}
	}
	if v := os.Getenv("GOSAGA_SEGMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.SegmentTimeout = d
		}
	}
	if v := os.Getenv("GOSAGA_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxBatch = n
		}
	}
	if v := os.Getenv("GOSAGA_RESUME_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.ResumeDelay = d
		}
	}

	// Budget settings
	if v := os.Getenv("GOSAGA_COST_LIMIT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.DefaultCostLimitUSD = f
		}
	}

	// Queue settings. The signing secret is environment-only.
	if v := os.Getenv("GOSAGA_QUEUE_NAME"); v != "" {
		c.Queue.Name = v
	}
	if v := os.Getenv("GOSAGA_QUEUE_SECRET"); v != "" {
		c.Queue.Secret = v
	}

	// Telemetry settings
	if v := os.Getenv("GOSAGA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}

	// Logging settings
	if v := os.Getenv("GOSAGA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOSAGA_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
func (c *Config) LoadFromFile(path string) error {
	// Clean the path to prevent directory traversal attacks
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath)) // nosec G304 -- path is validated
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
// This method is called automatically by NewConfig() but can also be called
// manually after modifying configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfiguration)
	}
	if c.Mode != "development" && c.Mode != "production" {
		return fmt.Errorf("%w: mode must be development or production, got %q", ErrInvalidConfiguration, c.Mode)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("%w: redis url is required", ErrMissingConfiguration)
	}
	if c.Engine.MaxBatch < 1 {
		return fmt.Errorf("%w: engine max_batch must be at least 1", ErrInvalidConfiguration)
	}
	if c.Engine.CheckpointThreshold <= c.Engine.MinYieldCheck {
		return fmt.Errorf("%w: checkpoint_threshold must exceed min_yield_check", ErrInvalidConfiguration)
	}
	if c.Engine.SegmentTimeout <= 0 {
		return fmt.Errorf("%w: segment_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.Breaker.MaxAttempts < 1 {
		return fmt.Errorf("%w: breaker max_attempts must be at least 1", ErrInvalidConfiguration)
	}
	if c.Budget.DefaultCostLimitUSD < 0 {
		return fmt.Errorf("%w: cost limit must be non-negative", ErrInvalidConfiguration)
	}
	if c.IsProduction() && c.Queue.Secret == "" {
		return fmt.Errorf("%w: queue signing secret is required in production (GOSAGA_QUEUE_SECRET)", ErrMissingConfiguration)
	}
	if c.Snapshot.RingCap < 1 {
		return fmt.Errorf("%w: snapshot ring_cap must be at least 1", ErrInvalidConfiguration)
	}
	return nil
}

// IsProduction reports whether the orchestrator runs in production mode.
// Production mode rejects unsigned queue messages.
func (c *Config) IsProduction() bool {
	return c.Mode == "production"
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

// WithName sets the orchestrator instance name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("%w: name cannot be empty", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithMode sets the runtime mode ("development" or "production").
func WithMode(mode string) Option {
	return func(c *Config) error {
		c.Mode = mode
		return nil
	}
}

// WithRedisURL sets the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("%w: redis url cannot be empty", ErrInvalidConfiguration)
		}
		c.Redis.URL = url
		return nil
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) error {
		c.Redis.KeyPrefix = prefix
		return nil
	}
}

// WithSegmentBudget tunes the yield predicate for the target platform's
// invocation limit: minCheck is the earliest yield evaluation, threshold
// the checkpoint threshold, buffer the safety margin.
func WithSegmentBudget(minCheck, threshold, buffer time.Duration) Option {
	return func(c *Config) error {
		c.Engine.MinYieldCheck = minCheck
		c.Engine.CheckpointThreshold = threshold
		c.Engine.YieldBuffer = buffer
		return nil
	}
}

// WithSegmentTimeout sets the hard per-tool-call deadline.
func WithSegmentTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Engine.SegmentTimeout = d
		return nil
	}
}

// WithMaxBatch bounds concurrent steps per batch.
func WithMaxBatch(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("%w: max batch must be at least 1", ErrInvalidConfiguration)
		}
		c.Engine.MaxBatch = n
		return nil
	}
}

// WithResumeDelay sets the delay applied to resume queue messages.
func WithResumeDelay(d time.Duration) Option {
	return func(c *Config) error {
		c.Engine.ResumeDelay = d
		return nil
	}
}

// WithLockTTL sets the workflow lock TTL and stale-recovery epsilon.
func WithLockTTL(ttl, epsilon time.Duration) Option {
	return func(c *Config) error {
		c.Lock.TTL = ttl
		c.Lock.StaleEpsilon = epsilon
		return nil
	}
}

// WithCostLimit sets the default per-execution USD ceiling.
func WithCostLimit(usd float64) Option {
	return func(c *Config) error {
		if usd < 0 {
			return fmt.Errorf("%w: cost limit must be non-negative", ErrInvalidConfiguration)
		}
		c.Budget.DefaultCostLimitUSD = usd
		return nil
	}
}

// WithCorrectionBreaker tunes the LLM correction-loop breaker.
func WithCorrectionBreaker(maxAttempts int, window, openFor time.Duration) Option {
	return func(c *Config) error {
		if maxAttempts < 1 {
			return fmt.Errorf("%w: breaker max attempts must be at least 1", ErrInvalidConfiguration)
		}
		c.Breaker.MaxAttempts = maxAttempts
		c.Breaker.Window = window
		c.Breaker.OpenFor = openFor
		return nil
	}
}

// WithQueueSecret sets the HMAC signing secret for queue messages.
func WithQueueSecret(secret string) Option {
	return func(c *Config) error {
		c.Queue.Secret = secret
		return nil
	}
}

// WithConfirmationTTL sets the lifetime of confirmation tokens.
func WithConfirmationTTL(d time.Duration) Option {
	return func(c *Config) error {
		c.Confirmation.TokenTTL = d
		return nil
	}
}

// WithRiskRules overrides the risk-classification thresholds.
func WithRiskRules(rules RiskRules) Option {
	return func(c *Config) error {
		c.Confirmation.Risk = rules
		return nil
	}
}

// WithSnapshots enables or disables replay snapshot capture.
func WithSnapshots(enabled bool) Option {
	return func(c *Config) error {
		c.Snapshot.Enabled = enabled
		return nil
	}
}

// WithTelemetry enables telemetry export to the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
			c.Logging.Level = strings.ToLower(level)
			return nil
		default:
			return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfiguration, level)
		}
	}
}

// WithConfigFile loads the given file during NewConfig assembly.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig assembles a configuration from defaults, the environment,
// and the supplied options, then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading environment configuration: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
