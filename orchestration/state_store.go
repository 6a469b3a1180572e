package orchestration

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/resilience"
	"github.com/itsneelabh/gosaga/telemetry"
)

const (
	executionKeyPrefix  = "execution_state:"
	activeExecutionsKey = "executions:active"

	// Serialized documents carry a one-byte compression flag so readers
	// never guess at the encoding.
	compressionFlagNone = '0'
	compressionFlagGzip = '1'
)

// occScript performs the compare-and-set write. The record lives in a hash:
// "ver" holds the OCC counter, "doc" the serialized record, "status" and
// "updated_at" are denormalized for index scans that should not decode the
// document. A mismatched version returns CONFLICT:<observed> and mutates
// nothing. Terminal writes drop the record from the active index.
var occScript = redis.NewScript(`
local observed = redis.call('HGET', KEYS[1], 'ver')
if not observed then
  if tonumber(ARGV[1]) ~= 0 then
    return 'CONFLICT:-1'
  end
elseif tonumber(observed) ~= tonumber(ARGV[1]) then
  return 'CONFLICT:' .. observed
end
local next_ver = tonumber(ARGV[1]) + 1
redis.call('HSET', KEYS[1], 'ver', next_ver, 'doc', ARGV[2], 'status', ARGV[3], 'updated_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
if ARGV[6] == '1' then
  redis.call('ZREM', KEYS[2], ARGV[7])
else
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[7])
end
return next_ver
`)

// RedisExecutionStore persists execution records in Redis with optimistic
// concurrency control. Every write is a version-checked server-side script;
// conflicting writers reload the record, re-derive their delta, and retry
// with backoff before giving up with CONCURRENT_MODIFICATION.
type RedisExecutionStore struct {
	client     *redis.Client
	ownsClient bool

	keyPrefix         string
	ttl               time.Duration
	failureTTL        time.Duration
	compressThreshold int
	rebase            *resilience.RetryConfig
	logger            core.Logger
}

// ExecutionStoreOption configures a RedisExecutionStore.
type ExecutionStoreOption func(*RedisExecutionStore)

// WithExecutionStoreLogger sets the logger.
func WithExecutionStoreLogger(logger core.Logger) ExecutionStoreOption {
	return func(s *RedisExecutionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExecutionStoreTTL overrides the record TTL (default 24h).
func WithExecutionStoreTTL(ttl time.Duration) ExecutionStoreOption {
	return func(s *RedisExecutionStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithExecutionStoreFailureTTL overrides how long FAILED and TIMEOUT
// records are kept for diagnosis (default 7 days).
func WithExecutionStoreFailureTTL(ttl time.Duration) ExecutionStoreOption {
	return func(s *RedisExecutionStore) {
		if ttl > 0 {
			s.failureTTL = ttl
		}
	}
}

// WithExecutionStoreKeyPrefix namespaces all keys, e.g. for tests.
func WithExecutionStoreKeyPrefix(prefix string) ExecutionStoreOption {
	return func(s *RedisExecutionStore) {
		s.keyPrefix = prefix
	}
}

// WithExecutionStoreCompressionThreshold sets the document size in bytes
// above which records are gzip-compressed (default 100KB).
func WithExecutionStoreCompressionThreshold(n int) ExecutionStoreOption {
	return func(s *RedisExecutionStore) {
		if n > 0 {
			s.compressThreshold = n
		}
	}
}

// WithExecutionStoreClient injects an existing Redis client. The store
// will not close it.
func WithExecutionStoreClient(client *redis.Client) ExecutionStoreOption {
	return func(s *RedisExecutionStore) {
		if client != nil {
			s.client = client
			s.ownsClient = false
		}
	}
}

// WithExecutionStoreRebaseConfig overrides the conflict-rebase retry
// policy. Intended for tests that need deterministic timing.
func WithExecutionStoreRebaseConfig(cfg *resilience.RetryConfig) ExecutionStoreOption {
	return func(s *RedisExecutionStore) {
		if cfg != nil {
			s.rebase = cfg
		}
	}
}

// NewRedisExecutionStore connects to Redis and returns the store. An empty
// redisURL falls back to REDIS_URL, then redis://localhost:6379.
func NewRedisExecutionStore(redisURL string, opts ...ExecutionStoreOption) (*RedisExecutionStore, error) {
	store := &RedisExecutionStore{
		ownsClient:        true,
		ttl:               getEnvDuration("GOSAGA_STATE_TTL", 24*time.Hour),
		failureTTL:        getEnvDuration("GOSAGA_STATE_FAILURE_TTL", 7*24*time.Hour),
		compressThreshold: getEnvInt("GOSAGA_STATE_COMPRESS_THRESHOLD", 100*1024),
		rebase:            resilience.ConflictRetryConfig(),
		logger:            &core.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(store)
	}

	if store.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBExecutionState, store.logger)
		if err != nil {
			return nil, fmt.Errorf("execution store: %w", err)
		}
		store.client = client
	}

	store.logger.Info("Execution store initialized", map[string]interface{}{
		"operation":          "store_init",
		"ttl":                store.ttl.String(),
		"failure_ttl":        store.failureTTL.String(),
		"compress_threshold": store.compressThreshold,
	})
	return store, nil
}

// Close releases the Redis connection if the store owns it.
func (s *RedisExecutionStore) Close() error {
	if s.ownsClient && s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RedisExecutionStore) executionKey(id string) string {
	return s.keyPrefix + executionKeyPrefix + id
}

func (s *RedisExecutionStore) activeKey() string {
	return s.keyPrefix + activeExecutionsKey
}

// Create persists a brand-new record at version 1. A record that already
// exists surfaces as a conflict.
func (s *RedisExecutionStore) Create(ctx context.Context, execution *Execution) error {
	if execution == nil || execution.ID == "" {
		return kindError("state.Create", KindValidationFailed, "",
			fmt.Errorf("execution id required: %w", core.ErrInvalidConfiguration))
	}
	if execution.Version != 0 {
		return kindError("state.Create", KindConflict, execution.ID,
			fmt.Errorf("new executions start at version 0, got %d: %w", execution.Version, core.ErrVersionConflict))
	}

	work := execution
	work.Version = 1
	work.UpdatedAt = time.Now().UTC()

	newVer, err := s.runCAS(ctx, work, 0)
	if err != nil {
		work.Version = 0
		if errors.Is(err, core.ErrVersionConflict) {
			return kindError("state.Create", KindConflict, execution.ID,
				fmt.Errorf("execution already exists: %w", err))
		}
		return err
	}

	telemetry.Counter(telemetry.MetricExecutionsCreated)
	s.logger.Debug("Execution created", map[string]interface{}{
		"operation":    "state_create",
		"execution_id": execution.ID,
		"version":      newVer,
	})
	return nil
}

// Get loads the record and its current version.
func (s *RedisExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	vals, err := s.client.HMGet(ctx, s.executionKey(executionID), "ver", "doc").Result()
	if err != nil {
		return nil, kindError("state.Get", KindStepExecutionFailed, executionID,
			fmt.Errorf("load execution: %w", err))
	}
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return nil, kindError("state.Get", "", executionID,
			fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound))
	}

	verStr, _ := vals[0].(string)
	docStr, _ := vals[1].(string)
	ver, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return nil, kindError("state.Get", KindStepExecutionFailed, executionID,
			fmt.Errorf("corrupt version field %q: %w", verStr, err))
	}

	execution, err := deserializeExecution([]byte(docStr))
	if err != nil {
		return nil, kindError("state.Get", KindStepExecutionFailed, executionID,
			fmt.Errorf("decode execution: %w", err))
	}
	// The hash field is authoritative; the embedded copy is a convenience.
	execution.Version = ver
	return execution, nil
}

// Update applies delta to base and writes the result at base.Version+1.
// On conflict it reloads the record, re-applies the delta against the
// fresh pre-image, and retries per the rebase policy. Exhaustion maps to
// CONCURRENT_MODIFICATION. The returned record is the one written.
func (s *RedisExecutionStore) Update(ctx context.Context, base *Execution, delta DeltaFunc) (*Execution, error) {
	if base == nil || base.ID == "" {
		return nil, kindError("state.Update", KindValidationFailed, "",
			fmt.Errorf("base execution required: %w", core.ErrInvalidConfiguration))
	}

	var written *Execution
	current := base
	conflicts := 0

	err := resilience.Retry(ctx, s.rebase, func() error {
		if current == nil {
			fresh, err := s.Get(ctx, base.ID)
			if err != nil {
				if core.IsNotFound(err) {
					return resilience.Permanent(err)
				}
				return err
			}
			current = fresh
		}

		work, err := applyDelta(current, delta, time.Now)
		if err != nil {
			return resilience.Permanent(err)
		}

		newVer, err := s.runCAS(ctx, work, current.Version)
		if err != nil {
			if errors.Is(err, core.ErrVersionConflict) {
				conflicts++
				telemetry.Counter(telemetry.MetricStateConflicts, "operation", "update")
				s.logger.Debug("OCC conflict, rebasing", map[string]interface{}{
					"operation":    "state_rebase",
					"execution_id": base.ID,
					"expected":     current.Version,
					"conflicts":    conflicts,
				})
				current = nil // force reload on the next attempt
				return err
			}
			return err
		}

		work.Version = newVer
		written = work
		return nil
	})

	if err != nil {
		if errors.Is(err, core.ErrMaxRetriesExceeded) && errors.Is(err, core.ErrVersionConflict) {
			return nil, kindError("state.Update", KindConcurrentModification, base.ID,
				fmt.Errorf("rebase exhausted after %d conflicts: %w: %w", conflicts, core.ErrConcurrentModification, err))
		}
		return nil, err
	}

	telemetry.Counter(telemetry.MetricStateSaves, "status", string(written.Status))
	return written, nil
}

// applyDelta clones the pre-image, runs the delta, and enforces the data
// layer's invariants: the status graph and plan immutability. Shared by
// the Redis and in-memory stores so both enforce identical rules.
func applyDelta(current *Execution, delta DeltaFunc, now func() time.Time) (*Execution, error) {
	work, err := cloneExecution(current)
	if err != nil {
		return nil, kindError("state.Update", KindStepExecutionFailed, current.ID,
			fmt.Errorf("clone execution: %w", err))
	}

	prevStatus := current.Status
	prevPlan := current.Plan.Fingerprint()

	if err := delta(work); err != nil {
		return nil, kindError("state.Update", classifyKind(err), current.ID,
			fmt.Errorf("apply delta: %w", err))
	}

	if !prevStatus.CanTransitionTo(work.Status) {
		if prevStatus.IsTerminal() {
			return nil, kindError("state.Update", KindInvalidStatusTransition, current.ID,
				fmt.Errorf("%s -> %s: %w", prevStatus, work.Status, core.ErrExecutionTerminal))
		}
		return nil, kindError("state.Update", KindInvalidStatusTransition, current.ID,
			fmt.Errorf("%s -> %s: %w", prevStatus, work.Status, core.ErrInvalidTransition))
	}

	if prevPlan != "" && work.Plan.Fingerprint() != prevPlan {
		return nil, kindError("state.Update", KindPlanValidationFailed, current.ID,
			fmt.Errorf("plan changed after freeze: %w", core.ErrPlanImmutable))
	}

	work.Version = current.Version + 1
	work.UpdatedAt = now().UTC()
	if work.Status.IsTerminal() && work.CompletedAt == nil {
		done := work.UpdatedAt
		work.CompletedAt = &done
	}
	return work, nil
}

// runCAS serializes and executes the version-checked write.
func (s *RedisExecutionStore) runCAS(ctx context.Context, work *Execution, expected int64) (int64, error) {
	doc, err := serializeExecution(work, s.compressThreshold)
	if err != nil {
		return 0, kindError("state.Update", KindStepExecutionFailed, work.ID,
			fmt.Errorf("serialize execution: %w", err))
	}

	ttl := s.ttl
	terminal := "0"
	if work.Status.IsTerminal() {
		terminal = "1"
		if work.Status == StatusFailed || work.Status == StatusTimeout {
			ttl = s.failureTTL
		}
	}

	res, err := occScript.Run(ctx, s.client,
		[]string{s.executionKey(work.ID), s.activeKey()},
		expected,
		doc,
		string(work.Status),
		work.UpdatedAt.UnixMilli(),
		ttl.Milliseconds(),
		terminal,
		work.ID,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("cas script: %w: %w", core.ErrRequestFailed, err)
	}

	switch v := res.(type) {
	case int64:
		return v, nil
	case string:
		if observed, ok := strings.CutPrefix(v, "CONFLICT:"); ok {
			return 0, fmt.Errorf("version %d superseded (observed %s): %w", expected, observed, core.ErrVersionConflict)
		}
		return 0, fmt.Errorf("cas script returned %q: %w", v, core.ErrRequestFailed)
	default:
		return 0, fmt.Errorf("cas script returned %T: %w", res, core.ErrRequestFailed)
	}
}

// ListStaleActive returns ids of non-terminal executions whose last write
// is older than the threshold, oldest first.
func (s *RedisExecutionStore) ListStaleActive(ctx context.Context, olderThan time.Duration, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan active executions: %w", err)
	}
	return ids, nil
}

// ListActive returns ids of all non-terminal executions, oldest write
// first.
func (s *RedisExecutionStore) ListActive(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, s.activeKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	return ids, nil
}

// ActiveCount reports the size of the active index.
func (s *RedisExecutionStore) ActiveCount(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

// StatusOf reads the denormalized status without decoding the document.
func (s *RedisExecutionStore) StatusOf(ctx context.Context, executionID string) (ExecutionStatus, error) {
	v, err := s.client.HGet(ctx, s.executionKey(executionID), "status").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return ExecutionStatus(v), nil
}

// PruneActive drops an execution from the active index without touching
// the record. Terminal writes already deindex themselves; this covers
// entries that outlived a TTL-reaped document.
func (s *RedisExecutionStore) PruneActive(ctx context.Context, executionID string) error {
	return s.client.ZRem(ctx, s.activeKey(), executionID).Err()
}

// Delete removes the record and its index entry.
func (s *RedisExecutionStore) Delete(ctx context.Context, executionID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.executionKey(executionID))
	pipe.ZRem(ctx, s.activeKey(), executionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete execution %s: %w", executionID, err)
	}
	return nil
}

// cloneExecution deep-copies a record via its JSON form so delta functions
// never mutate the caller's copy on a failed write.
func cloneExecution(e *Execution) (*Execution, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out Execution
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// compressDoc prefixes a compression flag byte and gzips payloads over
// the threshold. Readers never guess at the encoding.
func compressDoc(raw []byte, threshold int) ([]byte, error) {
	if threshold <= 0 || len(raw) < threshold {
		return append([]byte{compressionFlagNone}, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(compressionFlagGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressDoc reverses compressDoc.
func decompressDoc(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("document too short (%d bytes)", len(data))
	}
	payload := data[1:]

	switch data[0] {
	case compressionFlagGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		payload = raw
	case compressionFlagNone:
		// plain JSON
	default:
		return nil, fmt.Errorf("unknown compression flag %q", data[0])
	}
	return payload, nil
}

// serializeExecution marshals the record and applies the document
// compression scheme.
func serializeExecution(e *Execution, threshold int) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return compressDoc(raw, threshold)
}

// deserializeExecution reverses serializeExecution.
func deserializeExecution(data []byte) (*Execution, error) {
	payload, err := decompressDoc(data)
	if err != nil {
		return nil, err
	}
	var e Execution
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Compile-time interface check.
var _ ExecutionStore = (*RedisExecutionStore)(nil)
