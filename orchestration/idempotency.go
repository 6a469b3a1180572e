package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

const idempotencyKeyPrefix = "idempotency:"

// canonicalVersion tags the canonical form so a future change to the
// normalisation rules cannot collide with keys recorded under the old
// rules. Bump it whenever the rules below change.
const canonicalVersion = "v1|"

// IdempotencyGate is what the engine consults between parameter
// resolution and tool invocation.
type IdempotencyGate interface {
	// IsDuplicate reports whether this (user, tool, params) tuple already
	// executed successfully within the TTL.
	IsDuplicate(ctx context.Context, userID, toolName string, params map[string]interface{}) (bool, error)
	// Record marks the tuple as executed. Called only after success.
	Record(ctx context.Context, userID, toolName string, params map[string]interface{}) error
}

// CanonicalParams renders parameters in the byte-stable v1 canonical
// form: lexicographic key order, trimmed strings, HH:MM times widened to
// HH:MM:00, and all numerics in minimal decimal form so 2, 2.0 and "2"
// typed as a number collapse to one representation. Array order is
// preserved; it is semantic. Canonicalising an already-canonical value
// is a fixpoint.
func CanonicalParams(params map[string]interface{}) (string, error) {
	// Round-trip through JSON to collapse Go's numeric types into the
	// closed set the writer handles.
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(canonicalVersion)
	writeCanonical(&sb, v)
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case float64:
		sb.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case string:
		sb.WriteString(strconv.Quote(normalizeString(val)))
	case []interface{}:
		sb.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, elem)
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	default:
		// Unreachable after the JSON round-trip; kept for safety.
		sb.WriteString(strconv.Quote(fmt.Sprintf("%v", val)))
	}
}

// normalizeString trims surrounding whitespace and widens bare HH:MM
// times to HH:MM:00, the normalisation the booking tools expect.
func normalizeString(s string) string {
	s = strings.TrimSpace(s)
	if isBareClockTime(s) {
		return s + ":00"
	}
	return s
}

func isBareClockTime(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	hh := (int(s[0]-'0') * 10) + int(s[1]-'0')
	mm := (int(s[3]-'0') * 10) + int(s[4]-'0')
	return hh < 24 && mm < 60
}

// IdempotencyKey derives the dedup hash for a tool call. Field
// separators are zero bytes so "ab"+"c" and "a"+"bc" cannot collide.
func IdempotencyKey(userID, toolName string, params map[string]interface{}) (string, error) {
	canonical, err := CanonicalParams(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RedisIdempotencyStore records successful tool invocations so retried
// segments and duplicate deliveries invoke each side effect once.
type RedisIdempotencyStore struct {
	client     *redis.Client
	ownsClient bool

	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// IdempotencyStoreOption configures a RedisIdempotencyStore.
type IdempotencyStoreOption func(*RedisIdempotencyStore)

// WithIdempotencyLogger sets the logger.
func WithIdempotencyLogger(logger core.Logger) IdempotencyStoreOption {
	return func(s *RedisIdempotencyStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIdempotencyTTL overrides how long markers deduplicate (default 24h).
func WithIdempotencyTTL(ttl time.Duration) IdempotencyStoreOption {
	return func(s *RedisIdempotencyStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIdempotencyKeyPrefix namespaces all keys.
func WithIdempotencyKeyPrefix(prefix string) IdempotencyStoreOption {
	return func(s *RedisIdempotencyStore) {
		s.keyPrefix = prefix
	}
}

// WithIdempotencyClient injects an existing Redis client. The store will
// not close it.
func WithIdempotencyClient(client *redis.Client) IdempotencyStoreOption {
	return func(s *RedisIdempotencyStore) {
		if client != nil {
			s.client = client
			s.ownsClient = false
		}
	}
}

// NewRedisIdempotencyStore connects to the idempotency database.
func NewRedisIdempotencyStore(redisURL string, opts ...IdempotencyStoreOption) (*RedisIdempotencyStore, error) {
	store := &RedisIdempotencyStore{
		ownsClient: true,
		ttl:        getEnvDuration("GOSAGA_IDEMPOTENCY_TTL", 24*time.Hour),
		logger:     &core.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(store)
	}

	if store.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBIdempotency, store.logger)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		store.client = client
	}

	return store, nil
}

// Close releases the Redis connection if the store owns it.
func (s *RedisIdempotencyStore) Close() error {
	if s.ownsClient && s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RedisIdempotencyStore) markerKey(userID, hash string) string {
	return s.keyPrefix + idempotencyKeyPrefix + userID + ":" + hash
}

// IsDuplicate reports whether this tuple already executed within the TTL.
func (s *RedisIdempotencyStore) IsDuplicate(ctx context.Context, userID, toolName string, params map[string]interface{}) (bool, error) {
	hash, err := IdempotencyKey(userID, toolName, params)
	if err != nil {
		return false, kindError("idempotency.IsDuplicate", KindValidationFailed, userID, err)
	}

	n, err := s.client.Exists(ctx, s.markerKey(userID, hash)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency marker: %w", err)
	}
	if n > 0 {
		telemetry.Counter(telemetry.MetricIdempotentHits, "tool", toolName)
		s.logger.Debug("Idempotent duplicate detected", map[string]interface{}{
			"operation": "idempotency_hit",
			"tool":      toolName,
			"user_id":   userID,
		})
		return true, nil
	}
	return false, nil
}

// Record marks the tuple as executed. The marker value carries the tool
// name and timestamp for diagnosis; its content is never read back for
// the dedup decision.
func (s *RedisIdempotencyStore) Record(ctx context.Context, userID, toolName string, params map[string]interface{}) error {
	hash, err := IdempotencyKey(userID, toolName, params)
	if err != nil {
		return kindError("idempotency.Record", KindValidationFailed, userID, err)
	}

	marker, err := json.Marshal(map[string]interface{}{
		"tool":        toolName,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode idempotency marker: %w", err)
	}

	if err := s.client.Set(ctx, s.markerKey(userID, hash), marker, s.ttl).Err(); err != nil {
		return fmt.Errorf("write idempotency marker: %w", err)
	}
	return nil
}

// Forget drops a marker so the tuple may execute again. Compensation
// uses this after undoing a step's side effect.
func (s *RedisIdempotencyStore) Forget(ctx context.Context, userID, toolName string, params map[string]interface{}) error {
	hash, err := IdempotencyKey(userID, toolName, params)
	if err != nil {
		return kindError("idempotency.Forget", KindValidationFailed, userID, err)
	}
	if err := s.client.Del(ctx, s.markerKey(userID, hash)).Err(); err != nil {
		return fmt.Errorf("delete idempotency marker: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ IdempotencyGate = (*RedisIdempotencyStore)(nil)
