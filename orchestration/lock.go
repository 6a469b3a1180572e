package orchestration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

const (
	lockKeyPrefix      = "lock:"
	lockMetaSuffix     = ":meta"
	activeLockRegistry = "locks:active_registry"
)

// acquireScript takes the lock atomically. Re-entrant callers (same
// reentrancy token) bump a depth counter instead of contending. A holder
// whose lease expired past the stale grace is evicted and the contender
// takes over. The registry set gives O(1) membership for deadlock scans.
var acquireScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
local takeover = 0
if owner then
  local token = redis.call('HGET', KEYS[2], 'token')
  if token == ARGV[2] then
    local depth = redis.call('HINCRBY', KEYS[2], 'depth', 1)
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
    redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[5]))
    return 'REENTRANT:' .. owner .. ':' .. depth
  end
  local acquired = tonumber(redis.call('HGET', KEYS[2], 'acquired_at') or '0')
  local lease = tonumber(redis.call('HGET', KEYS[2], 'ttl_ms') or '0')
  if acquired > 0 and (acquired + lease + tonumber(ARGV[5])) > tonumber(ARGV[4]) then
    return 'HELD:' .. owner
  end
  redis.call('DEL', KEYS[1])
  redis.call('DEL', KEYS[2])
  takeover = 1
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('HSET', KEYS[2], 'owner', ARGV[1], 'token', ARGV[2], 'depth', '1', 'operation', ARGV[6], 'trace_id', ARGV[7], 'execution_id', ARGV[8], 'acquired_at', ARGV[4], 'ttl_ms', ARGV[3])
redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[5]))
redis.call('SADD', KEYS[3], ARGV[9])
if takeover == 1 then
  return 'TAKEOVER'
end
return 'ACQUIRED'
`)

// releaseScript decrements the depth counter and deletes the lock at
// depth 0. Only the recorded owner may release; a mismatch mutates
// nothing.
var releaseScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  redis.call('SREM', KEYS[3], ARGV[2])
  return 'GONE'
end
if owner ~= ARGV[1] then
  return 'MISMATCH:' .. owner
end
local depth = redis.call('HINCRBY', KEYS[2], 'depth', -1)
if depth > 0 then
  return 'NESTED:' .. depth
end
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[2])
return 'RELEASED'
`)

// extendScript renews the lease. acquired_at moves forward so the stale
// window restarts from the extension, not the original acquire.
var extendScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  return 'GONE'
end
if owner ~= ARGV[1] then
  return 'MISMATCH:' .. owner
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[2], 'ttl_ms', ARGV[2], 'acquired_at', ARGV[3])
redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[2]) + tonumber(ARGV[4]))
return 'EXTENDED'
`)

// recoverScript force-deletes a lock only if it is still stale at
// execution time, so a scan result can never evict a holder that renewed
// between detection and recovery.
var recoverScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  redis.call('DEL', KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[3])
  return 'CLEANED'
end
local acquired = tonumber(redis.call('HGET', KEYS[2], 'acquired_at') or '0')
local lease = tonumber(redis.call('HGET', KEYS[2], 'ttl_ms') or '0')
if acquired > 0 and (acquired + lease + tonumber(ARGV[2])) > tonumber(ARGV[1]) then
  return 'LIVE'
end
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[3])
return 'RECOVERED'
`)

// LockInfo describes a currently held lock, read from its metadata hash.
type LockInfo struct {
	Key         string    `json:"key"`
	Owner       string    `json:"owner"`
	Operation   string    `json:"operation"`
	TraceID     string    `json:"trace_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Depth       int       `json:"depth"`
	AcquiredAt  time.Time `json:"acquired_at"`
	TTL         time.Duration
	Stale       bool `json:"stale"`
}

// LockService implements re-entrant distributed locks on Redis. Locks
// coordinate engine entry, not data integrity: the OCC state store holds
// integrity, so a lost lock degrades to wasted work, never corruption.
type LockService struct {
	client     *redis.Client
	ownsClient bool

	keyPrefix  string
	defaultTTL time.Duration
	staleGrace time.Duration
	logger     core.Logger
}

// LockServiceOption configures a LockService.
type LockServiceOption func(*LockService)

// WithLockServiceLogger sets the logger.
func WithLockServiceLogger(logger core.Logger) LockServiceOption {
	return func(s *LockService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLockServiceTTL sets the default lease duration (default 30s).
func WithLockServiceTTL(ttl time.Duration) LockServiceOption {
	return func(s *LockService) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithLockServiceStaleGrace sets the grace added to a lease before a
// contender may evict the holder (default 10s).
func WithLockServiceStaleGrace(grace time.Duration) LockServiceOption {
	return func(s *LockService) {
		if grace > 0 {
			s.staleGrace = grace
		}
	}
}

// WithLockServiceKeyPrefix namespaces all lock keys.
func WithLockServiceKeyPrefix(prefix string) LockServiceOption {
	return func(s *LockService) {
		s.keyPrefix = prefix
	}
}

// WithLockServiceClient injects an existing Redis client. The service
// will not close it.
func WithLockServiceClient(client *redis.Client) LockServiceOption {
	return func(s *LockService) {
		if client != nil {
			s.client = client
			s.ownsClient = false
		}
	}
}

// NewLockService connects to the lock database and returns the service.
func NewLockService(redisURL string, opts ...LockServiceOption) (*LockService, error) {
	svc := &LockService{
		ownsClient: true,
		defaultTTL: getEnvDuration("GOSAGA_LOCK_TTL", 30*time.Second),
		staleGrace: getEnvDuration("GOSAGA_LOCK_STALE_GRACE", 10*time.Second),
		logger:     &core.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBLocks, svc.logger)
		if err != nil {
			return nil, fmt.Errorf("lock service: %w", err)
		}
		svc.client = client
	}

	svc.logger.Info("Lock service initialized", map[string]interface{}{
		"operation":   "lock_init",
		"default_ttl": svc.defaultTTL.String(),
		"stale_grace": svc.staleGrace.String(),
	})
	return svc, nil
}

// Close releases the Redis connection if the service owns it.
func (s *LockService) Close() error {
	if s.ownsClient && s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *LockService) lockKey(key string) string {
	return s.keyPrefix + lockKeyPrefix + key
}

func (s *LockService) metaKey(key string) string {
	return s.lockKey(key) + lockMetaSuffix
}

func (s *LockService) registryKey() string {
	return s.keyPrefix + activeLockRegistry
}

// reentrancyToken identifies a logical call chain. Calls sharing a trace
// re-enter each other's locks; without a trace the execution id is the
// next best correlation; otherwise every acquire is a distinct owner.
func reentrancyToken(traceID, executionID string) string {
	if traceID != "" {
		return "trace:" + traceID
	}
	if executionID != "" {
		return "exec:" + executionID
	}
	return "anon:" + uuid.NewString()
}

// LockHandle represents one successful acquisition. Release must be
// called once per successful Acquire; nested acquisitions unwind in
// LIFO order through the shared depth counter.
type LockHandle struct {
	service *LockService

	Key     string
	OwnerID string
	Depth   int

	token string
}

// Acquire takes the lock, re-entrantly when the same trace already holds
// it. Contention returns an error wrapping core.ErrLockHeld without
// blocking; callers decide whether to back off or walk away.
func (s *LockService) Acquire(ctx context.Context, key string, ttl time.Duration, operation, traceID, executionID string) (*LockHandle, error) {
	if key == "" {
		return nil, kindError("lock.Acquire", KindValidationFailed, "",
			fmt.Errorf("lock key required: %w", core.ErrInvalidConfiguration))
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	candidate := uuid.NewString()
	token := reentrancyToken(traceID, executionID)
	now := time.Now().UnixMilli()

	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.lockKey(key), s.metaKey(key), s.registryKey()},
		candidate,
		token,
		ttl.Milliseconds(),
		now,
		s.staleGrace.Milliseconds(),
		operation,
		traceID,
		executionID,
		key,
	).Result()
	if err != nil {
		return nil, kindError("lock.Acquire", "", key,
			fmt.Errorf("acquire script: %w: %w", core.ErrRequestFailed, err))
	}

	verdict, _ := res.(string)
	switch {
	case verdict == "ACQUIRED":
		telemetry.Counter(telemetry.MetricLockAcquired, "mode", "fresh")
		return &LockHandle{service: s, Key: key, OwnerID: candidate, Depth: 1, token: token}, nil

	case verdict == "TAKEOVER":
		telemetry.Counter(telemetry.MetricLockAcquired, "mode", "stale_takeover")
		telemetry.Counter(telemetry.MetricLockStale, "action", "evicted")
		s.logger.Warn("Stale lock evicted on acquire", map[string]interface{}{
			"operation":    "lock_stale_takeover",
			"lock_key":     key,
			"execution_id": executionID,
		})
		return &LockHandle{service: s, Key: key, OwnerID: candidate, Depth: 1, token: token}, nil

	case strings.HasPrefix(verdict, "REENTRANT:"):
		rest := strings.TrimPrefix(verdict, "REENTRANT:")
		idx := strings.LastIndex(rest, ":")
		owner, depthStr := rest[:idx], rest[idx+1:]
		depth, _ := strconv.Atoi(depthStr)
		telemetry.Counter(telemetry.MetricLockAcquired, "mode", "reentrant")
		return &LockHandle{service: s, Key: key, OwnerID: owner, Depth: depth, token: token}, nil

	case strings.HasPrefix(verdict, "HELD:"):
		telemetry.Counter(telemetry.MetricLockContention, "lock", operation)
		return nil, kindError("lock.Acquire", KindConflict, key,
			fmt.Errorf("lock %s held by %s: %w", key, strings.TrimPrefix(verdict, "HELD:"), core.ErrLockHeld))

	default:
		return nil, kindError("lock.Acquire", "", key,
			fmt.Errorf("acquire script returned %q: %w", verdict, core.ErrRequestFailed))
	}
}

// Release decrements the depth counter and frees the lock at depth 0.
// Releasing a lock owned by someone else fails with OWNER_MISMATCH and
// leaves the holder untouched.
func (h *LockHandle) Release(ctx context.Context) error {
	s := h.service
	res, err := releaseScript.Run(ctx, s.client,
		[]string{s.lockKey(h.Key), s.metaKey(h.Key), s.registryKey()},
		h.OwnerID,
		h.Key,
	).Result()
	if err != nil {
		return kindError("lock.Release", "", h.Key,
			fmt.Errorf("release script: %w: %w", core.ErrRequestFailed, err))
	}

	verdict, _ := res.(string)
	switch {
	case verdict == "RELEASED" || verdict == "GONE":
		return nil
	case strings.HasPrefix(verdict, "NESTED:"):
		return nil
	case strings.HasPrefix(verdict, "MISMATCH:"):
		return kindError("lock.Release", KindOwnerMismatch, h.Key,
			fmt.Errorf("lock %s now owned by %s: %w", h.Key, strings.TrimPrefix(verdict, "MISMATCH:"), core.ErrOwnerMismatch))
	default:
		return kindError("lock.Release", "", h.Key,
			fmt.Errorf("release script returned %q: %w", verdict, core.ErrRequestFailed))
	}
}

// Extend renews the lease for ttl from now. Only the recorded owner may
// extend.
func (h *LockHandle) Extend(ctx context.Context, ttl time.Duration) error {
	s := h.service
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	res, err := extendScript.Run(ctx, s.client,
		[]string{s.lockKey(h.Key), s.metaKey(h.Key)},
		h.OwnerID,
		ttl.Milliseconds(),
		time.Now().UnixMilli(),
		s.staleGrace.Milliseconds(),
	).Result()
	if err != nil {
		return kindError("lock.Extend", "", h.Key,
			fmt.Errorf("extend script: %w: %w", core.ErrRequestFailed, err))
	}

	verdict, _ := res.(string)
	switch {
	case verdict == "EXTENDED":
		return nil
	case verdict == "GONE":
		return kindError("lock.Extend", KindOwnerMismatch, h.Key,
			fmt.Errorf("lock %s expired before extend: %w", h.Key, core.ErrOwnerMismatch))
	case strings.HasPrefix(verdict, "MISMATCH:"):
		return kindError("lock.Extend", KindOwnerMismatch, h.Key,
			fmt.Errorf("lock %s now owned by %s: %w", h.Key, strings.TrimPrefix(verdict, "MISMATCH:"), core.ErrOwnerMismatch))
	default:
		return kindError("lock.Extend", "", h.Key,
			fmt.Errorf("extend script returned %q: %w", verdict, core.ErrRequestFailed))
	}
}

// IsStillOwner reports whether this handle's owner id is still the one
// recorded on the lock.
func (h *LockHandle) IsStillOwner(ctx context.Context) (bool, error) {
	owner, err := h.service.client.Get(ctx, h.service.lockKey(h.Key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock owner: %w", err)
	}
	return owner == h.OwnerID, nil
}

// GetInfo reads a lock's metadata. Missing locks return nil, nil.
func (s *LockService) GetInfo(ctx context.Context, key string) (*LockInfo, error) {
	meta, err := s.client.HGetAll(ctx, s.metaKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("read lock meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return s.infoFromMeta(key, meta, time.Now()), nil
}

func (s *LockService) infoFromMeta(key string, meta map[string]string, now time.Time) *LockInfo {
	depth, _ := strconv.Atoi(meta["depth"])
	acquiredMs, _ := strconv.ParseInt(meta["acquired_at"], 10, 64)
	ttlMs, _ := strconv.ParseInt(meta["ttl_ms"], 10, 64)

	info := &LockInfo{
		Key:         key,
		Owner:       meta["owner"],
		Operation:   meta["operation"],
		TraceID:     meta["trace_id"],
		ExecutionID: meta["execution_id"],
		Depth:       depth,
		AcquiredAt:  time.UnixMilli(acquiredMs).UTC(),
		TTL:         time.Duration(ttlMs) * time.Millisecond,
	}
	info.Stale = acquiredMs == 0 ||
		now.After(info.AcquiredAt.Add(info.TTL).Add(s.staleGrace))
	return info
}

// DetectStale scans the active-lock registry and returns locks whose
// lease plus grace has elapsed. Only registry members matching the
// prefix are considered; the scan never touches the whole keyspace.
func (s *LockService) DetectStale(ctx context.Context, pattern string) ([]*LockInfo, error) {
	members, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("scan lock registry: %w", err)
	}

	now := time.Now()
	var stale []*LockInfo
	for _, key := range members {
		if pattern != "" && !matchLockPattern(pattern, key) {
			continue
		}
		meta, err := s.client.HGetAll(ctx, s.metaKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("read lock meta %s: %w", key, err)
		}
		if len(meta) == 0 {
			// Lock expired naturally; the registry entry is debris.
			s.client.SRem(ctx, s.registryKey(), key)
			continue
		}
		if info := s.infoFromMeta(key, meta, now); info.Stale {
			stale = append(stale, info)
		}
	}

	if len(stale) > 0 {
		telemetry.Counter(telemetry.MetricLockStale, "action", "detected")
	}
	return stale, nil
}

// RecoverStale force-releases every stale lock matching the pattern and
// returns how many were recovered. Each eviction recheck runs
// server-side so a holder that renewed since detection survives.
func (s *LockService) RecoverStale(ctx context.Context, pattern string) (int, error) {
	stale, err := s.DetectStale(ctx, pattern)
	if err != nil {
		return 0, err
	}

	recovered := 0
	now := time.Now().UnixMilli()
	for _, info := range stale {
		res, err := recoverScript.Run(ctx, s.client,
			[]string{s.lockKey(info.Key), s.metaKey(info.Key), s.registryKey()},
			now,
			s.staleGrace.Milliseconds(),
			info.Key,
		).Result()
		if err != nil {
			return recovered, kindError("lock.RecoverStale", "", info.Key,
				fmt.Errorf("recover script: %w: %w", core.ErrRequestFailed, err))
		}
		if verdict, _ := res.(string); verdict == "RECOVERED" || verdict == "CLEANED" {
			recovered++
			s.logger.Warn("Stale lock recovered", map[string]interface{}{
				"operation":    "lock_recover",
				"lock_key":     info.Key,
				"owner":        info.Owner,
				"execution_id": info.ExecutionID,
				"acquired_at":  info.AcquiredAt.Format(time.RFC3339),
			})
		}
	}

	if recovered > 0 {
		telemetry.Counter(telemetry.MetricLockStale, "action", "recovered")
	}
	return recovered, nil
}

// ActiveLocks returns the registry members, optionally filtered by a
// glob-style pattern ("workflow:*").
func (s *LockService) ActiveLocks(ctx context.Context, pattern string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("scan lock registry: %w", err)
	}
	if pattern == "" {
		return members, nil
	}
	var out []string
	for _, key := range members {
		if matchLockPattern(pattern, key) {
			out = append(out, key)
		}
	}
	return out, nil
}

// matchLockPattern supports the single trailing-star form used by the
// deadlock scanner ("workflow:*"); anything else is an exact match.
func matchLockPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
