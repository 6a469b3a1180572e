package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

const (
	snapshotKeyPrefix   = "snapshot:"
	snapshotIndexPrefix = "snapshots:"

	// redactedValue replaces secret-shaped fields before a snapshot is
	// persisted. Snapshots outlive the execution and may be exported for
	// diagnosis, so credentials never reach them in cleartext.
	redactedValue = "[REDACTED]"
)

// secretKeyFragments flags map keys whose values are scrubbed from
// snapshots. Matching is case-insensitive substring.
var secretKeyFragments = []string{
	"password", "secret", "token", "api_key", "apikey",
	"authorization", "credential", "private_key", "card_number", "cvv",
}

// Snapshot is one sanitised point-in-time capture of an execution, taken
// at a segment boundary or after a step commit. StepIndex is the lowest
// plan index still pending at capture time, so replay can seek the latest
// capture at or before a chosen step and run forward from there.
type Snapshot struct {
	ExecutionID   string            `json:"execution_id"`
	StepIndex     int               `json:"step_index"`
	SegmentNumber int               `json:"segment_number"`
	CapturedAt    time.Time         `json:"captured_at"`
	Environment   map[string]string `json:"environment,omitempty"`
	State         *Execution        `json:"state"`
}

// SnapshotRef locates one stored snapshot without loading its body.
type SnapshotRef struct {
	ExecutionID string
	StepIndex   int
	CapturedAt  time.Time
}

// SnapshotStore persists execution snapshots in Redis with a hard TTL
// and a bounded per-execution index: the newest entries win, older ones
// fall off the ring and their values expire on their own.
type SnapshotStore struct {
	client     *redis.Client
	ownsClient bool

	keyPrefix string
	cfg       core.SnapshotConfig
	logger    core.Logger
	now       func() time.Time
}

// SnapshotOption configures a SnapshotStore.
type SnapshotOption func(*SnapshotStore)

// WithSnapshotLogger sets the logger.
func WithSnapshotLogger(logger core.Logger) SnapshotOption {
	return func(s *SnapshotStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSnapshotConfig replaces the capture knobs (TTL, compression
// threshold, ring capacity, per-step capture).
func WithSnapshotConfig(cfg core.SnapshotConfig) SnapshotOption {
	return func(s *SnapshotStore) { s.cfg = cfg }
}

// WithSnapshotKeyPrefix namespaces all keys.
func WithSnapshotKeyPrefix(prefix string) SnapshotOption {
	return func(s *SnapshotStore) { s.keyPrefix = prefix }
}

// WithSnapshotClient injects an existing Redis client. The store will
// not close it.
func WithSnapshotClient(client *redis.Client) SnapshotOption {
	return func(s *SnapshotStore) {
		if client != nil {
			s.client = client
			s.ownsClient = false
		}
	}
}

// NewSnapshotStore connects to the snapshots database.
func NewSnapshotStore(redisURL string, opts ...SnapshotOption) (*SnapshotStore, error) {
	s := &SnapshotStore{
		ownsClient: true,
		cfg:        core.DefaultConfig().Snapshot,
		logger:     &core.NoOpLogger{},
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.RingCap < 1 {
		s.cfg.RingCap = core.DefaultConfig().Snapshot.RingCap
	}

	if s.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBSnapshots, s.logger)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		s.client = client
	}

	return s, nil
}

// Close releases the Redis connection if the store owns it.
func (s *SnapshotStore) Close() error {
	if s.ownsClient && s.client != nil {
		return s.client.Close()
	}
	return nil
}

// PerStep reports whether the engine should capture after every step
// commit in addition to segment boundaries.
func (s *SnapshotStore) PerStep() bool {
	return s.cfg.Enabled && s.cfg.PerStep
}

func (s *SnapshotStore) valueKey(executionID, member string) string {
	return s.keyPrefix + snapshotKeyPrefix + executionID + ":" + member
}

func (s *SnapshotStore) indexKey(executionID string) string {
	return s.keyPrefix + snapshotIndexPrefix + executionID
}

// Capture persists a sanitised copy of the execution keyed by the step
// boundary it represents. Disabled stores return nil without touching
// Redis. The per-execution index keeps only the newest RingCap entries;
// evicted values are left to their TTL.
func (s *SnapshotStore) Capture(ctx context.Context, execution *Execution) (*SnapshotRef, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}

	state, err := sanitizeExecution(execution)
	if err != nil {
		return nil, fmt.Errorf("sanitize snapshot: %w", err)
	}

	snapshot := &Snapshot{
		ExecutionID:   execution.ID,
		StepIndex:     nextStepIndex(execution),
		SegmentNumber: execution.SegmentNumber,
		CapturedAt:    s.now().UTC().Truncate(time.Millisecond),
		Environment:   snapshotEnvironment(),
		State:         state,
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	doc, err := compressDoc(raw, s.cfg.CompressThreshold)
	if err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}

	member := snapshotMember(snapshot.StepIndex, snapshot.CapturedAt)
	index := s.indexKey(execution.ID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.valueKey(execution.ID, member), doc, s.cfg.TTL)
	pipe.ZAdd(ctx, index, &redis.Z{
		Score:  float64(snapshot.CapturedAt.UnixMilli()),
		Member: member,
	})
	pipe.ZRemRangeByRank(ctx, index, 0, -(s.cfg.RingCap + 1))
	pipe.Expire(ctx, index, s.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	telemetry.Counter(telemetry.MetricSnapshotsTaken)
	s.logger.Debug("Snapshot captured", map[string]interface{}{
		"operation":    "snapshot_capture",
		"execution_id": execution.ID,
		"step_index":   snapshot.StepIndex,
		"segment":      snapshot.SegmentNumber,
		"bytes":        len(doc),
	})

	return &SnapshotRef{
		ExecutionID: execution.ID,
		StepIndex:   snapshot.StepIndex,
		CapturedAt:  snapshot.CapturedAt,
	}, nil
}

// List returns the indexed snapshots for an execution, oldest first.
func (s *SnapshotStore) List(ctx context.Context, executionID string) ([]SnapshotRef, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	refs := make([]SnapshotRef, 0, len(members))
	for _, member := range members {
		ref, err := parseSnapshotMember(executionID, member)
		if err != nil {
			s.logger.Warn("Dropping malformed snapshot index entry", map[string]interface{}{
				"operation":    "snapshot_list",
				"execution_id": executionID,
				"entry":        member,
			})
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Load fetches and decodes one snapshot. A value reaped by TTL returns
// core.ErrSnapshotNotFound.
func (s *SnapshotStore) Load(ctx context.Context, ref SnapshotRef) (*Snapshot, error) {
	member := snapshotMember(ref.StepIndex, ref.CapturedAt)
	data, err := s.client.Get(ctx, s.valueKey(ref.ExecutionID, member)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("snapshot %s at step %d: %w", ref.ExecutionID, ref.StepIndex, core.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	payload, err := decompressDoc(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// Nearest returns the latest snapshot taken at or before the given plan
// step index. Index entries whose values were reaped by TTL are pruned
// and skipped; core.ErrSnapshotNotFound when nothing qualifies.
func (s *SnapshotStore) Nearest(ctx context.Context, executionID string, stepIndex int) (*Snapshot, error) {
	refs, err := s.List(ctx, executionID)
	if err != nil {
		return nil, err
	}

	candidates := refs[:0]
	for _, ref := range refs {
		if ref.StepIndex <= stepIndex {
			candidates = append(candidates, ref)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].StepIndex != candidates[j].StepIndex {
			return candidates[i].StepIndex > candidates[j].StepIndex
		}
		return candidates[i].CapturedAt.After(candidates[j].CapturedAt)
	})

	for _, ref := range candidates {
		snapshot, err := s.Load(ctx, ref)
		if errors.Is(err, core.ErrSnapshotNotFound) {
			s.client.ZRem(ctx, s.indexKey(executionID), snapshotMember(ref.StepIndex, ref.CapturedAt))
			continue
		}
		if err != nil {
			return nil, err
		}
		return snapshot, nil
	}
	return nil, fmt.Errorf("no snapshot at or before step %d for %s: %w", stepIndex, executionID, core.ErrSnapshotNotFound)
}

// snapshotMember encodes the index entry as "{stepIndex}:{unixMilli}" so
// the value key can be reconstructed without loading anything.
func snapshotMember(stepIndex int, capturedAt time.Time) string {
	return strconv.Itoa(stepIndex) + ":" + strconv.FormatInt(capturedAt.UnixMilli(), 10)
}

func parseSnapshotMember(executionID, member string) (SnapshotRef, error) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return SnapshotRef{}, fmt.Errorf("malformed snapshot index entry %q", member)
	}
	stepIndex, err := strconv.Atoi(parts[0])
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("malformed snapshot index entry %q: %w", member, err)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return SnapshotRef{}, fmt.Errorf("malformed snapshot index entry %q: %w", member, err)
	}
	return SnapshotRef{
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		CapturedAt:  time.UnixMilli(ms).UTC(),
	}, nil
}

// snapshotEnvironment records where the capture happened.
func snapshotEnvironment() map[string]string {
	env := map[string]string{"go": runtime.Version()}
	if host, err := os.Hostname(); err == nil {
		env["host"] = host
	}
	return env
}

// sanitizeExecution deep-copies the record and redacts secret-shaped
// fields from every parameter, output, and context map.
func sanitizeExecution(e *Execution) (*Execution, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var clone Execution
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, err
	}

	if clone.Plan != nil {
		for i := range clone.Plan.Steps {
			clone.Plan.Steps[i].Params = redactSecrets(clone.Plan.Steps[i].Params)
		}
	}
	for _, step := range clone.Steps {
		step.Input = redactSecrets(step.Input)
		step.Output = redactSecrets(step.Output)
	}
	for i := range clone.RegisteredCompensations {
		clone.RegisteredCompensations[i].Params = redactSecrets(clone.RegisteredCompensations[i].Params)
	}
	clone.Context = redactSecrets(clone.Context)
	return &clone, nil
}

// redactSecrets copies the map, replacing values under secret-shaped
// keys and descending into nested maps and slices.
func redactSecrets(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if secretKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return redactSecrets(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func secretKey(key string) bool {
	k := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}
