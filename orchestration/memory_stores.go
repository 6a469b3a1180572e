package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// MemoryExecutionStore keeps execution records in process memory. It
// enforces the same invariants as the Redis store (status graph, plan
// freeze, version per write) so the engine behaves identically on both;
// only durability is traded away. Intended for tests, examples, and
// single-process embedding.
type MemoryExecutionStore struct {
	mu     sync.RWMutex
	docs   map[string]*Execution
	active map[string]time.Time

	now func() time.Time
}

// NewMemoryExecutionStore returns an empty in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		docs:   make(map[string]*Execution),
		active: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Create persists a brand-new record at version 1. A record that already
// exists surfaces as a conflict.
func (s *MemoryExecutionStore) Create(ctx context.Context, execution *Execution) error {
	if execution == nil || execution.ID == "" {
		return kindError("state.Create", KindValidationFailed, "",
			fmt.Errorf("execution id required: %w", core.ErrInvalidConfiguration))
	}
	if execution.Version != 0 {
		return kindError("state.Create", KindConflict, execution.ID,
			fmt.Errorf("new executions start at version 0, got %d: %w", execution.Version, core.ErrVersionConflict))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[execution.ID]; exists {
		return kindError("state.Create", KindConflict, execution.ID,
			fmt.Errorf("execution already exists: %w", core.ErrVersionConflict))
	}

	execution.Version = 1
	execution.UpdatedAt = s.now().UTC()

	stored, err := cloneExecution(execution)
	if err != nil {
		execution.Version = 0
		return kindError("state.Create", KindStepExecutionFailed, execution.ID,
			fmt.Errorf("clone execution: %w", err))
	}
	s.docs[stored.ID] = stored
	s.index(stored)
	return nil
}

// Get loads a copy of the record; callers may mutate it freely.
func (s *MemoryExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	stored, exists := s.docs[executionID]
	s.mu.RUnlock()
	if !exists {
		return nil, kindError("state.Get", "", executionID,
			fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound))
	}

	out, err := cloneExecution(stored)
	if err != nil {
		return nil, kindError("state.Get", KindStepExecutionFailed, executionID,
			fmt.Errorf("clone execution: %w", err))
	}
	return out, nil
}

// Update applies delta against the freshest stored record. The store
// lock is held across the write, so every update rebases successfully on
// its first attempt; staleness of the caller's base never surfaces. The
// error surface matches the Redis store.
func (s *MemoryExecutionStore) Update(ctx context.Context, base *Execution, delta DeltaFunc) (*Execution, error) {
	if base == nil || base.ID == "" {
		return nil, kindError("state.Update", KindValidationFailed, "",
			fmt.Errorf("base execution required: %w", core.ErrInvalidConfiguration))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[base.ID]
	if !exists {
		return nil, kindError("state.Get", "", base.ID,
			fmt.Errorf("execution %s: %w", base.ID, core.ErrExecutionNotFound))
	}

	work, err := applyDelta(current, delta, s.now)
	if err != nil {
		return nil, err
	}

	stored, err := cloneExecution(work)
	if err != nil {
		return nil, kindError("state.Update", KindStepExecutionFailed, base.ID,
			fmt.Errorf("clone execution: %w", err))
	}
	s.docs[stored.ID] = stored
	s.index(stored)
	return work, nil
}

// index mirrors the Redis active ZSet: non-terminal records are scored
// by their last write, terminal writes deindex themselves.
func (s *MemoryExecutionStore) index(e *Execution) {
	if e.Status.IsTerminal() {
		delete(s.active, e.ID)
		return
	}
	s.active[e.ID] = e.UpdatedAt
}

// ListStaleActive returns ids of non-terminal executions whose last write
// is older than the threshold, oldest first.
func (s *MemoryExecutionStore) ListStaleActive(ctx context.Context, olderThan time.Duration, limit int64) ([]string, error) {
	cutoff := s.now().Add(-olderThan)
	return s.listActive(func(at time.Time) bool { return !at.After(cutoff) }, limit), nil
}

// ListActive returns ids of all non-terminal executions, oldest write
// first.
func (s *MemoryExecutionStore) ListActive(ctx context.Context, limit int64) ([]string, error) {
	return s.listActive(func(time.Time) bool { return true }, limit), nil
}

func (s *MemoryExecutionStore) listActive(include func(time.Time) bool, limit int64) []string {
	if limit <= 0 {
		limit = 100
	}

	type entry struct {
		id string
		at time.Time
	}

	s.mu.RLock()
	matches := make([]entry, 0, len(s.active))
	for id, at := range s.active {
		if include(at) {
			matches = append(matches, entry{id: id, at: at})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].at.Equal(matches[j].at) {
			return matches[i].id < matches[j].id
		}
		return matches[i].at.Before(matches[j].at)
	})
	if int64(len(matches)) > limit {
		matches = matches[:limit]
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return ids
}

// ActiveCount reports the size of the active index.
func (s *MemoryExecutionStore) ActiveCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.active)), nil
}

// StatusOf reads the status without copying the document.
func (s *MemoryExecutionStore) StatusOf(ctx context.Context, executionID string) (ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.docs[executionID]
	if !exists {
		return "", fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}
	return stored.Status, nil
}

// PruneActive drops an execution from the active index without touching
// the record.
func (s *MemoryExecutionStore) PruneActive(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, executionID)
	return nil
}

// Delete removes the record and its index entry.
func (s *MemoryExecutionStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, executionID)
	delete(s.active, executionID)
	return nil
}

// Count returns the number of stored records (useful for testing).
func (s *MemoryExecutionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// MemoryIdempotencyStore records invocation markers in process memory,
// hashing tuples exactly like the Redis store so the two are
// interchangeable.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	markers map[string]time.Time

	ttl time.Duration
	now func() time.Time
}

// NewMemoryIdempotencyStore returns an empty in-memory gate whose
// markers deduplicate for ttl. A zero ttl means markers never expire.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		markers: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// IsDuplicate reports whether this tuple already executed within the TTL.
// Expired markers are evicted lazily on lookup.
func (s *MemoryIdempotencyStore) IsDuplicate(ctx context.Context, userID, toolName string, params map[string]interface{}) (bool, error) {
	hash, err := IdempotencyKey(userID, toolName, params)
	if err != nil {
		return false, kindError("idempotency.IsDuplicate", KindValidationFailed, userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + ":" + hash
	expiry, exists := s.markers[key]
	if !exists {
		return false, nil
	}
	if !expiry.IsZero() && s.now().After(expiry) {
		delete(s.markers, key)
		return false, nil
	}
	return true, nil
}

// Record marks the tuple as executed.
func (s *MemoryIdempotencyStore) Record(ctx context.Context, userID, toolName string, params map[string]interface{}) error {
	hash, err := IdempotencyKey(userID, toolName, params)
	if err != nil {
		return kindError("idempotency.Record", KindValidationFailed, userID, err)
	}

	var expiry time.Time
	if s.ttl > 0 {
		expiry = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[userID+":"+hash] = expiry
	return nil
}

// Forget drops a marker so the tuple may execute again. Compensation
// uses this after undoing a step's side effect.
func (s *MemoryIdempotencyStore) Forget(ctx context.Context, userID, toolName string, params map[string]interface{}) error {
	hash, err := IdempotencyKey(userID, toolName, params)
	if err != nil {
		return kindError("idempotency.Forget", KindValidationFailed, userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, userID+":"+hash)
	return nil
}

// delayedResume is a resume message waiting out its delivery delay.
type delayedResume struct {
	msg     *ResumeMessage
	readyAt time.Time
}

// MemoryResumeQueue carries resume messages through process memory with
// the Redis queue's delivery semantics: optional delivery delay, bounded
// redelivery, and a dead-letter list. Bodies are not signed; the
// messages never leave the process.
type MemoryResumeQueue struct {
	mu      sync.Mutex
	ready   []*ResumeMessage
	delayed []delayedResume
	dead    []DeadLetterEntry

	maxDeliveries int
	resumeDelay   time.Duration
	pollInterval  time.Duration
	now           func() time.Time
}

// NewMemoryResumeQueue returns an empty queue that delivers immediately
// and dead-letters after three deliveries.
func NewMemoryResumeQueue() *MemoryResumeQueue {
	return &MemoryResumeQueue{
		maxDeliveries: 3,
		pollInterval:  10 * time.Millisecond,
		now:           time.Now,
	}
}

// Enqueue stores one resume message, applying the configured delay.
func (q *MemoryResumeQueue) Enqueue(ctx context.Context, msg *ResumeMessage) error {
	if msg == nil || msg.ExecutionID == "" {
		return fmt.Errorf("enqueue: message must carry an execution id: %w", core.ErrInvalidConfiguration)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}
	if msg.TraceID == "" {
		msg.TraceID = telemetry.TraceIDFromContext(ctx)
	}

	stored := *msg
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(&stored, q.resumeDelay)
	return nil
}

// push appends to the delayed set or the ready list. Callers hold q.mu.
func (q *MemoryResumeQueue) push(msg *ResumeMessage, delay time.Duration) {
	if delay > 0 {
		q.delayed = append(q.delayed, delayedResume{msg: msg, readyAt: q.now().Add(delay)})
		return
	}
	q.ready = append(q.ready, msg)
}

// promoteDue moves messages whose delay elapsed onto the ready list.
// Callers hold q.mu.
func (q *MemoryResumeQueue) promoteDue() {
	if len(q.delayed) == 0 {
		return
	}
	now := q.now()
	keep := q.delayed[:0]
	for _, d := range q.delayed {
		if d.readyAt.After(now) {
			keep = append(keep, d)
			continue
		}
		q.ready = append(q.ready, d.msg)
	}
	q.delayed = keep
}

// Dequeue returns the next resume message in FIFO order, waiting up to
// wait. Returns (nil, nil) when the wait elapses with nothing to deliver.
func (q *MemoryResumeQueue) Dequeue(ctx context.Context, wait time.Duration) (*ResumeMessage, error) {
	deadline := q.now().Add(wait)

	for {
		q.mu.Lock()
		q.promoteDue()
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			msg.Deliveries++
			out := *msg
			q.mu.Unlock()
			return &out, nil
		}
		q.mu.Unlock()

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		pause := q.pollInterval
		if pause > remaining {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

// Requeue schedules a failed delivery for another attempt, or moves the
// message to the dead-letter list once deliveries are exhausted.
func (q *MemoryResumeQueue) Requeue(ctx context.Context, msg *ResumeMessage, reason string) error {
	if msg == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.Deliveries >= q.maxDeliveries {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("requeue: marshal message: %w", err)
		}
		entry := DeadLetterEntry{
			Envelope: signedEnvelope{Body: body},
			Reason:   reason,
			FailedAt: q.now().UTC(),
		}
		q.dead = append([]DeadLetterEntry{entry}, q.dead...)
		return nil
	}

	stored := *msg
	q.push(&stored, q.resumeDelay)
	return nil
}

// DeadLetters returns up to limit dead-lettered entries, newest first.
func (q *MemoryResumeQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := int64(len(q.dead))
	if n > limit {
		n = limit
	}
	out := make([]DeadLetterEntry, n)
	copy(out, q.dead[:n])
	return out, nil
}

// Length returns the number of ready messages.
func (q *MemoryResumeQueue) Length(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// DelayedLength returns the number of messages still waiting out their
// delay.
func (q *MemoryResumeQueue) DelayedLength(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.delayed)), nil
}

// DeadLetterLength returns the number of dead-lettered messages.
func (q *MemoryResumeQueue) DeadLetterLength(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dead)), nil
}

// MemoryPublisher records published events and fans them out to
// in-process subscribers. A subscriber whose buffer is full drops events
// rather than block the publisher; delivery is advisory, as with the
// Redis publisher.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
}

// NewMemoryPublisher returns a publisher with no subscribers.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records one event and offers it to every subscriber.
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)
	for _, sub := range p.subs {
		select {
		case sub <- event:
		default:
		}
	}
	return nil
}

// Events returns a copy of everything published so far, oldest first.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// EventsOf returns published events of one type, oldest first.
func (p *MemoryPublisher) EventsOf(eventType EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe returns a buffered channel of future events plus a cleanup
// func that unregisters and closes it.
func (p *MemoryPublisher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cleanup
}

// Compile-time interface checks.
var (
	_ ExecutionStore  = (*MemoryExecutionStore)(nil)
	_ IdempotencyGate = (*MemoryIdempotencyStore)(nil)
	_ ResumeQueue     = (*MemoryResumeQueue)(nil)
	_ EventPublisher  = (*MemoryPublisher)(nil)
)
