package orchestration

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// ResumeMessage is the body of one durable resume signal. A yielding
// segment enqueues exactly one of these; the consuming invocation picks
// it up, re-acquires the workflow lock, and continues from the recorded
// position.
type ResumeMessage struct {
	ID             string `json:"id"`
	ExecutionID    string `json:"execution_id"`
	SegmentNumber  int    `json:"segment_number"`
	StartStepIndex *int   `json:"start_step_index,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	Deliveries int       `json:"deliveries"`
}

// signedEnvelope is the wire form stored in Redis. The signature covers
// the raw body bytes so verification does not depend on JSON key order.
type signedEnvelope struct {
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature,omitempty"`
}

// DeadLetterEntry wraps a message that exhausted its deliveries or
// failed verification, together with why it landed there.
type DeadLetterEntry struct {
	Envelope signedEnvelope `json:"envelope"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failed_at"`
}

// Message returns the decoded body of a dead-lettered message, or nil
// when the body itself was malformed.
func (d *DeadLetterEntry) Message() *ResumeMessage {
	var msg ResumeMessage
	if err := json.Unmarshal(d.Envelope.Body, &msg); err != nil {
		return nil
	}
	return &msg
}

// SignPayload computes the hex HMAC-SHA256 of body under secret. The
// same function signs queue envelopes and the webhook signature header.
func SignPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload reports whether sig is a valid signature of body under
// secret, in constant time.
func VerifyPayload(secret, body []byte, sig string) bool {
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// RedisResumeQueue is the durable resume transport: a Redis list for
// ready messages, a ZSet holding delayed deliveries by due time, and a
// dead-letter list for messages that exhausted their deliveries. All
// bodies are HMAC-signed when a secret is configured.
type RedisResumeQueue struct {
	client     *redis.Client
	ownsClient bool

	queueKey      string
	delayedKey    string
	deadLetterKey string

	secret        []byte
	maxDeliveries int
	resumeDelay   time.Duration
	pollInterval  time.Duration

	publisher EventPublisher
	logger    core.Logger
}

// promoteScript moves due delayed messages onto the ready list. Runs
// server-side so concurrent consumers never double-promote a member.
//
// KEYS[1] = delayed zset    KEYS[2] = ready list
// ARGV[1] = now (ms)        ARGV[2] = max members per call
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i = 1, #due do
	redis.call('LPUSH', KEYS[2], due[i])
	redis.call('ZREM', KEYS[1], due[i])
end
return #due
`)

// ResumeQueueOption configures a RedisResumeQueue.
type ResumeQueueOption func(*RedisResumeQueue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger core.Logger) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithQueueClient injects an existing Redis client. The queue will not
// close it.
func WithQueueClient(client *redis.Client) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		if client != nil {
			q.client = client
			q.ownsClient = false
		}
	}
}

// WithQueueNames overrides the ready-list and dead-letter keys. The
// delayed set always lives at "<queue>:delayed".
func WithQueueNames(queue, deadLetter string) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		if queue != "" {
			q.queueKey = queue
			q.delayedKey = queue + ":delayed"
		}
		if deadLetter != "" {
			q.deadLetterKey = deadLetter
		}
	}
}

// WithQueueSigningSecret sets the HMAC key for message bodies. An empty
// secret leaves the queue in development mode: unsigned messages are
// logged and accepted.
func WithQueueSigningSecret(secret string) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		q.secret = []byte(secret)
	}
}

// WithQueueMaxDeliveries bounds redelivery before dead-lettering.
func WithQueueMaxDeliveries(n int) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

// WithQueueResumeDelay sets the delivery delay applied to enqueued
// resume messages. Zero delivers immediately.
func WithQueueResumeDelay(d time.Duration) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		if d >= 0 {
			q.resumeDelay = d
		}
	}
}

// WithQueuePollInterval sets how often Dequeue re-checks the delayed
// set while waiting.
func WithQueuePollInterval(d time.Duration) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithQueuePublisher sets the backup event publisher used when the
// durable enqueue itself fails.
func WithQueuePublisher(publisher EventPublisher) ResumeQueueOption {
	return func(q *RedisResumeQueue) {
		if publisher != nil {
			q.publisher = publisher
		}
	}
}

// NewRedisResumeQueue connects to the queue database.
func NewRedisResumeQueue(redisURL string, opts ...ResumeQueueOption) (*RedisResumeQueue, error) {
	name := getEnvString("GOSAGA_QUEUE_NAME", "saga:resume")
	q := &RedisResumeQueue{
		ownsClient:    true,
		queueKey:      name,
		delayedKey:    name + ":delayed",
		deadLetterKey: getEnvString("GOSAGA_QUEUE_DEAD_LETTER", name+":dead"),
		secret:        []byte(getEnvString("GOSAGA_QUEUE_SECRET", "")),
		maxDeliveries: getEnvInt("GOSAGA_QUEUE_MAX_DELIVERIES", 3),
		resumeDelay:   getEnvDuration("GOSAGA_RESUME_DELAY", 2*time.Second),
		pollInterval:  getEnvDuration("GOSAGA_QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		publisher:     &NoOpPublisher{},
		logger:        &core.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(q)
	}

	if q.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBQueue, q.logger)
		if err != nil {
			return nil, fmt.Errorf("resume queue: %w", err)
		}
		q.client = client
	}

	return q, nil
}

// Close releases the Redis connection if the queue owns it.
func (q *RedisResumeQueue) Close() error {
	if q.ownsClient && q.client != nil {
		return q.client.Close()
	}
	return nil
}

// Enqueue signs and stores one resume message. With a resume delay the
// message lands in the delayed set and becomes visible after the delay;
// otherwise it is pushed straight onto the ready list.
//
// Enqueue is the durable half of the resume handshake. If the write
// fails, a backup "resume" event is published so a subscriber can
// trigger the resume without the queue; both paths converge on the
// same handler.
func (q *RedisResumeQueue) Enqueue(ctx context.Context, msg *ResumeMessage) error {
	if msg == nil || msg.ExecutionID == "" {
		return fmt.Errorf("enqueue: message must carry an execution id: %w", core.ErrInvalidConfiguration)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	if msg.TraceID == "" {
		msg.TraceID = telemetry.TraceIDFromContext(ctx)
	}

	data, err := q.seal(msg)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	if err := q.push(ctx, data, q.resumeDelay); err != nil {
		// Durable path failed. Fire the backup pub/sub event so a live
		// subscriber can still resume this execution, then report.
		q.logger.Error("Resume enqueue failed, publishing backup event", map[string]interface{}{
			"operation":    "queue_enqueue",
			"execution_id": msg.ExecutionID,
			"segment":      msg.SegmentNumber,
			"error":        err.Error(),
		})
		_ = q.publisher.Publish(ctx, Event{
			Type:        EventResume,
			ExecutionID: msg.ExecutionID,
			At:          time.Now().UTC(),
			Payload: map[string]interface{}{
				"segment_number": msg.SegmentNumber,
				"trace_id":       msg.TraceID,
				"fallback":       true,
			},
		})
		return fmt.Errorf("enqueue resume for %s: %w", msg.ExecutionID, err)
	}

	mode := "immediate"
	if q.resumeDelay > 0 {
		mode = "delayed"
	}
	telemetry.Counter(telemetry.MetricQueueEnqueued, "mode", mode)
	q.logger.Info("Resume message enqueued", map[string]interface{}{
		"operation":    "queue_enqueue",
		"execution_id": msg.ExecutionID,
		"message_id":   msg.ID,
		"segment":      msg.SegmentNumber,
		"delay":        q.resumeDelay.String(),
	})
	return nil
}

func (q *RedisResumeQueue) seal(msg *ResumeMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal resume message: %w", err)
	}
	env := signedEnvelope{Body: body}
	if len(q.secret) > 0 {
		env.Signature = SignPayload(q.secret, body)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal resume envelope: %w", err)
	}
	return data, nil
}

func (q *RedisResumeQueue) push(ctx context.Context, data []byte, delay time.Duration) error {
	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		return q.client.ZAdd(ctx, q.delayedKey, &redis.Z{Score: due, Member: string(data)}).Err()
	}
	return q.client.LPush(ctx, q.queueKey, data).Err()
}

// promoteDue moves messages whose delay elapsed onto the ready list.
func (q *RedisResumeQueue) promoteDue(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.queueKey},
		now, 100,
	).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("promote delayed messages: %w", err)
	}
	return n, nil
}

// Dequeue returns the next verified resume message, waiting up to wait.
// Returns (nil, nil) when the wait elapses with nothing to deliver.
// Messages failing signature verification are dead-lettered and never
// returned; with no secret configured they are logged and accepted.
func (q *RedisResumeQueue) Dequeue(ctx context.Context, wait time.Duration) (*ResumeMessage, error) {
	deadline := time.Now().Add(wait)

	for {
		if _, err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		raw, err := q.client.RPop(ctx, q.queueKey).Result()
		switch {
		case err == redis.Nil:
			remaining := time.Until(deadline)
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
			continue
		case err != nil:
			return nil, fmt.Errorf("dequeue resume message: %w", err)
		}

		msg, ok := q.open(ctx, []byte(raw))
		if !ok {
			continue
		}

		msg.Deliveries++
		telemetry.Histogram(telemetry.MetricQueueLag, float64(time.Since(msg.EnqueuedAt).Milliseconds()))
		q.logger.Debug("Resume message dequeued", map[string]interface{}{
			"operation":    "queue_dequeue",
			"execution_id": msg.ExecutionID,
			"message_id":   msg.ID,
			"deliveries":   msg.Deliveries,
		})
		return msg, nil
	}
}

// open verifies and decodes one raw envelope. Invalid messages go to
// the dead-letter list; the false return tells the caller to move on.
func (q *RedisResumeQueue) open(ctx context.Context, raw []byte) (*ResumeMessage, bool) {
	var env signedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		q.toDeadLetter(ctx, signedEnvelope{Body: raw}, "malformed_envelope")
		return nil, false
	}

	if len(q.secret) > 0 {
		if env.Signature == "" || !VerifyPayload(q.secret, env.Body, env.Signature) {
			q.logger.Warn("Rejected resume message with bad signature", map[string]interface{}{
				"operation": "queue_verify",
				"signed":    env.Signature != "",
			})
			q.toDeadLetter(ctx, env, "signature_mismatch")
			return nil, false
		}
	} else if env.Signature == "" {
		q.logger.Debug("Accepting unsigned resume message (no secret configured)", map[string]interface{}{
			"operation": "queue_verify",
		})
	}

	var msg ResumeMessage
	if err := json.Unmarshal(env.Body, &msg); err != nil {
		q.toDeadLetter(ctx, env, "malformed_body")
		return nil, false
	}
	return &msg, true
}

// Requeue schedules a failed delivery for another attempt, or moves the
// message to the dead-letter list once deliveries are exhausted.
func (q *RedisResumeQueue) Requeue(ctx context.Context, msg *ResumeMessage, reason string) error {
	if msg == nil {
		return nil
	}

	if msg.Deliveries >= q.maxDeliveries {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("requeue: marshal message: %w", err)
		}
		env := signedEnvelope{Body: body}
		if len(q.secret) > 0 {
			env.Signature = SignPayload(q.secret, body)
		}
		q.toDeadLetter(ctx, env, reason)
		q.logger.Warn("Resume message dead-lettered after max deliveries", map[string]interface{}{
			"operation":    "queue_requeue",
			"execution_id": msg.ExecutionID,
			"message_id":   msg.ID,
			"deliveries":   msg.Deliveries,
			"reason":       reason,
		})
		return nil
	}

	data, err := q.seal(msg)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if err := q.push(ctx, data, q.resumeDelay); err != nil {
		return fmt.Errorf("requeue resume for %s: %w", msg.ExecutionID, err)
	}

	q.logger.Info("Resume message requeued", map[string]interface{}{
		"operation":    "queue_requeue",
		"execution_id": msg.ExecutionID,
		"message_id":   msg.ID,
		"deliveries":   msg.Deliveries,
		"reason":       reason,
	})
	return nil
}

func (q *RedisResumeQueue) toDeadLetter(ctx context.Context, env signedEnvelope, reason string) {
	entry := DeadLetterEntry{Envelope: env, Reason: reason, FailedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error("Failed to marshal dead-letter entry", map[string]interface{}{
			"operation": "queue_dead_letter",
			"reason":    reason,
			"error":     err.Error(),
		})
		return
	}
	if err := q.client.LPush(ctx, q.deadLetterKey, data).Err(); err != nil {
		q.logger.Error("Failed to persist dead-letter entry", map[string]interface{}{
			"operation": "queue_dead_letter",
			"reason":    reason,
			"error":     err.Error(),
		})
		return
	}
	telemetry.Counter(telemetry.MetricQueueDeadLetters, "reason", reason)
}

// DeadLetters returns up to limit dead-lettered entries, newest first.
func (q *RedisResumeQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, r := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Length returns the number of ready messages.
func (q *RedisResumeQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// DelayedLength returns the number of messages still waiting out their
// delay.
func (q *RedisResumeQueue) DelayedLength(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed queue length: %w", err)
	}
	return n, nil
}

// DeadLetterLength returns the number of dead-lettered messages.
func (q *RedisResumeQueue) DeadLetterLength(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.deadLetterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dead letter length: %w", err)
	}
	return n, nil
}

// RedisEventPublisher fans events out over Redis pub/sub. It backs the
// queue's enqueue-failure fallback and gives operators a live event
// feed; subscribers that miss messages lose nothing durable.
type RedisEventPublisher struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	logger     core.Logger
}

// EventPublisherOption configures a RedisEventPublisher.
type EventPublisherOption func(*RedisEventPublisher)

// WithEventPublisherLogger sets the logger.
func WithEventPublisherLogger(logger core.Logger) EventPublisherOption {
	return func(p *RedisEventPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEventPublisherClient injects an existing Redis client. The
// publisher will not close it.
func WithEventPublisherClient(client *redis.Client) EventPublisherOption {
	return func(p *RedisEventPublisher) {
		if client != nil {
			p.client = client
			p.ownsClient = false
		}
	}
}

// WithEventPublisherChannel overrides the pub/sub channel.
func WithEventPublisherChannel(channel string) EventPublisherOption {
	return func(p *RedisEventPublisher) {
		if channel != "" {
			p.channel = channel
		}
	}
}

// NewRedisEventPublisher connects a pub/sub publisher on the queue
// database.
func NewRedisEventPublisher(redisURL string, opts ...EventPublisherOption) (*RedisEventPublisher, error) {
	p := &RedisEventPublisher{
		ownsClient: true,
		channel:    getEnvString("GOSAGA_EVENT_CHANNEL", "saga:events"),
		logger:     &core.NoOpLogger{},
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		client, err := dialRedis(redisURL, core.RedisDBQueue, p.logger)
		if err != nil {
			return nil, fmt.Errorf("event publisher: %w", err)
		}
		p.client = client
	}

	return p, nil
}

// Publish sends one event. Failures are logged, never fatal: event
// delivery is advisory and the durable state machine does not depend
// on it.
func (p *RedisEventPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("Event publish failed", map[string]interface{}{
			"operation":    "event_publish",
			"event_type":   string(event.Type),
			"execution_id": event.ExecutionID,
			"error":        err.Error(),
		})
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe returns a channel of decoded events plus a cleanup func.
// Intended for operators and tests, not for control flow.
func (p *RedisEventPublisher) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cleanup := func() { _ = sub.Close() }
	return out, cleanup, nil
}

// Close releases the Redis connection if the publisher owns it.
func (p *RedisEventPublisher) Close() error {
	if p.ownsClient && p.client != nil {
		return p.client.Close()
	}
	return nil
}

// ResumeHandler consumes one verified resume message. Returning an
// error requeues the message until deliveries are exhausted.
type ResumeHandler func(ctx context.Context, msg *ResumeMessage) error

// ResumeWorker polls the resume queue and dispatches messages to a
// handler, typically Engine.HandleResume. One worker per process is
// enough; the workflow locks serialize per-execution entry anyway.
type ResumeWorker struct {
	queue   ResumeQueue
	handler ResumeHandler
	wait    time.Duration
	logger  core.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewResumeWorker wires a worker to a queue and handler.
func NewResumeWorker(queue ResumeQueue, handler ResumeHandler, logger core.Logger) *ResumeWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ResumeWorker{
		queue:   queue,
		handler: handler,
		wait:    getEnvDuration("GOSAGA_WORKER_WAIT", 2*time.Second),
		logger:  logger,
	}
}

// Start begins the polling loop. Blocks until ctx is cancelled or Stop
// is called.
func (w *ResumeWorker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return fmt.Errorf("resume worker already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info("Resume worker started", map[string]interface{}{
		"operation": "worker_start",
	})

	w.wg.Add(1)
	go w.run(workerCtx)
	w.wg.Wait()

	w.running.Store(false)
	w.logger.Info("Resume worker stopped", map[string]interface{}{
		"operation": "worker_stop",
	})
	return nil
}

// Stop cancels the polling loop and waits for the in-flight message.
func (w *ResumeWorker) Stop() {
	if !w.running.Load() {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *ResumeWorker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.queue.Dequeue(ctx, w.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Dequeue failed", map[string]interface{}{
				"operation": "worker_dequeue",
				"error":     err.Error(),
			})
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.handler(ctx, msg); err != nil {
			w.logger.Warn("Resume handling failed", map[string]interface{}{
				"operation":    "worker_handle",
				"execution_id": msg.ExecutionID,
				"deliveries":   msg.Deliveries,
				"error":        err.Error(),
			})
			if rqErr := w.queue.Requeue(ctx, msg, err.Error()); rqErr != nil {
				w.logger.Error("Requeue failed", map[string]interface{}{
					"operation":    "worker_requeue",
					"execution_id": msg.ExecutionID,
					"error":        rqErr.Error(),
				})
			}
		}
	}
}

var (
	_ ResumeQueue    = (*RedisResumeQueue)(nil)
	_ EventPublisher = (*RedisEventPublisher)(nil)
)
