package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// Reconciler sweeps the active index for executions that stopped making
// progress: non-terminal records whose last write is older than the
// staleness horizon. A worker that crashed between checkpoint and
// enqueue, a resume message lost past the dead-letter queue, a webhook
// that never fired - all of them surface here. Each zombie is requeued
// for resume until its resume budget runs out, then failed with
// REQUIRES_INTERVENTION so a human sees it.
//
// Executions parked in AWAITING_CONFIRMATION are not zombies while their
// token lives; once the token TTL reaps it, the record moves to TIMEOUT
// because nobody answered.
type Reconciler struct {
	store         ExecutionStore
	queue         ResumeQueue
	confirmations *ConfirmationService
	publisher     EventPublisher

	cfg       core.ReconcilerConfig
	scanLimit int64
	logger    core.Logger
	now       func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger core.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReconcilerConfig overrides the sweep timing and resume budget.
func WithReconcilerConfig(cfg core.ReconcilerConfig) ReconcilerOption {
	return func(r *Reconciler) { r.cfg = cfg }
}

// WithReconcilerConfirmations lets the sweep expire abandoned
// confirmation gates instead of skipping them.
func WithReconcilerConfirmations(confirmations *ConfirmationService) ReconcilerOption {
	return func(r *Reconciler) { r.confirmations = confirmations }
}

// WithReconcilerPublisher sets the event publisher.
func WithReconcilerPublisher(publisher EventPublisher) ReconcilerOption {
	return func(r *Reconciler) {
		if publisher != nil {
			r.publisher = publisher
		}
	}
}

// WithReconcilerScanLimit caps how many stale records one sweep loads.
func WithReconcilerScanLimit(limit int64) ReconcilerOption {
	return func(r *Reconciler) {
		if limit > 0 {
			r.scanLimit = limit
		}
	}
}

// NewReconciler wires a sweep over the store's active index. The queue
// may be nil; recoveries then surface as resume events only.
func NewReconciler(store ExecutionStore, queue ResumeQueue, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     store,
		queue:     queue,
		publisher: &NoOpPublisher{},
		cfg:       core.DefaultConfig().Reconciler,
		scanLimit: int64(getEnvInt("GOSAGA_RECONCILER_SCAN_LIMIT", 100)),
		logger:    &core.NoOpLogger{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SweepReport summarises one pass over the stale set.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Resumed   int `json:"resumed"`
	Escalated int `json:"escalated"`
	TimedOut  int `json:"timed_out"`
	Skipped   int `json:"skipped"`
}

// Start runs sweeps on the configured interval until ctx is cancelled or
// Stop is called. Blocks, like the resume worker.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return fmt.Errorf("reconciler already running")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.logger.Info("Reconciler started", map[string]interface{}{
		"operation":   "reconciler_start",
		"stale_after": r.cfg.StaleAfter.String(),
		"interval":    r.cfg.Interval.String(),
	})

	r.wg.Add(1)
	go r.run(sweepCtx)
	r.wg.Wait()

	r.running.Store(false)
	r.logger.Info("Reconciler stopped", map[string]interface{}{
		"operation": "reconciler_stop",
	})
	return nil
}

// Stop cancels the sweep loop and waits for the in-flight pass.
func (r *Reconciler) Stop() {
	if !r.running.Load() {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Sweep failed", map[string]interface{}{
				"operation": "reconciler_sweep",
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

// Sweep performs one pass: list stale active executions and reconcile
// each. Safe to call concurrently with live segments; the OCC store and
// the workflow locks absorb the races.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	ids, err := r.store.ListStaleActive(ctx, r.cfg.StaleAfter, r.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list stale executions: %w", err)
	}

	report := &SweepReport{Scanned: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := r.reconcile(ctx, id, report); err != nil {
			r.logger.Warn("Failed to reconcile execution", map[string]interface{}{
				"operation":    "reconcile",
				"execution_id": id,
				"error":        err.Error(),
			})
		}
	}

	telemetry.Counter(telemetry.MetricReconcilerSweeps)
	if report.Scanned > 0 {
		r.logger.Info("Sweep finished", map[string]interface{}{
			"operation": "reconciler_sweep",
			"scanned":   report.Scanned,
			"resumed":   report.Resumed,
			"escalated": report.Escalated,
			"timed_out": report.TimedOut,
			"skipped":   report.Skipped,
		})
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, executionID string, report *SweepReport) error {
	execution, err := r.store.Get(ctx, executionID)
	if errors.Is(err, core.ErrExecutionNotFound) {
		// Index entry outlived its record.
		r.prune(ctx, executionID)
		report.Skipped++
		return nil
	}
	if err != nil {
		return err
	}

	// The record may have moved on between the scan and this read.
	if execution.Status.IsTerminal() {
		r.prune(ctx, executionID)
		report.Skipped++
		return nil
	}

	if execution.Status == StatusAwaitingConfirmation {
		return r.reconcileAwaiting(ctx, execution, report)
	}

	if execution.ResumeAttempts >= r.cfg.MaxResumeAttempts {
		return r.escalate(ctx, execution, report)
	}
	return r.resurrect(ctx, execution, report)
}

// reconcileAwaiting handles records parked on a human answer. A live
// token means the wait is intentional; a reaped token means the window
// closed without an answer.
func (r *Reconciler) reconcileAwaiting(ctx context.Context, execution *Execution, report *SweepReport) error {
	if r.confirmations == nil {
		report.Skipped++
		return nil
	}

	pending, err := r.confirmations.Pending(ctx, execution.ID)
	if err != nil {
		return err
	}
	if pending != nil {
		report.Skipped++
		return nil
	}

	updated, err := r.store.Update(ctx, execution, func(ex *Execution) error {
		if ex.Status != StatusAwaitingConfirmation {
			return nil
		}
		ex.Status = StatusTimeout
		now := r.now().UTC()
		ex.CompletedAt = &now
		ex.LastError = &ErrorRecord{
			Kind:       KindTokenExpired,
			Message:    "confirmation window closed without an answer",
			OccurredAt: now,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if updated.Status != StatusTimeout {
		// Someone answered while we were looking.
		report.Skipped++
		return nil
	}

	report.TimedOut++
	telemetry.Counter(telemetry.MetricConfirmationsTimed)
	r.publish(ctx, Event{
		Type:        EventInterventionRequired,
		ExecutionID: updated.ID,
		At:          r.now(),
		Payload: map[string]interface{}{
			"reason": "confirmation expired",
			"status": string(StatusTimeout),
		},
	})
	r.logger.Warn("Confirmation window expired", map[string]interface{}{
		"operation":    "reconcile_confirmation",
		"execution_id": updated.ID,
	})
	return nil
}

// resurrect requeues a stalled execution. The attempt counter is bumped
// in the same versioned write that proves the record is still stale, so
// two sweeps racing the same zombie schedule it once.
func (r *Reconciler) resurrect(ctx context.Context, execution *Execution, report *SweepReport) error {
	staleFor := r.now().Sub(execution.UpdatedAt)

	updated, err := r.store.Update(ctx, execution, func(ex *Execution) error {
		ex.ResumeAttempts++
		return nil
	})
	if err != nil {
		return err
	}

	if r.queue != nil {
		msg := &ResumeMessage{
			ExecutionID:   updated.ID,
			SegmentNumber: updated.SegmentNumber,
		}
		if err := r.queue.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue zombie resume: %w", err)
		}
	} else {
		r.publish(ctx, Event{
			Type:        EventResume,
			ExecutionID: updated.ID,
			At:          r.now(),
			Payload:     map[string]interface{}{"segment_number": updated.SegmentNumber, "fallback": true},
		})
	}

	report.Resumed++
	telemetry.Counter(telemetry.MetricZombiesDetected, "status", string(updated.Status))
	r.publish(ctx, Event{
		Type:        EventZombieDetected,
		ExecutionID: updated.ID,
		At:          r.now(),
		Payload: map[string]interface{}{
			"stale_for":       staleFor.String(),
			"resume_attempts": updated.ResumeAttempts,
			"status":          string(updated.Status),
		},
	})
	r.logger.Warn("Zombie execution requeued", map[string]interface{}{
		"operation":       "reconcile_resume",
		"execution_id":    updated.ID,
		"stale_for":       staleFor.String(),
		"resume_attempts": updated.ResumeAttempts,
	})
	return nil
}

// escalate fails a record whose resume budget is spent. Resurrecting it
// again would just burn another lease on the same wall.
func (r *Reconciler) escalate(ctx context.Context, execution *Execution, report *SweepReport) error {
	updated, err := r.store.Update(ctx, execution, func(ex *Execution) error {
		ex.Status = StatusFailed
		now := r.now().UTC()
		ex.CompletedAt = &now
		ex.LastError = &ErrorRecord{
			Kind: KindRequiresIntervention,
			Message: fmt.Sprintf("abandoned after %d resume attempts",
				ex.ResumeAttempts),
			OccurredAt: now,
		}
		return nil
	})
	if err != nil {
		return err
	}

	report.Escalated++
	telemetry.Counter(telemetry.MetricZombiesEscalated)
	r.publish(ctx, Event{
		Type:        EventInterventionRequired,
		ExecutionID: updated.ID,
		At:          r.now(),
		Payload: map[string]interface{}{
			"reason":          "resume budget exhausted",
			"resume_attempts": execution.ResumeAttempts,
		},
	})
	r.logger.Error("Zombie execution abandoned", map[string]interface{}{
		"operation":       "reconcile_escalate",
		"execution_id":    updated.ID,
		"resume_attempts": execution.ResumeAttempts,
	})
	return nil
}

// prune drops a ghost entry from the active index when the store can.
func (r *Reconciler) prune(ctx context.Context, executionID string) {
	pruner, ok := r.store.(interface {
		PruneActive(ctx context.Context, executionID string) error
	})
	if !ok {
		return
	}
	if err := pruner.PruneActive(ctx, executionID); err != nil {
		r.logger.Warn("Failed to prune active index", map[string]interface{}{
			"operation":    "reconcile_prune",
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
}

func (r *Reconciler) publish(ctx context.Context, event Event) {
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("Failed to publish event", map[string]interface{}{
			"operation":    "event_publish",
			"execution_id": event.ExecutionID,
			"event":        string(event.Type),
			"error":        err.Error(),
		})
	}
}
