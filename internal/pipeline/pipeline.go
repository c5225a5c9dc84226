// Package pipeline is the orchestrator: it drains the ingest queue, runs the
// updater and gatekeeper for each job, emits work items, and applies the
// requeue and dead-letter policy. Jobs for the same thread never run
// concurrently.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"triage/internal/gatekeeper"
	"triage/internal/llm"
	"triage/internal/logging"
	"triage/internal/observability"
	"triage/internal/queue"
	"triage/internal/store"
	"triage/internal/utils/id"
	"triage/internal/workitem"
)

const (
	// jobTimeout bounds one end-to-end job, including the LLM call with its
	// retries and the subsequent persistence.
	jobTimeout = 150 * time.Second

	requeueBaseDelay = 60 * time.Second
	requeueMaxDelay  = 10 * time.Minute

	// maxAttempts is the total delivery budget before dead-lettering.
	maxAttempts = 6

	emitTimeout = 10 * time.Second
)

// Job is the ingest-queue payload: one "thread has new activity" signal.
type Job struct {
	ThreadID        int64  `json:"threadId"`
	ThreadPublicID  string `json:"threadPublicId"`
	MessagePublicID string `json:"messagePublicId,omitempty"`
}

// StateUpdater is the slice of the updater the orchestrator needs.
type StateUpdater interface {
	UpdateFullContext(ctx context.Context, threadID int64) (store.Thread, error)
}

// Orchestrator owns the worker pool.
type Orchestrator struct {
	store       store.Store
	updater     StateUpdater
	deduper     *workitem.Deduper
	emitter     workitem.Emitter
	ingest      queue.Queue
	metrics     *observability.Metrics
	logger      logging.Logger
	concurrency int
	leases      *keyedMutex
}

// New wires the orchestrator. Concurrency below 1 is coerced to 1.
func New(st store.Store, upd StateUpdater, ded *workitem.Deduper, em workitem.Emitter, ingest queue.Queue, metrics *observability.Metrics, concurrency int) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		store:       st,
		updater:     upd,
		deduper:     ded,
		emitter:     em,
		ingest:      ingest,
		metrics:     metrics,
		logger:      logging.NewComponentLogger("pipeline"),
		concurrency: concurrency,
		leases:      newKeyedMutex(),
	}
}

// Run drains the ingest queue with the configured number of workers until ctx
// is cancelled. In-flight jobs finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("starting %d pipeline worker(s)", o.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.concurrency; i++ {
		worker := i
		g.Go(func() error {
			return o.runWorker(ctx, worker)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runWorker(ctx context.Context, worker int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		delivery, err := o.ingest.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("worker %d: dequeue: %v", worker, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if delivery == nil {
			continue
		}

		// Settlement uses Background so a job finishing during shutdown is
		// still acked or requeued rather than stuck on the active list.
		o.process(ctx, delivery)
	}
}

// process runs one delivery end to end and settles it exactly once.
func (o *Orchestrator) process(ctx context.Context, delivery *queue.Delivery) {
	start := time.Now()

	var job Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		o.settleBury(delivery, "undecodable job body: "+err.Error())
		o.finish(start, "malformed")
		return
	}

	unlock := o.leases.Lock(o.leaseKey(delivery, job))
	defer unlock()

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	outcome := o.run(jobCtx, delivery, job)
	o.finish(start, outcome)
}

func (o *Orchestrator) leaseKey(delivery *queue.Delivery, job Job) string {
	if delivery.Key != "" {
		return delivery.Key
	}
	return strconv.FormatInt(job.ThreadID, 10)
}

func (o *Orchestrator) run(ctx context.Context, delivery *queue.Delivery, job Job) string {
	thread, err := o.store.GetThread(ctx, job.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		// The thread can never appear later; retrying is pointless.
		o.settleBury(delivery, fmt.Sprintf("thread %d not found", job.ThreadID))
		return "orphaned"
	}
	if err != nil {
		o.logger.Warn("thread %d: load: %v", job.ThreadID, err)
		return o.settleRetry(delivery, "store unavailable")
	}

	if thread.Status == store.StatusClosed {
		if err := o.store.AppendAudit(ctx, store.AuditEntry{
			EntityType: "thread",
			EntityID:   thread.ID,
			Action:     store.AuditClosedThreadSkipped,
			Details:    map[string]any{"jobId": delivery.ID},
		}); err != nil {
			o.logger.Warn("thread %d: audit closed skip: %v", thread.ID, err)
		}
		o.settleAck(delivery)
		return "skipped_closed"
	}

	updated, err := o.updater.UpdateFullContext(ctx, thread.ID)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			o.logger.Warn("thread %d: llm unavailable: %v", thread.ID, err)
			return o.settleRetry(delivery, "llm unavailable")
		}
		o.logger.Warn("thread %d: state update: %v", thread.ID, err)
		return o.settleRetry(delivery, "state update failed")
	}

	decision := gatekeeper.Gate(updated.State)

	if decision.ShouldCreate {
		if err := o.emitWorkItem(ctx, updated, decision); err != nil {
			return o.settleRetry(delivery, "work item emission failed")
		}
	}

	if err := o.applyStatus(ctx, updated, decision.NewThreadStatus); err != nil {
		o.logger.Warn("thread %d: status transition to %s: %v", updated.ID, decision.NewThreadStatus, err)
	}

	o.settleAck(delivery)
	return "ok"
}

// emitWorkItem performs the at-most-once emission: claim the fingerprint,
// emit, audit, and drop a suggestion message into the thread. A failed
// emission releases the claim so a retry can emit.
func (o *Orchestrator) emitWorkItem(ctx context.Context, thread store.Thread, decision gatekeeper.Decision) error {
	item := workitem.Build(thread, decision)

	won, err := o.deduper.Claim(ctx, thread.ID, item.Fingerprint)
	if err != nil {
		o.logger.Warn("thread %d: %v", thread.ID, err)
		return err
	}
	if !won {
		o.metrics.WorkItemsDeduped.Inc()
		o.logger.Debug("thread %d: emission suppressed, fingerprint already seen", thread.ID)
		return nil
	}

	emitCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	if err := o.emitter.Emit(emitCtx, item); err != nil {
		o.logger.Error("thread %d: emit work item: %v", thread.ID, err)
		if relErr := o.deduper.Release(ctx, thread.ID, item.Fingerprint); relErr != nil {
			o.logger.Error("thread %d: release dedup claim: %v", thread.ID, relErr)
		}
		if auditErr := o.store.AppendAudit(ctx, store.AuditEntry{
			EntityType: "thread",
			EntityID:   thread.ID,
			Action:     store.AuditWorkItemEmitFailed,
			Details:    map[string]any{"type": string(item.Type), "error": err.Error()},
		}); auditErr != nil {
			o.logger.Warn("thread %d: audit emit failure: %v", thread.ID, auditErr)
		}
		return err
	}

	o.metrics.WorkItemsEmitted.Inc()
	if err := o.store.AppendAudit(ctx, store.AuditEntry{
		EntityType: "thread",
		EntityID:   thread.ID,
		Action:     store.AuditWorkItemEmitted,
		Details: map[string]any{
			"workItemPublicId": item.PublicID,
			"type":             string(item.Type),
			"title":            item.Title,
			"fingerprint":      item.Fingerprint,
		},
	}); err != nil {
		o.logger.Warn("thread %d: audit emission: %v", thread.ID, err)
	}

	// Suggestion message so the team sees the created item inside the thread.
	// Best effort: the work item itself is already on its way.
	if _, err := o.store.InsertMessage(ctx, store.Message{
		PublicID:   id.NewPublicID(),
		ThreadID:   thread.ID,
		Source:     "system",
		SenderType: store.SenderInternal,
		Visibility: store.VisibilityInternal,
		Text:       fmt.Sprintf("Suggested %s work item: %s", item.Type, item.Title),
		Metadata: map[string]any{
			"type":             "system_workitem_suggestion",
			"workItemPublicId": item.PublicID,
		},
	}); err != nil {
		o.logger.Warn("thread %d: insert suggestion message: %v", thread.ID, err)
	}
	return nil
}

// applyStatus moves the thread to the gatekeeper's target status with one
// reload-and-retry on a concurrent update. Invalid transitions are dropped:
// an operator action (resolve, close) between load and write outranks the
// pipeline's suggestion.
func (o *Orchestrator) applyStatus(ctx context.Context, thread store.Thread, target store.ThreadStatus) error {
	if target == "" || thread.Status == target {
		return nil
	}

	_, err := o.store.UpdateThreadStatus(ctx, thread.ID, target, thread.UpdatedAt)
	if errors.Is(err, store.ErrConflict) {
		reloaded, reloadErr := o.store.GetThread(ctx, thread.ID)
		if reloadErr != nil {
			return reloadErr
		}
		if reloaded.Status == target || !store.CanTransition(reloaded.Status, target) {
			return nil
		}
		_, err = o.store.UpdateThreadStatus(ctx, reloaded.ID, target, reloaded.UpdatedAt)
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}

// settleRetry applies the backoff policy: exponential delay capped at ten
// minutes, dead-letter once the attempt budget is spent.
func (o *Orchestrator) settleRetry(delivery *queue.Delivery, reason string) string {
	if delivery.Attempt+1 >= maxAttempts {
		o.settleBury(delivery, reason+" (attempts exhausted)")
		return "dead_lettered"
	}

	delay := requeueDelay(delivery.Attempt)
	if err := delivery.Retry(context.Background(), delay); err != nil {
		o.logger.Error("job %s: requeue: %v", delivery.ID, err)
		return "settle_failed"
	}
	o.metrics.JobsRequeued.Inc()
	o.logger.Info("job %s: requeued attempt=%d delay=%s reason=%q", delivery.ID, delivery.Attempt+1, delay, reason)
	return "requeued"
}

func (o *Orchestrator) settleBury(delivery *queue.Delivery, reason string) {
	if err := delivery.Bury(context.Background(), reason); err != nil {
		o.logger.Error("job %s: dead-letter: %v", delivery.ID, err)
		return
	}
	o.metrics.JobsDeadLettered.Inc()
	o.logger.Error("job %s: dead-lettered: %s", delivery.ID, reason)
}

func (o *Orchestrator) settleAck(delivery *queue.Delivery) {
	if err := delivery.Ack(context.Background()); err != nil {
		o.logger.Error("job %s: ack: %v", delivery.ID, err)
	}
}

func (o *Orchestrator) finish(start time.Time, outcome string) {
	o.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	o.metrics.JobDuration.Observe(time.Since(start).Seconds())
}

func requeueDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := requeueBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= requeueMaxDelay {
			return requeueMaxDelay
		}
	}
	if delay > requeueMaxDelay {
		return requeueMaxDelay
	}
	return delay
}
