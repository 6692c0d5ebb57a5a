package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/mail-courier/internal/domain"
)

// Sender is the transmission collaborator. It may retry or rate-limit
// internally; the dispatch core treats any returned error as a single
// failure event for the attempted sender.
type Sender interface {
	Send(ctx context.Context, profile domain.SenderProfile, task *domain.Task) error
}

// StatusRecorder receives terminal task outcomes. Updates are best-effort;
// failures are logged, not retried.
type StatusRecorder interface {
	UpdateStatus(ctx context.Context, recipient domain.Recipient, status domain.RecipientStatus) error
}

// Worker drains one sender's queue. It shares no mutable state with other
// workers beyond the scheduler, limiter and failure tracker it is handed.
type Worker struct {
	profile   domain.SenderProfile
	scheduler *Scheduler
	limiter   *RateLimiter
	failures  *FailureTracker
	sender    Sender
	statuses  StatusRecorder

	processed int
	succeeded int
	failed    int
}

// NewWorker creates a worker bound to one sender profile.
func NewWorker(profile domain.SenderProfile, scheduler *Scheduler, limiter *RateLimiter, failures *FailureTracker, sender Sender, statuses StatusRecorder) *Worker {
	return &Worker{
		profile:   profile,
		scheduler: scheduler,
		limiter:   limiter,
		failures:  failures,
		sender:    sender,
		statuses:  statuses,
	}
}

// Run drains the sender's queue. It terminates when the queue is empty, the
// global send limit is reached, or the context is cancelled; it never waits
// for new tasks to arrive.
func (w *Worker) Run(ctx context.Context) {
	start := time.Now()
	id := w.profile.ID
	slog.Debug("worker started", "sender", id)

	for {
		if ctx.Err() != nil {
			break
		}
		if w.limiter.GlobalLimitReached() {
			slog.Info("global limit reached, worker stopping", "sender", id)
			break
		}
		task := w.scheduler.GetNextForSender(id)
		if task == nil {
			break
		}
		if !w.process(ctx, task) {
			break
		}
	}

	slog.Info("worker finished",
		"sender", id,
		"succeeded", w.succeeded,
		"failed", w.failed,
		"processed", w.processed,
		"took", time.Since(start),
	)
}

// process handles one dequeued task. It returns false when the worker must
// stop: the run-wide limit was consumed or the context was cancelled. In
// both cases the task goes back untouched so it is neither failed nor
// charged an attempt.
func (w *Worker) process(ctx context.Context, task *domain.Task) bool {
	id := w.profile.ID

	// Sender state can change between enqueue and dequeue; re-check before
	// sending. A skipped task goes through RequeueFailed's normal accounting
	// but is not held against the sender's failure record.
	if w.failures.IsBlocked(id) {
		w.processed++
		slog.Warn("sender blocked, requeueing task", "sender", id, "recipient", task.Recipient.Address)
		w.requeue(ctx, task, "sender blocked")
		return true
	}
	if !w.limiter.TryReserve(id) {
		if w.limiter.GlobalLimitReached() {
			w.scheduler.PutBack(id, task)
			return false
		}
		w.processed++
		slog.Warn("sender rate limited, requeueing task", "sender", id, "recipient", task.Recipient.Address)
		w.requeue(ctx, task, "rate limit reached")
		return true
	}

	if err := w.limiter.WaitIfNeeded(ctx, id); err != nil {
		w.limiter.Release(id)
		w.scheduler.PutBack(id, task)
		return false
	}

	w.processed++
	start := time.Now()
	err := w.sender.Send(ctx, w.profile, task)
	recordSendDuration(id, time.Since(start))

	if err == nil {
		w.handleSuccess(ctx, task)
		return true
	}
	w.limiter.Release(id)
	w.handleFailure(ctx, task, err)
	return true
}

func (w *Worker) handleSuccess(ctx context.Context, task *domain.Task) {
	id := w.profile.ID
	w.succeeded++

	w.limiter.RecordSent(id)
	w.scheduler.RecordSuccess(task, id)
	w.failures.RecordSuccess(id)
	recordTaskResult(id, "success")
	recordBlockedSenders(w.failures.BlockedCount())

	w.updateStatus(ctx, task, domain.RecipientStatusSent)
	slog.Info("task sent", "recipient", task.Recipient.Address, "sender", id)
}

func (w *Worker) handleFailure(ctx context.Context, task *domain.Task, err error) {
	id := w.profile.ID
	w.failed++

	w.failures.RecordFailure(id, err.Error())
	recordBlockedSenders(w.failures.BlockedCount())

	// A non-retryable error is recipient-specific; no other sender will fare
	// better, so the task fails terminally without burning the rest of its
	// budget.
	if !isRetryable(err) {
		task.RecordAttempt(id, false, err.Error())
		task.MarkFailed(err.Error())
		recordTaskResult(id, "failed")
		w.updateStatus(ctx, task, domain.RecipientStatusError)
		slog.Error("task failed with non-retryable error",
			"recipient", task.Recipient.Address,
			"sender", id,
			"error", err,
		)
		return
	}

	if w.scheduler.RequeueFailed(task, id, err.Error()) {
		recordTaskResult(id, "retry")
		slog.Warn("send failed, task requeued",
			"recipient", task.Recipient.Address,
			"sender", id,
			"error", err,
		)
		return
	}

	recordTaskResult(id, "failed")
	w.updateStatus(ctx, task, domain.RecipientStatusError)
}

// requeue routes a skipped task elsewhere without recording a sender
// failure. The attempt accounting inside RequeueFailed still applies, which
// bounds how often a task can be skipped.
func (w *Worker) requeue(ctx context.Context, task *domain.Task, reason string) {
	if !w.scheduler.RequeueFailed(task, w.profile.ID, reason) {
		recordTaskResult(w.profile.ID, "failed")
		w.updateStatus(ctx, task, domain.RecipientStatusError)
	}
}

func (w *Worker) updateStatus(ctx context.Context, task *domain.Task, status domain.RecipientStatus) {
	if w.statuses == nil {
		return
	}
	if err := w.statuses.UpdateStatus(ctx, task.Recipient, status); err != nil {
		slog.Error("failed to update recipient status",
			"recipient", task.Recipient.Address,
			"status", status,
			"error", err,
		)
	}
}

// Stats returns the worker's counters. Only meaningful after Run returns.
func (w *Worker) Stats() (processed, succeeded, failed int) {
	return w.processed, w.succeeded, w.failed
}

// Pool runs one worker per sender concurrently and waits for all of them.
type Pool struct {
	scheduler *Scheduler
	workers   []*Worker
}

// NewPool creates a worker per sender profile known to the scheduler.
func NewPool(scheduler *Scheduler, limiter *RateLimiter, failures *FailureTracker, sender Sender, statuses StatusRecorder) *Pool {
	p := &Pool{scheduler: scheduler}
	for _, profile := range scheduler.Senders() {
		p.workers = append(p.workers, NewWorker(profile, scheduler, limiter, failures, sender, statuses))
	}
	return p
}

// Run blocks until all queues are drained or the run is cut short by the
// global limit or context. Workers run in rounds: a failed task can be
// requeued to a sender whose worker already drained its queue and exited,
// so rounds repeat while tasks remain and progress is being made. Progress
// is guaranteed to stop eventually because every requeue burns attempt
// budget. Returns the number of tasks sent successfully.
func (p *Pool) Run(ctx context.Context) int {
	// Worker counters accumulate across calls; only this call's successes
	// count toward the returned total.
	succeededBefore := p.succeeded()

	for {
		before := p.processed()

		var wg sync.WaitGroup
		for _, w := range p.workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Run(ctx)
			}(w)
		}
		wg.Wait()

		if ctx.Err() != nil || p.scheduler.QueuedTotal() == 0 || p.processed() == before {
			break
		}
	}

	return p.succeeded() - succeededBefore
}

func (p *Pool) processed() int {
	total := 0
	for _, w := range p.workers {
		n, _, _ := w.Stats()
		total += n
	}
	return total
}

func (p *Pool) succeeded() int {
	total := 0
	for _, w := range p.workers {
		_, ok, _ := w.Stats()
		total += ok
	}
	return total
}
