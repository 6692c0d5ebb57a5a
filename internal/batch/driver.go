// Package batch drives a sending run: it loads recipients, renders their
// messages, feeds the dispatch layer batch by batch and reports outcomes.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/mail-courier/internal/compose"
	"github.com/bissquit/mail-courier/internal/dispatch"
	"github.com/bissquit/mail-courier/internal/domain"
	"github.com/bissquit/mail-courier/internal/recipient"
)

// Mode selects how tasks reach the senders.
type Mode string

// Run modes. Queued mode distributes tasks across per-sender queues drained
// by concurrent workers; direct mode sends one recipient at a time with
// retry and fallback.
const (
	ModeQueued Mode = "queued"
	ModeDirect Mode = "direct"
)

// Config controls a sending run.
type Config struct {
	Mode               Mode
	BatchSize          int
	InterBatchInterval time.Duration
	MaxAttemptsPerTask int
}

// DefaultConfig returns default run configuration.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeQueued,
		BatchSize:          20,
		InterBatchInterval: 5 * time.Second,
		MaxAttemptsPerTask: 3,
	}
}

// Summary is the outcome of one run.
type Summary struct {
	Total   int
	Sent    int
	Failed  int
	Skipped int
	Took    time.Duration
}

// Driver owns one sending run end to end.
type Driver struct {
	config       Config
	senders      []domain.SenderProfile
	store        recipient.Store
	personalizer *compose.Personalizer
	scheduler    *dispatch.Scheduler
	limiter      *dispatch.RateLimiter
	pool         *dispatch.Pool
	retrier      *dispatch.RetryOrchestrator
}

// NewDriver validates the configuration and assembles a run driver.
func NewDriver(
	config Config,
	senders []domain.SenderProfile,
	store recipient.Store,
	personalizer *compose.Personalizer,
	scheduler *dispatch.Scheduler,
	limiter *dispatch.RateLimiter,
	pool *dispatch.Pool,
	retrier *dispatch.RetryOrchestrator,
) (*Driver, error) {
	switch config.Mode {
	case ModeQueued, ModeDirect:
	default:
		return nil, fmt.Errorf("batch: unknown mode %q", config.Mode)
	}
	if config.MaxAttemptsPerTask <= 0 {
		return nil, dispatch.ErrInvalidRetryBudget
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}

	return &Driver{
		config:       config,
		senders:      senders,
		store:        store,
		personalizer: personalizer,
		scheduler:    scheduler,
		limiter:      limiter,
		pool:         pool,
		retrier:      retrier,
	}, nil
}

// Run executes the whole sending run and returns its summary. The returned
// error covers setup problems only; per-recipient failures land in the
// summary and the store.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	recipients, err := d.store.Load(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load recipients: %w", err)
	}

	slog.Info("run starting",
		"mode", d.config.Mode,
		"recipients", len(recipients),
		"senders", len(d.senders),
		"batch_size", d.config.BatchSize,
	)

	var summary Summary
	if d.config.Mode == ModeDirect {
		summary = d.runDirect(ctx, recipients)
	} else {
		summary = d.runQueued(ctx, recipients)
	}
	summary.Total = len(recipients)
	summary.Took = time.Since(start)

	slog.Info("run finished",
		"total", summary.Total,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"took", summary.Took,
	)
	return summary, nil
}

func (d *Driver) runQueued(ctx context.Context, recipients []domain.Recipient) Summary {
	var summary Summary
	batches := chunk(recipients, d.config.BatchSize)

	for i, batch := range batches {
		if ctx.Err() != nil || d.limiter.GlobalLimitReached() {
			summary.Skipped += remaining(batches[i:])
			slog.Info("run cut short", "skipped", summary.Skipped)
			break
		}

		tasks := d.queueBatch(ctx, batch)
		sent := d.pool.Run(ctx)
		summary.Sent += sent

		for _, task := range tasks {
			if task.Status == domain.TaskStatusFailed {
				summary.Failed++
			}
		}

		d.betweenBatches(ctx, i, len(batches))
	}

	// Tasks still queued after the run ended (global limit, cancellation)
	// were neither sent nor failed.
	summary.Skipped += d.scheduler.QueuedTotal()
	return summary
}

// queueBatch creates and enqueues one batch of tasks. Recipients no sender
// can take fail immediately.
func (d *Driver) queueBatch(ctx context.Context, batch []domain.Recipient) []*domain.Task {
	tasks := make([]*domain.Task, 0, len(batch))
	for _, rec := range batch {
		task := domain.NewTask(rec, d.personalizer.Render(rec), d.config.MaxAttemptsPerTask, len(d.senders))
		tasks = append(tasks, task)

		if !d.scheduler.QueueTask(task) {
			// Counted with the rest of the batch's failures after the pool
			// runs.
			task.MarkFailed("no available senders")
			d.recordStatus(ctx, rec, domain.RecipientStatusError)
		}
	}
	return tasks
}

func (d *Driver) betweenBatches(ctx context.Context, i, total int) {
	for _, task := range d.scheduler.SweepExpired() {
		d.recordStatus(ctx, task.Recipient, domain.RecipientStatusError)
	}
	if d.scheduler.ShouldRebalance() {
		d.scheduler.Rebalance()
	}

	if i < total-1 && d.config.InterBatchInterval > 0 {
		slog.Debug("inter-batch pause", "interval", d.config.InterBatchInterval)
		select {
		case <-time.After(d.config.InterBatchInterval):
		case <-ctx.Done():
		}
	}
}

func (d *Driver) runDirect(ctx context.Context, recipients []domain.Recipient) Summary {
	var summary Summary

	for i, rec := range recipients {
		if ctx.Err() != nil || d.limiter.GlobalLimitReached() {
			summary.Skipped += len(recipients) - i
			slog.Info("run cut short", "skipped", summary.Skipped)
			break
		}

		task := domain.NewTask(rec, d.personalizer.Render(rec), d.config.MaxAttemptsPerTask, len(d.senders))
		result := d.retrier.SendWithFallback(ctx, d.senders, task)

		if result.Success {
			summary.Sent++
			d.recordStatus(ctx, rec, domain.RecipientStatusSent)
		} else {
			summary.Failed++
			d.recordStatus(ctx, rec, domain.RecipientStatusError)
		}
	}
	return summary
}

func (d *Driver) recordStatus(ctx context.Context, rec domain.Recipient, status domain.RecipientStatus) {
	if err := d.store.UpdateStatus(ctx, rec, status); err != nil {
		slog.Error("failed to record recipient status",
			"recipient", rec.Address,
			"status", status,
			"error", err,
		)
	}
}

func chunk(recipients []domain.Recipient, size int) [][]domain.Recipient {
	var batches [][]domain.Recipient
	for i := 0; i < len(recipients); i += size {
		end := min(i+size, len(recipients))
		batches = append(batches, recipients[i:end])
	}
	return batches
}

func remaining(batches [][]domain.Recipient) int {
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	return total
}
