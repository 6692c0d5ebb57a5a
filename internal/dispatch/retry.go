package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/bissquit/mail-courier/internal/domain"
)

// RetryConfig contains retry and fallback configuration for the non-queued
// sending mode.
type RetryConfig struct {
	MaxRetriesPerSender    int
	RetryDelay             time.Duration
	MaxRetriesPerRecipient int
	MaxFallbackAttempts    int
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetriesPerSender:    2,
		RetryDelay:             5 * time.Second,
		MaxRetriesPerRecipient: 6,
		MaxFallbackAttempts:    3,
	}
}

// RetryOrchestrator drives the non-queued sending mode: retry one sender a
// fixed number of times, then fall back across the remaining senders in
// order of soonest availability.
type RetryOrchestrator struct {
	config   RetryConfig
	limiter  *RateLimiter
	failures *FailureTracker
	sender   Sender
}

// FallbackResult summarizes one task's trip through the fallback chain.
type FallbackResult struct {
	Success          bool
	SendersTried     int
	TotalAttempts    int
	SuccessfulSender string
	LastError        error
}

// NewRetryOrchestrator creates an orchestrator over the shared limiter and
// failure tracker.
func NewRetryOrchestrator(config RetryConfig, limiter *RateLimiter, failures *FailureTracker, sender Sender) *RetryOrchestrator {
	return &RetryOrchestrator{
		config:   config,
		limiter:  limiter,
		failures: failures,
		sender:   sender,
	}
}

// SendWithRetries attempts one sender up to MaxRetriesPerSender+1 times with
// a fixed delay between attempts, stopping at the first success. Returns the
// number of attempts made and the last error, nil on success.
func (r *RetryOrchestrator) SendWithRetries(ctx context.Context, profile domain.SenderProfile, task *domain.Task) (int, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetriesPerSender; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := r.sender.Send(ctx, profile, task)
		if err == nil {
			if attempt > 0 {
				slog.Info("send succeeded after retries",
					"sender", profile.ID,
					"recipient", task.Recipient.Address,
					"attempt", attempt+1,
				)
			}
			return attempt + 1, nil
		}
		lastErr = err
		slog.Warn("send attempt failed",
			"sender", profile.ID,
			"recipient", task.Recipient.Address,
			"attempt", attempt+1,
			"error", err,
		)

		if attempt < r.config.MaxRetriesPerSender {
			if !sleep(ctx, r.config.RetryDelay) {
				return attempt + 1, ctx.Err()
			}
		}
	}

	return r.config.MaxRetriesPerSender + 1, lastErr
}

// SendWithFallback iterates eligible senders sorted by ascending gap wait.
// A sender whose gap has not elapsed is skipped while a strictly better,
// immediately available alternative remains later in the sorted list;
// otherwise the gap is waited out. Stops after MaxFallbackAttempts senders
// or MaxRetriesPerRecipient total attempts, whichever comes first. All
// internal retries against one sender count as a single handoff on the task.
func (r *RetryOrchestrator) SendWithFallback(ctx context.Context, senders []domain.SenderProfile, task *domain.Task) FallbackResult {
	result := FallbackResult{}

	maxSenders := r.config.MaxFallbackAttempts
	if maxSenders <= 0 || maxSenders > len(senders) {
		maxSenders = len(senders)
	}

	ordered := make([]domain.SenderProfile, len(senders))
	copy(ordered, senders)
	sort.SliceStable(ordered, func(i, j int) bool {
		return r.limiter.GapWaitTime(ordered[i].ID) < r.limiter.GapWaitTime(ordered[j].ID)
	})

	for i, profile := range ordered {
		if result.SendersTried >= maxSenders {
			slog.Info("fallback sender budget exhausted", "recipient", task.Recipient.Address)
			break
		}
		if r.config.MaxRetriesPerRecipient > 0 && result.TotalAttempts >= r.config.MaxRetriesPerRecipient {
			slog.Info("recipient attempt budget exhausted", "recipient", task.Recipient.Address)
			break
		}
		if err := ctx.Err(); err != nil {
			result.LastError = err
			break
		}

		id := profile.ID
		if !task.CanTrySender(id) {
			continue
		}
		if r.failures.IsBlocked(id) {
			slog.Debug("skipping blocked sender", "sender", id)
			continue
		}
		if !r.limiter.CanSendIgnoringGap(id) {
			slog.Debug("skipping rate-limited sender", "sender", id)
			continue
		}

		if wait := r.limiter.GapWaitTime(id); wait > 0 {
			if r.hasImmediateAlternative(task, ordered[i+1:]) {
				slog.Debug("skipping waiting sender, better option available", "sender", id, "gap", wait)
				continue
			}
			slog.Info("waiting out gap for best available sender", "sender", id, "wait", wait)
			if !sleep(ctx, wait) {
				result.LastError = ctx.Err()
				break
			}
		}

		if !r.limiter.TryReserve(id) {
			continue
		}

		result.SendersTried++
		attempts, err := r.SendWithRetries(ctx, profile, task)
		result.TotalAttempts += attempts

		if err == nil {
			r.limiter.RecordSent(id)
			r.failures.RecordSuccess(id)
			task.RecordAttempt(id, true, "")
			result.Success = true
			result.SuccessfulSender = id
			slog.Info("fallback send succeeded",
				"recipient", task.Recipient.Address,
				"sender", id,
				"total_attempts", result.TotalAttempts,
			)
			return result
		}

		r.limiter.Release(id)
		r.failures.RecordFailure(id, err.Error())
		task.RecordAttempt(id, false, err.Error())
		result.LastError = err
	}

	if task.Status != domain.TaskStatusFailed {
		task.MarkFailed("all fallback senders failed")
	}
	slog.Error("all fallback attempts failed",
		"recipient", task.Recipient.Address,
		"senders_tried", result.SendersTried,
		"total_attempts", result.TotalAttempts,
		"error", result.LastError,
	)
	return result
}

// hasImmediateAlternative reports whether any later sender in the sorted
// list could take the task right now with no gap wait.
func (r *RetryOrchestrator) hasImmediateAlternative(task *domain.Task, rest []domain.SenderProfile) bool {
	for _, p := range rest {
		if !task.CanTrySender(p.ID) {
			continue
		}
		if r.failures.IsBlocked(p.ID) {
			continue
		}
		if !r.limiter.CanSendIgnoringGap(p.ID) {
			continue
		}
		if r.limiter.GapWaitTime(p.ID) == 0 {
			return true
		}
	}
	return false
}

// sleep waits for d or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
