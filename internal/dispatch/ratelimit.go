// Package dispatch contains the scheduling core: per-sender task queues, the
// sender-selection algorithm, the worker pool, rate limiting, failure
// tracking and retry/fallback orchestration.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bissquit/mail-courier/internal/domain"
)

// RateLimiter enforces a global send cap plus per-sender quotas: total per
// run, trailing-minute and trailing-hour windows, and a minimum inter-send
// gap. All checks are conservative: a sender at exactly its limit cannot
// send again until a window slide frees capacity.
//
// The check-and-reserve pair is one critical section (TryReserve), so
// concurrent workers cannot both pass a check and overshoot a cap.
type RateLimiter struct {
	mu          sync.Mutex
	globalLimit int
	globalSent  int
	quotas      map[string]domain.SenderProfile
	usage       map[string]*senderUsage

	now func() time.Time
}

type senderUsage struct {
	sentThisRun int
	// reserved counts slots handed out by TryReserve whose send has not yet
	// completed. Window checks include it so in-flight sends occupy capacity.
	reserved       int
	sentTimestamps []time.Time
	lastSentAt     time.Time
	nextGap        time.Duration
}

// SenderRateStats is a point-in-time view of one sender's usage.
type SenderRateStats struct {
	SenderID    string
	SentThisRun int
	RunLimit    int
	LastSentAt  time.Time
}

// NewRateLimiter creates a limiter for the given senders. globalLimit of 0
// means unlimited.
func NewRateLimiter(senders []domain.SenderProfile, globalLimit int) *RateLimiter {
	quotas := make(map[string]domain.SenderProfile, len(senders))
	usage := make(map[string]*senderUsage, len(senders))
	for _, s := range senders {
		quotas[s.ID] = s
		usage[s.ID] = &senderUsage{nextGap: s.MinGap}
	}
	return &RateLimiter{
		globalLimit: globalLimit,
		quotas:      quotas,
		usage:       usage,
		now:         time.Now,
	}
}

// CanSend reports whether the sender may send right now, including the gap.
func (rl *RateLimiter) CanSend(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.canSendLocked(senderID) && rl.gapWaitLocked(senderID) == 0
}

// CanSendIgnoringGap reports queue eligibility independent of pacing: the
// gap is a wait, not a hard rejection.
func (rl *RateLimiter) CanSendIgnoringGap(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.canSendLocked(senderID)
}

// TryReserve atomically checks every cap (ignoring the gap) and claims a
// send slot. A reservation must be settled with RecordSent on success or
// Release on failure.
func (rl *RateLimiter) TryReserve(senderID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.canSendLocked(senderID) {
		return false
	}

	u := rl.usage[senderID]
	if u == nil {
		u = &senderUsage{}
		rl.usage[senderID] = u
	}
	u.sentThisRun++
	u.reserved++
	rl.globalSent++
	return true
}

// Release returns a reserved slot after a failed send.
func (rl *RateLimiter) Release(senderID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	u := rl.usage[senderID]
	if u == nil || u.reserved == 0 {
		return
	}
	u.sentThisRun--
	u.reserved--
	rl.globalSent--
}

// RecordSent settles a reservation after a successful send: it stamps the
// send time and draws the next gap. Must be called exactly once per
// successful send.
func (rl *RateLimiter) RecordSent(senderID string) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	u := rl.usage[senderID]
	if u == nil {
		u = &senderUsage{}
		rl.usage[senderID] = u
	}
	if u.reserved > 0 {
		u.reserved--
	}
	u.sentTimestamps = append(u.sentTimestamps, now)
	u.lastSentAt = now
	u.nextGap = drawGap(rl.quotas[senderID])

	slog.Debug("send recorded",
		"sender", senderID,
		"sent_this_run", u.sentThisRun,
		"global_sent", rl.globalSent,
		"next_gap", u.nextGap,
	)
}

// GapWaitTime returns the remaining wait before the sender's gap is
// satisfied, or zero.
func (rl *RateLimiter) GapWaitTime(senderID string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.gapWaitLocked(senderID)
}

// WaitIfNeeded blocks until the sender's gap is satisfied or the context is
// cancelled. This is the only blocking point tied to rate limiting.
func (rl *RateLimiter) WaitIfNeeded(ctx context.Context, senderID string) error {
	wait := rl.GapWaitTime(senderID)
	if wait <= 0 {
		return nil
	}
	slog.Debug("gap pacing", "sender", senderID, "wait", wait)
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GlobalLimitReached reports whether the run-wide cap has been consumed.
func (rl *RateLimiter) GlobalLimitReached() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.globalLimit > 0 && rl.globalSent >= rl.globalLimit
}

// GlobalSent returns the number of sends counted against the global cap.
func (rl *RateLimiter) GlobalSent() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.globalSent
}

// Stats returns per-sender usage snapshots.
func (rl *RateLimiter) Stats() []SenderRateStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := make([]SenderRateStats, 0, len(rl.quotas))
	for id, q := range rl.quotas {
		u := rl.usage[id]
		stats = append(stats, SenderRateStats{
			SenderID:    id,
			SentThisRun: u.sentThisRun,
			RunLimit:    q.TotalLimitPerRun,
			LastSentAt:  u.lastSentAt,
		})
	}
	return stats
}

func (rl *RateLimiter) canSendLocked(senderID string) bool {
	if rl.globalLimit > 0 && rl.globalSent >= rl.globalLimit {
		return false
	}

	q, known := rl.quotas[senderID]
	if !known {
		return true
	}
	u := rl.usage[senderID]

	if q.TotalLimitPerRun > 0 && u.sentThisRun >= q.TotalLimitPerRun {
		return false
	}

	now := rl.now()
	rl.pruneLocked(u, now)

	if q.LimitPerMinute > 0 {
		minuteAgo := now.Add(-time.Minute)
		count := u.reserved
		for _, ts := range u.sentTimestamps {
			if ts.After(minuteAgo) {
				count++
			}
		}
		if count >= q.LimitPerMinute {
			return false
		}
	}

	if q.LimitPerHour > 0 {
		if len(u.sentTimestamps)+u.reserved >= q.LimitPerHour {
			return false
		}
	}

	return true
}

func (rl *RateLimiter) gapWaitLocked(senderID string) time.Duration {
	q, known := rl.quotas[senderID]
	if !known || q.MinGap <= 0 {
		return 0
	}
	u := rl.usage[senderID]
	if u.lastSentAt.IsZero() {
		return 0
	}
	required := u.nextGap
	if required <= 0 {
		required = q.MinGap
	}
	elapsed := rl.now().Sub(u.lastSentAt)
	if elapsed >= required {
		return 0
	}
	return required - elapsed
}

// pruneLocked drops timestamps older than the trailing hour, the widest
// window any quota uses.
func (rl *RateLimiter) pruneLocked(u *senderUsage, now time.Time) {
	hourAgo := now.Add(-time.Hour)
	i := 0
	for i < len(u.sentTimestamps) && !u.sentTimestamps[i].After(hourAgo) {
		i++
	}
	if i > 0 {
		u.sentTimestamps = append(u.sentTimestamps[:0], u.sentTimestamps[i:]...)
	}
}

// drawGap picks the next required gap for a sender, applying jitter when
// configured. Jittered gaps never drop below one second.
func drawGap(q domain.SenderProfile) time.Duration {
	if q.MinGap <= 0 {
		return 0
	}
	if q.GapJitter <= 0 {
		return q.MinGap
	}
	lo := q.MinGap - q.GapJitter
	if lo < time.Second {
		lo = time.Second
	}
	hi := q.MinGap + q.GapJitter
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}
