package dispatch

import (
	"log/slog"
	"sync"
	"time"
)

// FailureConfig contains failure-tracking configuration.
type FailureConfig struct {
	MaxFailuresBeforeBlock int
	CooldownPeriod         time.Duration
	FailureWindow          time.Duration
	ResetFailuresAfter     time.Duration
}

// DefaultFailureConfig returns default failure-tracking configuration.
func DefaultFailureConfig() FailureConfig {
	return FailureConfig{
		MaxFailuresBeforeBlock: 3,
		CooldownPeriod:         5 * time.Minute,
		FailureWindow:          10 * time.Minute,
		ResetFailuresAfter:     30 * time.Minute,
	}
}

// FailureTracker converts repeated consecutive failures into a timed block
// per sender. One success forgives all accumulated failures; blocks expire
// lazily on read, with no background timer.
type FailureTracker struct {
	mu     sync.Mutex
	config FailureConfig
	states map[string]*failureState

	now func() time.Time
}

type failureState struct {
	count        int
	timestamps   []time.Time
	blockedUntil time.Time
	lastReset    time.Time
}

// SenderFailureStatus is a point-in-time view of one sender's failure state.
type SenderFailureStatus struct {
	Blocked            bool
	FailureCount       int
	RemainingFailures  int
	RemainingBlockTime time.Duration
}

// NewFailureTracker creates a tracker with the given configuration.
func NewFailureTracker(config FailureConfig) *FailureTracker {
	return &FailureTracker{
		config: config,
		states: make(map[string]*failureState),
		now:    time.Now,
	}
}

// IsBlocked reports whether the sender is in its cooldown period. An expired
// block is cleared on the way out.
func (ft *FailureTracker) IsBlocked(senderID string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.isBlockedLocked(senderID)
}

// RecordFailure registers a failure for the sender and blocks it for the
// cooldown period once the threshold is reached.
func (ft *FailureTracker) RecordFailure(senderID, reason string) {
	now := ft.now()

	ft.mu.Lock()
	defer ft.mu.Unlock()

	st := ft.state(senderID, now)
	ft.pruneLocked(st, now)

	st.count++
	st.timestamps = append(st.timestamps, now)

	slog.Warn("sender failure recorded",
		"sender", senderID,
		"failures_in_window", st.count,
		"reason", reason,
	)

	if st.count >= ft.config.MaxFailuresBeforeBlock {
		st.blockedUntil = now.Add(ft.config.CooldownPeriod)
		slog.Error("sender blocked",
			"sender", senderID,
			"failures", st.count,
			"blocked_until", st.blockedUntil,
			"cooldown", ft.config.CooldownPeriod,
		)
	}
}

// RecordSuccess zeroes the sender's failure count unconditionally. Blocking
// requires consecutive failures; an interleaved success forgives prior ones.
func (ft *FailureTracker) RecordSuccess(senderID string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	st, ok := ft.states[senderID]
	if !ok || st.count == 0 {
		return
	}
	old := st.count
	st.count = 0
	st.timestamps = st.timestamps[:0]
	slog.Info("sender recovered", "sender", senderID, "forgiven_failures", old)
}

// Status returns the sender's current failure state, pruning lazily.
func (ft *FailureTracker) Status(senderID string) SenderFailureStatus {
	now := ft.now()

	ft.mu.Lock()
	defer ft.mu.Unlock()

	st := ft.state(senderID, now)
	ft.pruneLocked(st, now)

	status := SenderFailureStatus{
		Blocked:           ft.isBlockedLocked(senderID),
		FailureCount:      st.count,
		RemainingFailures: max(0, ft.config.MaxFailuresBeforeBlock-st.count),
	}
	if status.Blocked {
		status.RemainingBlockTime = st.blockedUntil.Sub(now)
	}
	return status
}

// BlockedCount returns how many senders are currently blocked.
func (ft *FailureTracker) BlockedCount() int {
	now := ft.now()

	ft.mu.Lock()
	defer ft.mu.Unlock()

	n := 0
	for _, st := range ft.states {
		if now.Before(st.blockedUntil) {
			n++
		}
	}
	return n
}

func (ft *FailureTracker) isBlockedLocked(senderID string) bool {
	st, ok := ft.states[senderID]
	if !ok || st.blockedUntil.IsZero() {
		return false
	}
	if ft.now().Before(st.blockedUntil) {
		return true
	}
	st.blockedUntil = time.Time{}
	slog.Info("sender cooldown expired", "sender", senderID)
	return false
}

func (ft *FailureTracker) state(senderID string, now time.Time) *failureState {
	st, ok := ft.states[senderID]
	if !ok {
		st = &failureState{lastReset: now}
		ft.states[senderID] = st
	}
	return st
}

// pruneLocked drops failures that slid out of the window and applies the
// periodic independent reset that keeps stale senders from staying flagged.
func (ft *FailureTracker) pruneLocked(st *failureState, now time.Time) {
	windowStart := now.Add(-ft.config.FailureWindow)
	i := 0
	for i < len(st.timestamps) && st.timestamps[i].Before(windowStart) {
		i++
	}
	if i > 0 {
		st.timestamps = append(st.timestamps[:0], st.timestamps[i:]...)
		st.count -= i
		if st.count < 0 {
			st.count = 0
		}
	}

	if ft.config.ResetFailuresAfter > 0 && now.Sub(st.lastReset) > ft.config.ResetFailuresAfter {
		st.count = 0
		st.timestamps = st.timestamps[:0]
		st.lastReset = now
	}
}
