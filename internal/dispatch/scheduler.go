package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/mail-courier/internal/domain"
)

// SelectionPolicy controls how the scheduler picks a sender for a task.
type SelectionPolicy string

// Selection policies.
const (
	PolicySmart      SelectionPolicy = "smart"
	PolicySimple     SelectionPolicy = "simple"
	PolicyRoundRobin SelectionPolicy = "round_robin"
)

// OverflowStrategy controls what happens when no sender is eligible under
// normal capacity rules.
type OverflowStrategy string

// Overflow strategies.
const (
	OverflowWaitShortest OverflowStrategy = "wait_shortest"
	OverflowExpandQueue  OverflowStrategy = "expand_queue"
)

// SchedulerConfig contains queue-management configuration.
type SchedulerConfig struct {
	MaxQueueSizePerSender int
	SelectionPolicy       SelectionPolicy
	OverflowStrategy      OverflowStrategy
	EnableRebalancing     bool
	RebalanceInterval     time.Duration
	MaxWaitTimeThreshold  time.Duration
	RebalanceMaxMoves     int
}

// DefaultSchedulerConfig returns default queue-management configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxQueueSizePerSender: 50,
		SelectionPolicy:       PolicySmart,
		OverflowStrategy:      OverflowWaitShortest,
		EnableRebalancing:     true,
		RebalanceInterval:     30 * time.Second,
		MaxWaitTimeThreshold:  5 * time.Minute,
		RebalanceMaxMoves:     5,
	}
}

// Scheduler owns all sender queues and decides which sender handles which
// task. Workers never reach into its internals; they consume the narrow
// GetNextForSender / RequeueFailed / RecordSuccess surface.
type Scheduler struct {
	config   SchedulerConfig
	senders  []domain.SenderProfile
	queues   map[string]*SenderQueue
	limiter  *RateLimiter
	failures *FailureTracker

	mu            sync.Mutex
	lastRebalance time.Time
	processed     int
}

// NewScheduler validates the configuration and creates one queue per sender.
func NewScheduler(senders []domain.SenderProfile, config SchedulerConfig, limiter *RateLimiter, failures *FailureTracker) (*Scheduler, error) {
	if len(senders) == 0 {
		return nil, ErrNoSenders
	}
	switch config.SelectionPolicy {
	case PolicySmart, PolicySimple, PolicyRoundRobin:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, config.SelectionPolicy)
	}
	switch config.OverflowStrategy {
	case OverflowWaitShortest, OverflowExpandQueue:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOverflow, config.OverflowStrategy)
	}
	if config.MaxQueueSizePerSender <= 0 {
		return nil, ErrInvalidQueueDepth
	}
	if config.RebalanceMaxMoves <= 0 {
		config.RebalanceMaxMoves = 5
	}

	queues := make(map[string]*SenderQueue, len(senders))
	for _, s := range senders {
		if _, dup := queues[s.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSender, s.ID)
		}
		queues[s.ID] = NewSenderQueue(s.ID)
	}

	slog.Info("scheduler initialized",
		"senders", len(senders),
		"policy", config.SelectionPolicy,
		"overflow", config.OverflowStrategy,
		"max_queue_size", config.MaxQueueSizePerSender,
	)

	return &Scheduler{
		config:        config,
		senders:       senders,
		queues:        queues,
		limiter:       limiter,
		failures:      failures,
		lastRebalance: time.Now(),
	}, nil
}

// Senders returns the configured sender profiles in list order.
func (s *Scheduler) Senders() []domain.SenderProfile {
	return s.senders
}

// availability estimates how long until a sender would actually process a
// newly appended task: its remaining gap plus the time to drain its queue.
func (s *Scheduler) availability(senderID string) time.Duration {
	wait := s.limiter.GapWaitTime(senderID)
	depth := s.queues[senderID].Len()
	return wait + time.Duration(depth)*s.senderGap(senderID)
}

func (s *Scheduler) senderGap(senderID string) time.Duration {
	for _, sender := range s.senders {
		if sender.ID == senderID {
			return sender.MinGap
		}
	}
	return 0
}

// FindOptimalSender picks the best eligible sender for the task under the
// configured policy, or reports that none qualifies. Eligibility: untried by
// the task, not blocked, within rate limits ignoring the gap, and (unless
// capped is false) below the queue capacity cap. Senders listed in exclude
// are skipped.
func (s *Scheduler) FindOptimalSender(task *domain.Task, capped bool, exclude ...string) (string, bool) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	bestID := ""
	var bestScore time.Duration
	found := false

	for _, sender := range s.senders {
		id := sender.ID
		if _, skip := excluded[id]; skip {
			continue
		}
		if !task.CanTrySender(id) {
			continue
		}
		if s.failures.IsBlocked(id) {
			continue
		}
		if !s.limiter.CanSendIgnoringGap(id) {
			continue
		}
		if capped && s.queues[id].Len() >= s.config.MaxQueueSizePerSender {
			continue
		}

		if s.config.SelectionPolicy == PolicyRoundRobin {
			return id, true
		}

		var score time.Duration
		if s.config.SelectionPolicy == PolicySmart {
			score = s.availability(id)
		} else {
			score = time.Duration(s.queues[id].Len())
		}

		// Ties go to the earlier sender in list order.
		if !found || score < bestScore {
			bestID, bestScore, found = id, score, true
		}
	}

	return bestID, found
}

// QueueTask assigns the task to the optimal sender queue, falling back to
// the overflow strategy when no sender is eligible. Returns false when even
// overflow fails; the caller is then responsible for marking the task
// permanently failed.
func (s *Scheduler) QueueTask(task *domain.Task) bool {
	if id, ok := s.FindOptimalSender(task, true); ok {
		s.put(id, task)
		slog.Debug("task queued", "recipient", task.Recipient.Address, "sender", id)
		return true
	}
	return s.handleOverflow(task)
}

func (s *Scheduler) handleOverflow(task *domain.Task) bool {
	switch s.config.OverflowStrategy {
	case OverflowWaitShortest:
		// Ignore the capacity cap and pick the untried sender that would be
		// free soonest, even oversubscribing its queue.
		bestID := ""
		var bestWait time.Duration
		found := false
		for _, sender := range s.senders {
			if !task.CanTrySender(sender.ID) {
				continue
			}
			wait := s.availability(sender.ID)
			if !found || wait < bestWait {
				bestID, bestWait, found = sender.ID, wait, true
			}
		}
		if found {
			s.put(bestID, task)
			slog.Warn("overflow queueing",
				"recipient", task.Recipient.Address,
				"sender", bestID,
				"queue_depth", s.queues[bestID].Len(),
			)
			return true
		}

	case OverflowExpandQueue:
		if id, ok := s.FindOptimalSender(task, false); ok {
			s.put(id, task)
			slog.Warn("overflow expanded queue", "recipient", task.Recipient.Address, "sender", id)
			return true
		}
	}

	slog.Error("no sender available for task", "recipient", task.Recipient.Address)
	return false
}

func (s *Scheduler) put(senderID string, task *domain.Task) {
	q := s.queues[senderID]
	q.Put(task)
	recordQueueDepth(senderID, q.Len())
}

// GetNextForSender pops the next task for the sender, or nil. Never blocks.
func (s *Scheduler) GetNextForSender(senderID string) *domain.Task {
	q, ok := s.queues[senderID]
	if !ok {
		return nil
	}
	task := q.Get()
	recordQueueDepth(senderID, q.Len())
	return task
}

// PutBack returns a dequeued task to the sender's queue without recording an
// attempt. Used when a worker stops before the task can be processed.
func (s *Scheduler) PutBack(senderID string, task *domain.Task) {
	s.put(senderID, task)
}

// RequeueFailed records a failed attempt against the task and routes it to a
// different sender. Returns false when the task is terminally failed and
// must not be re-enqueued.
func (s *Scheduler) RequeueFailed(task *domain.Task, failedSender, errMsg string) bool {
	task.RecordAttempt(failedSender, false, errMsg)
	s.queues[failedSender].RecordResult(false)

	if !task.ShouldRetry() {
		slog.Error("task failed permanently",
			"recipient", task.Recipient.Address,
			"attempts", task.AttemptCount,
			"error", errMsg,
		)
		return false
	}

	if s.QueueTask(task) {
		slog.Info("task requeued",
			"recipient", task.Recipient.Address,
			"failed_sender", failedSender,
			"attempt", task.AttemptCount,
			"max_attempts", task.MaxAttempts,
		)
		return true
	}

	task.MarkFailed("no available senders")
	return false
}

// RecordSuccess finalizes a successfully sent task.
func (s *Scheduler) RecordSuccess(task *domain.Task, senderID string) {
	task.RecordAttempt(senderID, true, "")
	s.queues[senderID].RecordResult(true)

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()

	slog.Debug("task sent", "recipient", task.Recipient.Address, "sender", senderID)
}

// ShouldRebalance reports whether a rebalance pass is due: rebalancing is
// enabled, the interval has elapsed, and some queue has a task older than
// the wait threshold.
func (s *Scheduler) ShouldRebalance() bool {
	if !s.config.EnableRebalancing {
		return false
	}

	s.mu.Lock()
	due := time.Since(s.lastRebalance) >= s.config.RebalanceInterval
	s.mu.Unlock()
	if !due {
		return false
	}

	for _, q := range s.queues {
		if q.Stats().OldestTaskAge > s.config.MaxWaitTimeThreshold {
			return true
		}
	}
	return false
}

// Rebalance moves tasks out of overloaded queues (oldest task older than the
// wait threshold) to better senders, at most RebalanceMaxMoves per queue per
// cycle. Tasks with no better option go back in place; FIFO order of the
// untouched remainder is preserved. Returns the number of tasks moved.
func (s *Scheduler) Rebalance() int {
	if !s.config.EnableRebalancing {
		return 0
	}

	s.mu.Lock()
	s.lastRebalance = time.Now()
	s.mu.Unlock()

	moved := 0
	for _, sender := range s.senders {
		q := s.queues[sender.ID]
		if q.Stats().OldestTaskAge <= s.config.MaxWaitTimeThreshold {
			continue
		}

		for i := 0; i < s.config.RebalanceMaxMoves; i++ {
			task := q.Get()
			if task == nil {
				break
			}
			if id, ok := s.FindOptimalSender(task, true, sender.ID); ok {
				s.put(id, task)
				moved++
				slog.Debug("task rebalanced",
					"recipient", task.Recipient.Address,
					"from", sender.ID,
					"to", id,
				)
			} else {
				q.Put(task)
			}
		}
		recordQueueDepth(sender.ID, q.Len())
	}

	if moved > 0 {
		recordRebalanced(moved)
		slog.Info("queues rebalanced", "moved", moved)
	}
	return moved
}

// SweepExpired drops tasks older than twice the wait threshold from every
// queue and returns them so the caller can report their status downstream.
func (s *Scheduler) SweepExpired() []*domain.Task {
	maxAge := 2 * s.config.MaxWaitTimeThreshold

	var expired []*domain.Task
	for _, sender := range s.senders {
		q := s.queues[sender.ID]
		dropped := q.RemoveExpired(maxAge)
		if len(dropped) > 0 {
			slog.Warn("expired tasks removed", "sender", sender.ID, "count", len(dropped))
			expired = append(expired, dropped...)
		}
		recordQueueDepth(sender.ID, q.Len())
	}

	for _, task := range dropStatuses(expired) {
		task.MarkFailed("expired in queue")
	}
	if len(expired) > 0 {
		recordExpired(len(expired))
	}
	return expired
}

// dropStatuses filters out tasks that already reached a terminal state.
func dropStatuses(tasks []*domain.Task) []*domain.Task {
	out := tasks[:0:0]
	for _, t := range tasks {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// Stats returns per-queue snapshots in sender list order plus the total
// number of tasks finalized by this scheduler.
func (s *Scheduler) Stats() ([]QueueStats, int) {
	stats := make([]QueueStats, 0, len(s.senders))
	for _, sender := range s.senders {
		stats = append(stats, s.queues[sender.ID].Stats())
	}

	s.mu.Lock()
	processed := s.processed
	s.mu.Unlock()
	return stats, processed
}

// QueuedTotal returns the number of tasks currently sitting in queues.
func (s *Scheduler) QueuedTotal() int {
	total := 0
	for _, q := range s.queues {
		total += q.Len()
	}
	return total
}
