package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the delivery state of a task.
type TaskStatus string

// Task statuses.
const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRetrying TaskStatus = "retrying"
	TaskStatusSent     TaskStatus = "sent"
	TaskStatusFailed   TaskStatus = "failed"
)

// Terminal reports whether no further attempts may happen in this state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSent || s == TaskStatusFailed
}

// Message is the content payload carried by a task. The dispatch core treats
// it as opaque; only the sender collaborator interprets it.
type Message struct {
	Subject     string
	Body        string
	HTML        bool
	Attachments []string
}

// Task is one message-to-recipient unit of work with a bounded retry budget.
//
// A task is exclusively owned by whichever queue currently holds it and is
// mutated only by the worker or scheduler actively processing it. That
// single-writer discipline is enforced by the queue abstraction, so the task
// itself carries no lock.
type Task struct {
	ID        string
	Recipient Recipient
	Message   Message

	AttemptedSenders map[string]struct{}
	FailedSenders    map[string]struct{}
	SuccessfulSender string
	AttemptCount     int
	MaxAttempts      int
	// TotalSenders is the number of senders configured for the run. It bounds
	// how many distinct senders a task may be handed to and is required at
	// construction time.
	TotalSenders int

	Status        TaskStatus
	LastError     string
	CreatedAt     time.Time
	LastAttemptAt time.Time

	CurrentQueue   string
	QueueEntryTime time.Time
}

// NewTask creates a pending task for the given recipient and message.
func NewTask(recipient Recipient, msg Message, maxAttempts, totalSenders int) *Task {
	return &Task{
		ID:               uuid.NewString(),
		Recipient:        recipient,
		Message:          msg,
		AttemptedSenders: make(map[string]struct{}),
		FailedSenders:    make(map[string]struct{}),
		MaxAttempts:      maxAttempts,
		TotalSenders:     totalSenders,
		Status:           TaskStatusPending,
		CreatedAt:        time.Now(),
	}
}

// CanTrySender reports whether the given sender has not yet been attempted
// for this task. A sender is never retried for the same task.
func (t *Task) CanTrySender(senderID string) bool {
	_, tried := t.AttemptedSenders[senderID]
	return !tried
}

// RecordAttempt records one sender handoff. On success the task becomes
// terminal regardless of remaining budget; on failure it transitions to
// retrying while budget remains, otherwise to failed.
func (t *Task) RecordAttempt(senderID string, success bool, errMsg string) {
	t.AttemptedSenders[senderID] = struct{}{}
	t.AttemptCount++
	t.LastAttemptAt = time.Now()

	if success {
		t.SuccessfulSender = senderID
		t.Status = TaskStatusSent
		return
	}

	t.FailedSenders[senderID] = struct{}{}
	t.LastError = errMsg
	if t.ShouldRetry() {
		t.Status = TaskStatusRetrying
	} else {
		t.Status = TaskStatusFailed
	}
}

// ShouldRetry reports whether the task has budget left for another sender.
// Terminal tasks are never re-enqueued.
func (t *Task) ShouldRetry() bool {
	return !t.Status.Terminal() &&
		t.AttemptCount < t.MaxAttempts &&
		len(t.AttemptedSenders) < t.TotalSenders
}

// MarkFailed forces the task into the terminal failed state. Used when no
// eligible sender remains before the budget itself is exhausted.
func (t *Task) MarkFailed(reason string) {
	t.Status = TaskStatusFailed
	if reason != "" {
		t.LastError = reason
	}
}

// SetQueued records which sender queue currently holds the task.
func (t *Task) SetQueued(senderID string) {
	t.CurrentQueue = senderID
	t.QueueEntryTime = time.Now()
}

// QueueWaitTime returns how long the task has been waiting in its current
// queue, or zero if it is not queued.
func (t *Task) QueueWaitTime(now time.Time) time.Duration {
	if t.QueueEntryTime.IsZero() {
		return 0
	}
	return now.Sub(t.QueueEntryTime)
}

// Expired reports whether the task has been alive longer than maxAge.
func (t *Task) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(t.CreatedAt) > maxAge
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(to=%s, status=%s, attempts=%d/%d, queue=%s)",
		t.Recipient.Address, t.Status, t.AttemptCount, t.MaxAttempts, t.CurrentQueue)
}
