package dispatch

import (
	"sync"
	"time"

	"github.com/bissquit/mail-courier/internal/domain"
)

// SenderQueue is the FIFO of tasks awaiting one sender. Only the owning
// worker and the scheduler's rebalance/overflow logic touch a given queue,
// always under its lock.
type SenderQueue struct {
	senderID string

	mu    sync.Mutex
	tasks []*domain.Task

	processed    int
	succeeded    int
	failed       int
	lastActivity time.Time
}

// QueueStats is a snapshot of one sender queue.
type QueueStats struct {
	SenderID      string
	Depth         int
	Processed     int
	Succeeded     int
	Failed        int
	OldestTaskAge time.Duration
}

// NewSenderQueue creates an empty queue for the sender.
func NewSenderQueue(senderID string) *SenderQueue {
	return &SenderQueue{senderID: senderID}
}

// SenderID returns the owning sender.
func (q *SenderQueue) SenderID() string { return q.senderID }

// Put appends a task and stamps its queue entry.
func (q *SenderQueue) Put(task *domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.SetQueued(q.senderID)
	q.tasks = append(q.tasks, task)
}

// Get pops the next task, or nil when the queue is empty. Never blocks.
func (q *SenderQueue) Get() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

// Peek returns the next task without removing it.
func (q *SenderQueue) Peek() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// Len returns the current queue depth.
func (q *SenderQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// RemoveExpired drops tasks older than maxAge, preserving FIFO order for the
// remainder, and returns the dropped tasks so the caller can report them.
func (q *SenderQueue) RemoveExpired(maxAge time.Duration) []*domain.Task {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []*domain.Task
	var expired []*domain.Task
	for _, task := range q.tasks {
		if task.Expired(now, maxAge) {
			expired = append(expired, task)
		} else {
			kept = append(kept, task)
		}
	}
	q.tasks = kept
	return expired
}

// RecordResult updates the queue's outcome counters.
func (q *SenderQueue) RecordResult(success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed++
	q.lastActivity = time.Now()
	if success {
		q.succeeded++
	} else {
		q.failed++
	}
}

// Stats returns a snapshot of the queue.
func (q *SenderQueue) Stats() QueueStats {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		SenderID:  q.senderID,
		Depth:     len(q.tasks),
		Processed: q.processed,
		Succeeded: q.succeeded,
		Failed:    q.failed,
	}
	for _, task := range q.tasks {
		if age := now.Sub(task.CreatedAt); age > stats.OldestTaskAge {
			stats.OldestTaskAge = age
		}
	}
	return stats
}
