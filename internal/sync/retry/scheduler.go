// Package retry schedules delayed, cancellable re-invocations of sync work.
// The scheduler is timer-driven and never blocks the caller; it fires a
// callback no earlier than the computed backoff delay and makes no promise
// beyond that. It does not decide whether a further retry is warranted --
// that stays with the state machine.
package retry

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsyncd/docsyncd/internal/sync/classify"
	"github.com/docsyncd/docsyncd/internal/sync/metrics"
)

// Callback runs when a retry timer fires. It executes on its own goroutine.
type Callback func()

type taskState int

const (
	statePending taskState = iota
	stateFired
	stateCancelled
)

// Task is one in-flight scheduled retry. Owned exclusively by the scheduler.
type Task struct {
	ID         string
	DocID      string
	Category   classify.ErrorCategory
	RetryCount int
	Strategy   classify.RetryStrategy
	CreatedAt  time.Time
	FiresAt    time.Time

	state       taskState
	timer       *time.Timer
	completedAt time.Time
}

// Stats is an observability snapshot of the scheduler.
type Stats struct {
	Active     int                            `json:"active"`
	Fired      int                            `json:"fired"`
	Cancelled  int                            `json:"cancelled"`
	ByCategory map[classify.ErrorCategory]int `json:"by_category"`
}

// Scheduler owns all retry tasks and their timers.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*Task
	log   *slog.Logger

	fired     int
	cancelled int
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		tasks: make(map[string]*Task),
		log:   log.With("component", "retry"),
	}
}

// Delay computes the backoff before retry attempt retryCount (1-indexed):
// min(initial * factor^(retryCount-1), max). Monotone in retryCount.
func Delay(s classify.RetryStrategy, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(s.InitialDelay) * math.Pow(s.BackoffFactor, float64(retryCount-1))
	if d > float64(s.MaxInterval) {
		return s.MaxInterval
	}
	return time.Duration(d)
}

// Schedule arms a timer for a retry of docID and returns the task id
// immediately. cause is logged only; the category and strategy are the
// classifier's verdict, snapshotted into the task.
func (s *Scheduler) Schedule(
	docID string,
	cause error,
	category classify.ErrorCategory,
	retryCount int,
	strategy classify.RetryStrategy,
	cb Callback,
) string {
	delay := Delay(strategy, retryCount)
	now := time.Now()

	task := &Task{
		ID:         uuid.New().String(),
		DocID:      docID,
		Category:   category,
		RetryCount: retryCount,
		Strategy:   strategy,
		CreatedAt:  now,
		FiresAt:    now.Add(delay),
		state:      statePending,
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	task.timer = time.AfterFunc(delay, func() { s.fire(task.ID, cb) })
	s.mu.Unlock()

	metrics.RetriesScheduled.WithLabelValues(string(category)).Inc()
	s.log.Debug("retry scheduled",
		"docID", docID, "taskID", task.ID, "attempt", retryCount,
		"delay", delay, "category", category, "cause", cause)
	return task.ID
}

func (s *Scheduler) fire(taskID string, cb Callback) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || task.state != statePending {
		s.mu.Unlock()
		return
	}
	task.state = stateFired
	task.completedAt = time.Now()
	s.fired++
	s.mu.Unlock()

	metrics.RetriesFired.WithLabelValues(string(task.Category)).Inc()
	cb()
}

// Cancel stops a pending task. Idempotent: returns false when the task is
// unknown, already fired, or already cancelled. Cancelling after the
// callback started does not interrupt it.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.state != statePending {
		return false
	}
	task.timer.Stop()
	task.state = stateCancelled
	task.completedAt = time.Now()
	s.cancelled++
	metrics.RetriesCancelled.WithLabelValues(string(task.Category)).Inc()
	return true
}

// CancelForDoc cancels every pending task for a document and returns the
// count. Used when a document is deleted mid-retry.
func (s *Scheduler) CancelForDoc(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if task.DocID != docID || task.state != statePending {
			continue
		}
		task.timer.Stop()
		task.state = stateCancelled
		task.completedAt = time.Now()
		s.cancelled++
		metrics.RetriesCancelled.WithLabelValues(string(task.Category)).Inc()
		n++
	}
	return n
}

// ActiveCount returns the number of pending tasks.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if task.state == statePending {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Fired:      s.fired,
		Cancelled:  s.cancelled,
		ByCategory: make(map[classify.ErrorCategory]int),
	}
	for _, task := range s.tasks {
		if task.state == statePending {
			st.Active++
			st.ByCategory[task.Category]++
		}
	}
	return st
}

// CleanupCompleted drops fired and cancelled tasks so the map stays bounded.
// Returns the number removed.
func (s *Scheduler) CleanupCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, task := range s.tasks {
		if task.state != statePending {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

// Shutdown cancels all pending timers. In-flight callbacks are not
// interrupted.
func (s *Scheduler) Shutdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if task.state == statePending {
			task.timer.Stop()
			task.state = stateCancelled
			task.completedAt = time.Now()
			s.cancelled++
			n++
		}
	}
	return n
}
