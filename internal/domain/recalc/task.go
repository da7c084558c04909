// Package recalc rebuilds ledger snapshots after backdated or edited events:
// a durable per-account task queue, the replay of one account, and the worker
// that drains the queue and follows cost changes across inter-warehouse movements.
package recalc

import (
	"time"

	"avfuel/internal/core/id"
	"avfuel/internal/domain/ledger"
)

// Status of a recalculation task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsActive reports whether the status blocks a second task for the same account.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

const (
	// MaxAttempts is the retry budget before a task is parked as FAILED.
	MaxAttempts = 3

	// DefaultStuckTimeout is how long a PROCESSING task may stay claimed.
	DefaultStuckTimeout = 5 * time.Minute

	// DefaultCompletedRetention is how long COMPLETED tasks are kept.
	DefaultCompletedRetention = 24 * time.Hour
)

// Task requests a replay of one account from AfterDate onward.
type Task struct {
	ID                  id.ID             `db:"id" json:"id"`
	Account             ledger.AccountKey `json:"account"`
	AfterDate           time.Time         `db:"after_date" json:"afterDate"`
	Status              Status            `db:"status" json:"status"`
	Priority            int               `db:"priority" json:"priority"`
	Attempts            int               `db:"attempts" json:"attempts"`
	ProcessingStartedAt *time.Time        `db:"processing_started_at" json:"processingStartedAt,omitempty"`
	ProcessedAt         *time.Time        `db:"processed_at" json:"processedAt,omitempty"`
	ErrorMessage        *string           `db:"error_message" json:"errorMessage,omitempty"`
	// Rerun is set when a request merged into the task while it was being processed.
	Rerun     bool      `db:"rerun" json:"rerun"`
	CreatedBy string    `db:"created_by" json:"createdBy"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewTask creates a PENDING task.
func NewTask(key ledger.AccountKey, afterDate time.Time, actor string, priority int, now time.Time) *Task {
	now = now.UTC()
	return &Task{
		ID:        id.New(),
		Account:   key,
		AfterDate: afterDate.UTC(),
		Status:    StatusPending,
		Priority:  priority,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Merge folds another request into an active task: earliest date, highest priority.
// A task already being processed is flagged to run again.
func (t *Task) Merge(afterDate time.Time, priority int, now time.Time) {
	if afterDate.Before(t.AfterDate) {
		t.AfterDate = afterDate.UTC()
	}
	if priority > t.Priority {
		t.Priority = priority
	}
	if t.Status == StatusProcessing {
		t.Rerun = true
	}
	t.UpdatedAt = now.UTC()
}

// Claim moves a PENDING task to PROCESSING and spends an attempt.
func (t *Task) Claim(now time.Time) {
	now = now.UTC()
	t.Status = StatusProcessing
	t.Attempts++
	t.ProcessingStartedAt = &now
	t.UpdatedAt = now
}

// Complete finishes the task, or returns it to PENDING when a merge arrived mid-run.
func (t *Task) Complete(now time.Time) {
	now = now.UTC()
	t.ProcessingStartedAt = nil
	t.UpdatedAt = now
	t.ErrorMessage = nil
	if t.Rerun {
		t.Rerun = false
		t.Status = StatusPending
		t.Attempts = 0
		return
	}
	t.Status = StatusCompleted
	t.ProcessedAt = &now
}

// Fail records the error and either schedules a retry or parks the task.
func (t *Task) Fail(message string, now time.Time) {
	now = now.UTC()
	t.ErrorMessage = &message
	t.ProcessingStartedAt = nil
	t.UpdatedAt = now
	t.Rerun = false
	if t.Attempts < MaxAttempts {
		t.Status = StatusPending
		return
	}
	t.Status = StatusFailed
	t.ProcessedAt = &now
}

// Reset returns a stuck task to PENDING.
func (t *Task) Reset(message string, now time.Time) {
	t.Status = StatusPending
	t.ProcessingStartedAt = nil
	t.ErrorMessage = &message
	t.UpdatedAt = now.UTC()
}

// Retry revives a FAILED task with a fresh budget.
func (t *Task) Retry(priority int, now time.Time) {
	t.Status = StatusPending
	t.Attempts = 0
	t.ErrorMessage = nil
	t.ProcessedAt = nil
	if priority > t.Priority {
		t.Priority = priority
	}
	t.UpdatedAt = now.UTC()
}
