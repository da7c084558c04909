package recalc

import (
	"context"
	"time"

	"avfuel/internal/core/id"
	"avfuel/internal/domain/ledger"
)

// Repository persists recalculation tasks.
type Repository interface {
	// GetByID returns a task without locking.
	GetByID(ctx context.Context, taskID id.ID) (*Task, error)

	// GetForUpdate returns a task locked for the current transaction.
	GetForUpdate(ctx context.Context, taskID id.ID) (*Task, error)

	// GetActiveForUpdate returns the PENDING or PROCESSING task of the account,
	// locked for the current transaction. Nil when there is none.
	GetActiveForUpdate(ctx context.Context, key ledger.AccountKey) (*Task, error)

	// Insert stores a new PENDING task. Returns false without error when an active
	// task for the account already exists.
	Insert(ctx context.Context, t *Task) (bool, error)

	// Update writes the mutable task fields.
	Update(ctx context.Context, t *Task) error

	// ClaimNext atomically moves the highest-priority, oldest PENDING task to
	// PROCESSING and increments its attempts. Concurrent callers never receive the
	// same task. Nil when the queue is empty.
	ClaimNext(ctx context.Context, now time.Time) (*Task, error)

	// ResetStuck returns PROCESSING tasks claimed before startedBefore to PENDING.
	ResetStuck(ctx context.Context, startedBefore time.Time, message string, now time.Time) (int64, error)

	// DeleteCompleted removes COMPLETED tasks processed before the cutoff.
	DeleteCompleted(ctx context.Context, processedBefore time.Time) (int64, error)

	// HasActive reports whether the account has a PENDING or PROCESSING task.
	HasActive(ctx context.Context, key ledger.AccountKey) (bool, error)

	// ListFailed returns FAILED tasks, most recent first.
	ListFailed(ctx context.Context, limit int) ([]*Task, error)
}
