package recalc

import (
	"context"
	"fmt"
	"time"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/core/tx"
	"avfuel/internal/domain/ledger"
	"avfuel/pkg/logger"
)

// Compile-time check that Queue serves the ledger poster.
var _ ledger.RecalculationEnqueuer = (*Queue)(nil)

// Queue is the durable recalculation task queue.
// At most one active task exists per account; new requests merge into it.
type Queue struct {
	repo      Repository
	txManager tx.Manager
	now       func() time.Time
}

// NewQueue creates a new queue.
func NewQueue(repo Repository, txManager tx.Manager) *Queue {
	return &Queue{
		repo:      repo,
		txManager: txManager,
		now:       time.Now,
	}
}

// WithClock overrides the clock. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue requests a replay of key from afterDate, merging with the active task if any.
func (q *Queue) Enqueue(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string, priority int) (*Task, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var task *Task
	merged := false
	err := q.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		// Second pass covers a concurrent insert between lookup and insert.
		for range 2 {
			active, err := q.repo.GetActiveForUpdate(ctx, key)
			if err != nil {
				return fmt.Errorf("get active task: %w", err)
			}
			if active != nil {
				active.Merge(afterDate, priority, q.now())
				if err := q.repo.Update(ctx, active); err != nil {
					return fmt.Errorf("merge task: %w", err)
				}
				task, merged = active, true
				return nil
			}

			t := NewTask(key, afterDate, actor, priority, q.now())
			inserted, err := q.repo.Insert(ctx, t)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			if inserted {
				task = t
				return nil
			}
		}
		return apperror.NewConflict(fmt.Sprintf("could not enqueue recalculation for %s", key))
	})
	if err != nil {
		return nil, err
	}

	logger.Debug(ctx, "recalculation enqueued",
		"account", key.String(),
		"task_id", task.ID,
		"after_date", task.AfterDate,
		"priority", task.Priority,
		"merged", merged,
	)
	return task, nil
}

// EnqueueRecalculation implements ledger.RecalculationEnqueuer.
func (q *Queue) EnqueueRecalculation(ctx context.Context, key ledger.AccountKey, afterDate time.Time, actor string, priority int) error {
	_, err := q.Enqueue(ctx, key, afterDate, actor, priority)
	return err
}

// ClaimNext takes the next PENDING task. Nil when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*Task, error) {
	t, err := q.repo.ClaimNext(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// MarkCompleted finishes a claimed task.
func (q *Queue) MarkCompleted(ctx context.Context, taskID id.ID) error {
	return q.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		t, err := q.repo.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		t.Complete(q.now())
		if err := q.repo.Update(ctx, t); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if t.Status == StatusPending {
			logger.Info(ctx, "recalculation task requeued after merge",
				"task_id", t.ID,
				"account", t.Account.String(),
				"after_date", t.AfterDate,
			)
		}
		return nil
	})
}

// MarkFailed records a failed attempt. The task goes back to PENDING until
// MaxAttempts is spent, then stays FAILED for an operator.
func (q *Queue) MarkFailed(ctx context.Context, taskID id.ID, message string) error {
	return q.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		t, err := q.repo.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		t.Fail(message, q.now())
		if err := q.repo.Update(ctx, t); err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		if t.Status == StatusFailed {
			logger.Warn(ctx, "recalculation task failed permanently",
				"task_id", t.ID,
				"account", t.Account.String(),
				"attempts", t.Attempts,
				"error", message,
			)
		}
		return nil
	})
}

// ResetStuckTasks releases tasks claimed longer than olderThan ago.
func (q *Queue) ResetStuckTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now()
	msg := fmt.Sprintf("reset after being processing for more than %s", olderThan)
	n, err := q.repo.ResetStuck(ctx, now.Add(-olderThan), msg, now)
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	if n > 0 {
		logger.Warn(ctx, "reset stuck recalculation tasks", "count", n)
	}
	return n, nil
}

// PurgeCompleted deletes COMPLETED tasks older than olderThan.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.repo.DeleteCompleted(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge completed tasks: %w", err)
	}
	return n, nil
}

// HasPendingTasks reports whether key has a task waiting or running.
func (q *Queue) HasPendingTasks(ctx context.Context, key ledger.AccountKey) (bool, error) {
	return q.repo.HasActive(ctx, key)
}

// ListFailed returns tasks that exhausted their retries.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return q.repo.ListFailed(ctx, limit)
}

// Retry revives a FAILED task at operator priority. When the account already has
// an active task, the failed date is merged into that task instead.
func (q *Queue) Retry(ctx context.Context, taskID id.ID, actor string) (*Task, error) {
	var result *Task
	err := q.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		failed, err := q.repo.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		if failed.Status != StatusFailed {
			return apperror.NewBusinessRule(apperror.CodeTaskNotRetryable,
				fmt.Sprintf("task is %s, only FAILED tasks can be retried", failed.Status))
		}

		active, err := q.repo.GetActiveForUpdate(ctx, failed.Account)
		if err != nil {
			return fmt.Errorf("get active task: %w", err)
		}
		if active != nil {
			active.Merge(failed.AfterDate, ledger.PriorityOperator, q.now())
			if err := q.repo.Update(ctx, active); err != nil {
				return fmt.Errorf("merge task: %w", err)
			}
			result = active
			return nil
		}

		failed.Retry(ledger.PriorityOperator, q.now())
		if err := q.repo.Update(ctx, failed); err != nil {
			return fmt.Errorf("retry task: %w", err)
		}
		result = failed
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "recalculation task retried",
		"task_id", taskID,
		"active_task_id", result.ID,
		"account", result.Account.String(),
		"actor", actor,
	)
	return result, nil
}
