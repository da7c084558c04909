// Package recalc_repo stores recalculation tasks in sys_recalc_queue.
package recalc_repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
	"avfuel/internal/infrastructure/storage/postgres"
)

const tableName = "sys_recalc_queue"

var _ recalc.Repository = (*TaskRepo)(nil)

type taskRow struct {
	ID                  id.ID              `db:"id"`
	WarehouseID         id.ID              `db:"warehouse_id"`
	Product             ledger.ProductType `db:"product"`
	AfterDate           time.Time          `db:"after_date"`
	Status              recalc.Status      `db:"status"`
	Priority            int                `db:"priority"`
	Attempts            int                `db:"attempts"`
	ProcessingStartedAt *time.Time         `db:"processing_started_at"`
	ProcessedAt         *time.Time         `db:"processed_at"`
	ErrorMessage        *string            `db:"error_message"`
	Rerun               bool               `db:"rerun"`
	CreatedBy           string             `db:"created_by"`
	CreatedAt           time.Time          `db:"created_at"`
	UpdatedAt           time.Time          `db:"updated_at"`
}

var taskColumns = postgres.ExtractDBColumns[taskRow]()

func (r *taskRow) toDomain() *recalc.Task {
	return &recalc.Task{
		ID:                  r.ID,
		Account:             ledger.NewAccountKey(r.WarehouseID, r.Product),
		AfterDate:           r.AfterDate.UTC(),
		Status:              r.Status,
		Priority:            r.Priority,
		Attempts:            r.Attempts,
		ProcessingStartedAt: r.ProcessingStartedAt,
		ProcessedAt:         r.ProcessedAt,
		ErrorMessage:        r.ErrorMessage,
		Rerun:               r.Rerun,
		CreatedBy:           r.CreatedBy,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// TaskRepo implements recalc.Repository.
type TaskRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewTaskRepo creates a new task repository.
func NewTaskRepo(txManager *postgres.TxManager) *TaskRepo {
	return &TaskRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetByID returns a task without locking.
func (r *TaskRepo) GetByID(ctx context.Context, taskID id.ID) (*recalc.Task, error) {
	q := r.builder.Select(taskColumns...).From(tableName).Where(squirrel.Eq{"id": taskID})
	return r.mustGet(ctx, q, taskID)
}

// GetForUpdate returns a task row-locked for the current transaction.
func (r *TaskRepo) GetForUpdate(ctx context.Context, taskID id.ID) (*recalc.Task, error) {
	q := r.builder.Select(taskColumns...).From(tableName).
		Where(squirrel.Eq{"id": taskID}).
		Suffix("FOR UPDATE")
	return r.mustGet(ctx, q, taskID)
}

func (r *TaskRepo) activeQuery(key ledger.AccountKey) squirrel.SelectBuilder {
	return r.builder.Select(taskColumns...).From(tableName).
		Where(squirrel.Eq{
			"warehouse_id": key.WarehouseID,
			"product":      key.Product,
			"status":       []recalc.Status{recalc.StatusPending, recalc.StatusProcessing},
		})
}

// GetActiveForUpdate returns the account's active task, or nil.
func (r *TaskRepo) GetActiveForUpdate(ctx context.Context, key ledger.AccountKey) (*recalc.Task, error) {
	t, err := r.get(ctx, r.activeQuery(key).Suffix("FOR UPDATE"))
	if err != nil {
		return nil, fmt.Errorf("get active task %s: %w", key, err)
	}
	return t, nil
}

func (r *TaskRepo) insertQuery(t *recalc.Task) squirrel.InsertBuilder {
	return r.builder.Insert(tableName).
		Columns(taskColumns...).
		Values(
			t.ID, t.Account.WarehouseID, t.Account.Product, t.AfterDate, t.Status, t.Priority, t.Attempts,
			t.ProcessingStartedAt, t.ProcessedAt, t.ErrorMessage, t.Rerun,
			t.CreatedBy, t.CreatedAt, t.UpdatedAt,
		).
		// Matches the partial unique index on active tasks.
		Suffix("ON CONFLICT (warehouse_id, product) WHERE status IN ('PENDING', 'PROCESSING') DO NOTHING")
}

// Insert stores a new task; false when the account already has an active one.
func (r *TaskRepo) Insert(ctx context.Context, t *recalc.Task) (bool, error) {
	sql, args, err := r.insertQuery(t).ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TaskRepo) updateQuery(t *recalc.Task) squirrel.UpdateBuilder {
	return r.builder.Update(tableName).
		Set("after_date", t.AfterDate).
		Set("status", t.Status).
		Set("priority", t.Priority).
		Set("attempts", t.Attempts).
		Set("processing_started_at", t.ProcessingStartedAt).
		Set("processed_at", t.ProcessedAt).
		Set("error_message", t.ErrorMessage).
		Set("rerun", t.Rerun).
		Set("updated_at", t.UpdatedAt).
		Where(squirrel.Eq{"id": t.ID})
}

// Update writes the mutable task fields.
func (r *TaskRepo) Update(ctx context.Context, t *recalc.Task) error {
	sql, args, err := r.updateQuery(t).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("recalc_task", t.ID)
	}
	return nil
}

func (r *TaskRepo) claimQuery(now time.Time) squirrel.UpdateBuilder {
	next := r.builder.Select("id").From(tableName).
		Where(squirrel.Eq{"status": recalc.StatusPending}).
		OrderBy("priority DESC", "created_at", "id").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	return r.builder.Update(tableName).
		Set("status", recalc.StatusProcessing).
		Set("attempts", squirrel.Expr("attempts + 1")).
		Set("processing_started_at", now).
		Set("updated_at", now).
		Where(next.Prefix("id = (").Suffix(")")).
		Suffix("RETURNING " + strings.Join(taskColumns, ", "))
}

// ClaimNext moves the next PENDING task to PROCESSING. Nil when the queue is empty.
func (r *TaskRepo) ClaimNext(ctx context.Context, now time.Time) (*recalc.Task, error) {
	sql, args, err := r.claimQuery(now.UTC()).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim: %w", err)
	}
	var row taskRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return row.toDomain(), nil
}

// ResetStuck returns long-running PROCESSING tasks to PENDING.
func (r *TaskRepo) ResetStuck(ctx context.Context, startedBefore time.Time, message string, now time.Time) (int64, error) {
	q := r.builder.Update(tableName).
		Set("status", recalc.StatusPending).
		Set("processing_started_at", nil).
		Set("error_message", message).
		Set("updated_at", now.UTC()).
		Where(squirrel.Eq{"status": recalc.StatusProcessing}).
		Where(squirrel.Lt{"processing_started_at": startedBefore})
	return r.execCount(ctx, q, "reset stuck tasks")
}

// DeleteCompleted removes old COMPLETED tasks.
func (r *TaskRepo) DeleteCompleted(ctx context.Context, processedBefore time.Time) (int64, error) {
	q := r.builder.Delete(tableName).
		Where(squirrel.Eq{"status": recalc.StatusCompleted}).
		Where(squirrel.Lt{"processed_at": processedBefore})
	return r.execCount(ctx, q, "delete completed tasks")
}

// HasActive reports whether the account has a PENDING or PROCESSING task.
func (r *TaskRepo) HasActive(ctx context.Context, key ledger.AccountKey) (bool, error) {
	inner, args, err := r.activeQuery(key).ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}
	var exists bool
	if err := r.txManager.GetQuerier(ctx).QueryRow(ctx, "SELECT EXISTS ("+inner+")", args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check active task %s: %w", key, err)
	}
	return exists, nil
}

// ListFailed returns FAILED tasks, most recently updated first.
func (r *TaskRepo) ListFailed(ctx context.Context, limit int) ([]*recalc.Task, error) {
	q := r.builder.Select(taskColumns...).From(tableName).
		Where(squirrel.Eq{"status": recalc.StatusFailed}).
		OrderBy("updated_at DESC").
		Limit(uint64(limit))
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []taskRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	out := make([]*recalc.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (r *TaskRepo) mustGet(ctx context.Context, q squirrel.SelectBuilder, taskID id.ID) (*recalc.Task, error) {
	t, err := r.get(ctx, q)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperror.NewNotFound("recalc_task", taskID)
	}
	return t, nil
}

func (r *TaskRepo) get(ctx context.Context, q squirrel.SelectBuilder) (*recalc.Task, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var row taskRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toDomain(), nil
}

func (r *TaskRepo) execCount(ctx context.Context, q squirrel.Sqlizer, op string) (int64, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", op, err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}
