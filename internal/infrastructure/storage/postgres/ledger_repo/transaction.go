package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/entity"
	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/infrastructure/storage/postgres"
)

const (
	transactionsTable = "reg_warehouse_transactions"

	// effectiveAtExpr is the ordering timestamp; mirrors Transaction.EffectiveAt.
	effectiveAtExpr = "COALESCE(effective_date, created_at)"
)

var _ ledger.TransactionRepository = (*TransactionRepo)(nil)

// transactionRow is the flat table shape. scany would prefix nested struct columns.
type transactionRow struct {
	ID                id.ID                  `db:"id"`
	WarehouseID       id.ID                  `db:"warehouse_id"`
	Product           ledger.ProductType     `db:"product"`
	TransactionType   ledger.TransactionType `db:"transaction_type"`
	Quantity          types.Quantity         `db:"quantity"`
	EffectiveDate     *time.Time             `db:"effective_date"`
	BalanceBefore     types.Quantity         `db:"balance_before"`
	BalanceAfter      types.Quantity         `db:"balance_after"`
	AverageCostBefore types.Money            `db:"average_cost_before"`
	AverageCostAfter  types.Money            `db:"average_cost_after"`
	Sum               types.Money            `db:"sum"`
	Price             types.Money            `db:"price"`
	SourceType        ledger.SourceType      `db:"source_type"`
	SourceID          id.ID                  `db:"source_id"`
	CreatedAt         time.Time              `db:"created_at"`
	UpdatedAt         time.Time              `db:"updated_at"`
	CreatedBy         string                 `db:"created_by"`
	UpdatedBy         string                 `db:"updated_by"`
	DeletedAt         *time.Time             `db:"deleted_at"`
	DeletedBy         *string                `db:"deleted_by"`
}

var transactionColumns = postgres.ExtractDBColumns[transactionRow]()

func (r *transactionRow) toDomain() *ledger.Transaction {
	return &ledger.Transaction{
		ID:                r.ID,
		Account:           ledger.NewAccountKey(r.WarehouseID, r.Product),
		Type:              r.TransactionType,
		Quantity:          r.Quantity,
		EffectiveDate:     r.EffectiveDate,
		BalanceBefore:     r.BalanceBefore,
		BalanceAfter:      r.BalanceAfter,
		AverageCostBefore: r.AverageCostBefore,
		AverageCostAfter:  r.AverageCostAfter,
		Sum:               r.Sum,
		Price:             r.Price,
		Source:            ledger.SourceRef{Type: r.SourceType, ID: r.SourceID},
		Audit: entity.Audit{
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			CreatedBy: r.CreatedBy,
			UpdatedBy: r.UpdatedBy,
		},
		SoftDelete: entity.SoftDelete{DeletedAt: r.DeletedAt, DeletedBy: r.DeletedBy},
	}
}

// TransactionRepo implements ledger.TransactionRepository on reg_warehouse_transactions.
type TransactionRepo struct {
	txManager *postgres.TxManager
	batch     *postgres.BatchExecutor
	builder   squirrel.StatementBuilderType
}

// NewTransactionRepo creates a new transaction repository.
func NewTransactionRepo(txManager *postgres.TxManager) *TransactionRepo {
	return &TransactionRepo{
		txManager: txManager,
		batch:     postgres.NewBatchExecutor(txManager),
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *TransactionRepo) insertQuery(t *ledger.Transaction) squirrel.InsertBuilder {
	return r.builder.Insert(transactionsTable).
		Columns(transactionColumns...).
		Values(
			t.ID, t.Account.WarehouseID, t.Account.Product, t.Type, t.Quantity, t.EffectiveDate,
			t.BalanceBefore, t.BalanceAfter, t.AverageCostBefore, t.AverageCostAfter,
			t.Sum, t.Price, t.Source.Type, t.Source.ID,
			t.CreatedAt, t.UpdatedAt, t.CreatedBy, t.UpdatedBy, t.DeletedAt, t.DeletedBy,
		)
}

// Create inserts a new row.
func (r *TransactionRepo) Create(ctx context.Context, t *ledger.Transaction) error {
	sql, args, err := r.insertQuery(t).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID returns the row even when soft-deleted.
func (r *TransactionRepo) GetByID(ctx context.Context, transactionID id.ID) (*ledger.Transaction, error) {
	q := r.builder.Select(transactionColumns...).
		From(transactionsTable).
		Where(squirrel.Eq{"id": transactionID})

	t, err := r.getOne(ctx, q)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, apperror.NewNotFound("transaction", transactionID)
		}
		return nil, err
	}
	return t, nil
}

func (r *TransactionRepo) updateQuery(t *ledger.Transaction) squirrel.UpdateBuilder {
	return r.builder.Update(transactionsTable).
		Set("quantity", t.Quantity).
		Set("effective_date", t.EffectiveDate).
		Set("balance_before", t.BalanceBefore).
		Set("balance_after", t.BalanceAfter).
		Set("average_cost_before", t.AverageCostBefore).
		Set("average_cost_after", t.AverageCostAfter).
		Set("sum", t.Sum).
		Set("price", t.Price).
		Set("updated_at", t.UpdatedAt).
		Set("updated_by", t.UpdatedBy).
		Set("deleted_at", t.DeletedAt).
		Set("deleted_by", t.DeletedBy).
		Where(squirrel.Eq{"id": t.ID})
}

// Update rewrites the mutable columns of a row.
func (r *TransactionRepo) Update(ctx context.Context, t *ledger.Transaction) error {
	sql, args, err := r.updateQuery(t).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("transaction", t.ID)
	}
	return nil
}

func (r *TransactionRepo) snapshotQuery(t *ledger.Transaction) squirrel.UpdateBuilder {
	return r.builder.Update(transactionsTable).
		Set("balance_before", t.BalanceBefore).
		Set("balance_after", t.BalanceAfter).
		Set("average_cost_before", t.AverageCostBefore).
		Set("average_cost_after", t.AverageCostAfter).
		Set("sum", t.Sum).
		Set("price", t.Price).
		Where(squirrel.Eq{"id": t.ID})
}

// UpdateSnapshots rewrites the derived columns of replayed rows in one batch.
func (r *TransactionRepo) UpdateSnapshots(ctx context.Context, rows []*ledger.Transaction) error {
	if len(rows) == 0 {
		return nil
	}
	queries := make([]postgres.BatchQuery, 0, len(rows))
	for _, t := range rows {
		sql, args, err := r.snapshotQuery(t).ToSql()
		if err != nil {
			return fmt.Errorf("build snapshot update: %w", err)
		}
		queries = append(queries, postgres.BatchQuery{SQL: sql, Args: args, ExpectRows: 1})
	}
	if err := r.batch.ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("update snapshots: %w", err)
	}
	return nil
}

func (r *TransactionRepo) accountScope(key ledger.AccountKey) squirrel.And {
	return squirrel.And{
		squirrel.Eq{"warehouse_id": key.WarehouseID},
		squirrel.Eq{"product": key.Product},
		squirrel.Eq{"deleted_at": nil},
	}
}

func (r *TransactionRepo) latestQuery(key ledger.AccountKey, exclude *id.ID) squirrel.SelectBuilder {
	where := r.accountScope(key)
	if exclude != nil {
		where = append(where, squirrel.NotEq{"id": *exclude})
	}
	return r.builder.Select("MAX(" + effectiveAtExpr + ")").
		From(transactionsTable).
		Where(where)
}

// LatestEffectiveAt returns the greatest effective timestamp on the account.
func (r *TransactionRepo) LatestEffectiveAt(ctx context.Context, key ledger.AccountKey, exclude *id.ID) (*time.Time, error) {
	sql, args, err := r.latestQuery(key, exclude).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var latest *time.Time
	if err := r.txManager.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&latest); err != nil {
		return nil, fmt.Errorf("latest effective date %s: %w", key, err)
	}
	if latest != nil {
		u := latest.UTC()
		latest = &u
	}
	return latest, nil
}

func (r *TransactionRepo) replayOrdered(q squirrel.SelectBuilder, desc bool) squirrel.SelectBuilder {
	if desc {
		return q.OrderBy(effectiveAtExpr+" DESC", "created_at DESC", "id DESC")
	}
	return q.OrderBy(effectiveAtExpr, "created_at", "id")
}

func (r *TransactionRepo) lastBeforeQuery(key ledger.AccountKey, before time.Time) squirrel.SelectBuilder {
	q := r.builder.Select(transactionColumns...).
		From(transactionsTable).
		Where(r.accountScope(key)).
		Where(squirrel.Lt{effectiveAtExpr: before})
	return r.replayOrdered(q, true).Limit(1)
}

// LastBefore returns the last row strictly before the given timestamp, or nil.
func (r *TransactionRepo) LastBefore(ctx context.Context, key ledger.AccountKey, before time.Time) (*ledger.Transaction, error) {
	t, err := r.getOne(ctx, r.lastBeforeQuery(key, before))
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *TransactionRepo) listFromQuery(key ledger.AccountKey, from time.Time) squirrel.SelectBuilder {
	q := r.builder.Select(transactionColumns...).
		From(transactionsTable).
		Where(r.accountScope(key)).
		Where(squirrel.GtOrEq{effectiveAtExpr: from})
	return r.replayOrdered(q, false)
}

// ListFrom returns rows from the given timestamp onward in replay order.
func (r *TransactionRepo) ListFrom(ctx context.Context, key ledger.AccountKey, from time.Time) ([]*ledger.Transaction, error) {
	sql, args, err := r.listFromQuery(key, from).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []transactionRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", key, err)
	}
	out := make([]*ledger.Transaction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// FindBySource locates the row created for a business record.
func (r *TransactionRepo) FindBySource(ctx context.Context, key ledger.AccountKey, source ledger.SourceRef, txType ledger.TransactionType) (*ledger.Transaction, error) {
	q := r.builder.Select(transactionColumns...).
		From(transactionsTable).
		Where(r.accountScope(key)).
		Where(squirrel.Eq{
			"source_type":      source.Type,
			"source_id":        source.ID,
			"transaction_type": txType,
		}).
		OrderBy("created_at DESC").
		Limit(1)

	t, err := r.getOne(ctx, q)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, apperror.NewNotFound("transaction", source.String())
		}
		return nil, err
	}
	return t, nil
}

func (r *TransactionRepo) getOne(ctx context.Context, q squirrel.SelectBuilder) (*ledger.Transaction, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var row transactionRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("transaction", "")
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return row.toDomain(), nil
}
