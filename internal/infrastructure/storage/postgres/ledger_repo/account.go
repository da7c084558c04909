// Package ledger_repo provides PostgreSQL implementations of the ledger repositories.
package ledger_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/infrastructure/storage/postgres"
)

const warehousesTable = "cat_warehouses"

var _ ledger.AccountRepository = (*AccountRepo)(nil)

// productColumns is the column triple an account occupies on the warehouse row.
type productColumns struct {
	balance       string
	averageCost   string
	recalculating string
}

func columnsFor(p ledger.ProductType) (productColumns, error) {
	var prefix string
	switch p {
	case ledger.ProductJetFuel:
		prefix = "jet_fuel"
	case ledger.ProductAvgas:
		prefix = "avgas"
	default:
		return productColumns{}, apperror.NewValidation(fmt.Sprintf("unknown product %q", p))
	}
	return productColumns{
		balance:       prefix + "_balance",
		averageCost:   prefix + "_average_cost",
		recalculating: prefix + "_recalculating",
	}, nil
}

type accountRow struct {
	Balance         types.Quantity `db:"balance"`
	AverageCost     types.Money    `db:"average_cost"`
	IsRecalculating bool           `db:"is_recalculating"`
}

// AccountRepo implements ledger.AccountRepository on cat_warehouses.
type AccountRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewAccountRepo creates a new account repository.
func NewAccountRepo(txManager *postgres.TxManager) *AccountRepo {
	return &AccountRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// LockAccount takes the per-account advisory lock.
func (r *AccountRepo) LockAccount(ctx context.Context, key ledger.AccountKey) error {
	return r.txManager.AdvisoryXactLock(ctx, key.String())
}

// GetAccount reads the account without locking.
func (r *AccountRepo) GetAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	return r.get(ctx, key, false)
}

// GetAccountForUpdate reads the account and row-locks the warehouse.
func (r *AccountRepo) GetAccountForUpdate(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	return r.get(ctx, key, true)
}

func (r *AccountRepo) selectAccount(key ledger.AccountKey, forUpdate bool) (squirrel.SelectBuilder, error) {
	cols, err := columnsFor(key.Product)
	if err != nil {
		return squirrel.SelectBuilder{}, err
	}
	q := r.builder.Select(
		cols.balance+" AS balance",
		cols.averageCost+" AS average_cost",
		cols.recalculating+" > 0 AS is_recalculating",
	).From(warehousesTable).
		Where(squirrel.Eq{"id": key.WarehouseID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	return q, nil
}

func (r *AccountRepo) get(ctx context.Context, key ledger.AccountKey, forUpdate bool) (*ledger.Account, error) {
	q, err := r.selectAccount(key, forUpdate)
	if err != nil {
		return nil, err
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row accountRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("warehouse", key.WarehouseID)
		}
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}

	return &ledger.Account{
		Key:             key,
		Position:        ledger.Position{Balance: row.Balance, AverageCost: row.AverageCost},
		IsRecalculating: row.IsRecalculating,
	}, nil
}

func (r *AccountRepo) updatePosition(key ledger.AccountKey, pos ledger.Position) (squirrel.UpdateBuilder, error) {
	cols, err := columnsFor(key.Product)
	if err != nil {
		return squirrel.UpdateBuilder{}, err
	}
	return r.builder.Update(warehousesTable).
		Set(cols.balance, pos.Balance).
		Set(cols.averageCost, pos.AverageCost).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": key.WarehouseID}), nil
}

// SavePosition writes balance and average cost.
func (r *AccountRepo) SavePosition(ctx context.Context, key ledger.AccountKey, pos ledger.Position) error {
	q, err := r.updatePosition(key, pos)
	if err != nil {
		return err
	}
	return r.exec(ctx, key, q)
}

func (r *AccountRepo) updateRecalculating(key ledger.AccountKey, on bool) (squirrel.UpdateBuilder, error) {
	cols, err := columnsFor(key.Product)
	if err != nil {
		return squirrel.UpdateBuilder{}, err
	}
	next := squirrel.Expr(cols.recalculating + " + 1")
	if !on {
		next = squirrel.Expr("GREATEST(" + cols.recalculating + " - 1, 0)")
	}
	return r.builder.Update(warehousesTable).
		Set(cols.recalculating, next).
		Where(squirrel.Eq{"id": key.WarehouseID}), nil
}

// SetRecalculating counts a replay in (on) or out.
func (r *AccountRepo) SetRecalculating(ctx context.Context, key ledger.AccountKey, on bool) error {
	q, err := r.updateRecalculating(key, on)
	if err != nil {
		return err
	}
	return r.exec(ctx, key, q)
}

func (r *AccountRepo) exec(ctx context.Context, key ledger.AccountKey, q squirrel.UpdateBuilder) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("warehouse", key.WarehouseID)
	}
	return nil
}
