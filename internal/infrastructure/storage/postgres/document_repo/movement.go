// Package document_repo provides PostgreSQL access to the business documents
// the ledger revalues: inter-warehouse movements and sale records.
package document_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/documents/movement"
	"avfuel/internal/infrastructure/storage/postgres"
)

const movementsTable = "doc_movements"

var _ movement.Repository = (*MovementRepo)(nil)

var movementColumns = postgres.ExtractDBColumns[movement.Movement]()

// MovementRepo implements movement.Repository.
type MovementRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewMovementRepo creates a new movement repository.
func NewMovementRepo(txManager *postgres.TxManager) *MovementRepo {
	return &MovementRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetByID loads a movement.
func (r *MovementRepo) GetByID(ctx context.Context, movementID id.ID) (*movement.Movement, error) {
	sql, args, err := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{"id": movementID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var m movement.Movement
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &m, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("movement", movementID)
		}
		return nil, fmt.Errorf("get movement: %w", err)
	}
	return &m, nil
}

func (r *MovementRepo) updateCostQuery(movementID id.ID, totalCost types.Money) squirrel.UpdateBuilder {
	return r.builder.Update(movementsTable).
		Set("total_cost", totalCost).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": movementID})
}

// UpdateTotalCost stores a repriced movement cost.
func (r *MovementRepo) UpdateTotalCost(ctx context.Context, movementID id.ID, totalCost types.Money) error {
	sql, args, err := r.updateCostQuery(movementID, totalCost).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update movement %s: %w", movementID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("movement", movementID)
	}
	return nil
}
