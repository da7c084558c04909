package recalc

import (
	"context"
	"fmt"

	"avfuel/internal/core/types"
	"avfuel/internal/domain/documents/deal"
	"avfuel/internal/domain/documents/movement"
	"avfuel/internal/domain/ledger"
)

// CostResolver returns the current incoming cost of an inbound row from its business record.
type CostResolver func(ctx context.Context, row *ledger.Transaction) (types.Money, error)

// SaleSynchronizer pushes the replayed cost basis of an outbound row into its sale record.
// Reports whether the record changed.
type SaleSynchronizer func(ctx context.Context, row *ledger.Transaction) (bool, error)

// SourceRegistry resolves ledger rows back to the business records they came from.
type SourceRegistry struct {
	movements movement.Repository
	costs     map[ledger.SourceType]CostResolver
	sales     map[ledger.SourceType]SaleSynchronizer
}

// NewSourceRegistry wires the movement cost resolver and one sale synchronizer per sale repository.
func NewSourceRegistry(movements movement.Repository, sales map[ledger.SourceType]deal.Repository) *SourceRegistry {
	r := &SourceRegistry{
		movements: movements,
		costs:     make(map[ledger.SourceType]CostResolver),
		sales:     make(map[ledger.SourceType]SaleSynchronizer),
	}

	r.RegisterCost(ledger.SourceMovement, func(ctx context.Context, row *ledger.Transaction) (types.Money, error) {
		m, err := movements.GetByID(ctx, row.Source.ID)
		if err != nil {
			return types.Zero(), fmt.Errorf("movement %s: %w", row.Source.ID, err)
		}
		return m.TotalCost, nil
	})

	for kind, repo := range sales {
		r.RegisterSale(kind, saleSynchronizer(repo))
	}

	return r
}

func saleSynchronizer(repo deal.Repository) SaleSynchronizer {
	return func(ctx context.Context, row *ledger.Transaction) (bool, error) {
		rec, err := repo.GetByID(ctx, row.Source.ID)
		if err != nil {
			return false, fmt.Errorf("%s: %w", row.Source, err)
		}
		if !rec.ApplyCostBasis(row.Price) {
			return false, nil
		}
		if err := repo.UpdateCostBasis(ctx, rec); err != nil {
			return false, fmt.Errorf("update cost basis of %s: %w", row.Source, err)
		}
		return true, nil
	}
}

// RegisterCost adds or replaces the cost resolver for a source type.
func (r *SourceRegistry) RegisterCost(t ledger.SourceType, fn CostResolver) {
	r.costs[t] = fn
}

// RegisterSale adds or replaces the sale synchronizer for a source type.
func (r *SourceRegistry) RegisterSale(t ledger.SourceType, fn SaleSynchronizer) {
	r.sales[t] = fn
}

// IncomingCost is the cost an inbound row contributes on replay.
// Rows without a resolver keep their recorded Sum.
func (r *SourceRegistry) IncomingCost(ctx context.Context, row *ledger.Transaction) (types.Money, error) {
	fn, ok := r.costs[row.Source.Type]
	if !ok {
		return row.Sum, nil
	}
	return fn(ctx, row)
}

// SyncSale updates the sale record behind an outbound row, if its source has one.
func (r *SourceRegistry) SyncSale(ctx context.Context, row *ledger.Transaction) (bool, error) {
	fn, ok := r.sales[row.Source.Type]
	if !ok {
		return false, nil
	}
	return fn(ctx, row)
}

// Movements exposes the movement repository for cascade discovery.
func (r *SourceRegistry) Movements() movement.Repository {
	return r.movements
}
