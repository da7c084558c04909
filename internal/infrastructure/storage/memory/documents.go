package memory

import (
	"context"
	"time"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/documents/deal"
	"avfuel/internal/domain/documents/movement"
	"avfuel/internal/domain/ledger"
)

var (
	_ movement.Repository = (*MovementRepo)(nil)
	_ deal.Repository     = (*SaleRepo)(nil)
)

// MovementRepo implements movement.Repository.
type MovementRepo struct {
	store *Store
}

func (r *MovementRepo) GetByID(ctx context.Context, movementID id.ID) (*movement.Movement, error) {
	var out *movement.Movement
	err := r.store.do(ctx, func(st *state) error {
		m, ok := st.movements[movementID]
		if !ok {
			return apperror.NewNotFound("movement", movementID)
		}
		out = &m
		return nil
	})
	return out, err
}

func (r *MovementRepo) UpdateTotalCost(ctx context.Context, movementID id.ID, totalCost types.Money) error {
	return r.store.do(ctx, func(st *state) error {
		m, ok := st.movements[movementID]
		if !ok {
			return apperror.NewNotFound("movement", movementID)
		}
		m.TotalCost = totalCost
		m.UpdatedAt = time.Now().UTC()
		st.movements[movementID] = m
		return nil
	})
}

// SaleRepo implements deal.Repository for one kind of sale record.
type SaleRepo struct {
	store *Store
	kind  ledger.SourceType
}

func (r *SaleRepo) GetByID(ctx context.Context, recordID id.ID) (*deal.SaleRecord, error) {
	var out *deal.SaleRecord
	err := r.store.do(ctx, func(st *state) error {
		rec, ok := st.sales[r.kind][recordID]
		if !ok {
			return apperror.NewNotFound(string(r.kind), recordID)
		}
		out = &rec
		return nil
	})
	return out, err
}

func (r *SaleRepo) UpdateCostBasis(ctx context.Context, s *deal.SaleRecord) error {
	return r.store.do(ctx, func(st *state) error {
		rec, ok := st.sales[r.kind][s.ID]
		if !ok {
			return apperror.NewNotFound(string(r.kind), s.ID)
		}
		rec.PurchasePrice = s.PurchasePrice
		rec.PurchaseAmount = s.PurchaseAmount
		rec.Profit = s.Profit
		rec.CostModified = s.CostModified
		rec.UpdatedAt = time.Now().UTC()
		st.sales[r.kind][s.ID] = rec
		return nil
	})
}
