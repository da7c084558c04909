// Package deal provides the sale records whose cost basis follows the ledger:
// wholesale deals and aircraft refuelings share one shape.
package deal

import (
	"context"
	"time"

	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/ledger"
)

// SaleRecord is a sale whose purchase side is valued at the ledger average cost.
type SaleRecord struct {
	ID             id.ID             `db:"id" json:"id"`
	Kind           ledger.SourceType `db:"-" json:"kind"`
	Quantity       types.Quantity    `db:"quantity" json:"quantity"`
	SaleAmount     types.Money       `db:"sale_amount" json:"saleAmount"`
	AncillaryCost  types.Money       `db:"ancillary_cost" json:"ancillaryCost"`
	PurchasePrice  types.Money       `db:"purchase_price" json:"purchasePrice"`
	PurchaseAmount types.Money       `db:"purchase_amount" json:"purchaseAmount"`
	Profit         types.Money       `db:"profit" json:"profit"`
	CostModified   bool              `db:"cost_modified" json:"costModified"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updatedAt"`
}

// ApplyCostBasis revalues the purchase side at price and recomputes profit.
// Reports whether any stored field changed.
func (s *SaleRecord) ApplyCostBasis(price types.Money) bool {
	amount := types.RoundMoney(s.Quantity.Mul(price))
	profit := s.SaleAmount.Sub(amount).Sub(s.AncillaryCost)

	if s.CostModified &&
		s.PurchasePrice.Equal(price) &&
		s.PurchaseAmount.Equal(amount) &&
		s.Profit.Equal(profit) {
		return false
	}

	s.PurchasePrice = price
	s.PurchaseAmount = amount
	s.Profit = profit
	s.CostModified = true
	return true
}

// Repository provides cost-basis access to one kind of sale record.
type Repository interface {
	GetByID(ctx context.Context, recordID id.ID) (*SaleRecord, error)
	UpdateCostBasis(ctx context.Context, s *SaleRecord) error
}
