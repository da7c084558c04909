// Package movement provides the inter-warehouse fuel movement record.
// A movement posts TRANSFER_OUT on the source account and TRANSFER_IN on the
// destination; its TotalCost is the cost basis carried across.
package movement

import (
	"context"
	"time"

	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/ledger"
)

// Movement is a transfer of one product between two warehouses.
type Movement struct {
	ID                     id.ID              `db:"id" json:"id"`
	Product                ledger.ProductType `db:"product" json:"product"`
	SourceWarehouseID      id.ID              `db:"source_warehouse_id" json:"sourceWarehouseId"`
	DestinationWarehouseID id.ID              `db:"destination_warehouse_id" json:"destinationWarehouseId"`
	Quantity               types.Quantity     `db:"quantity" json:"quantity"`
	TotalCost              types.Money        `db:"total_cost" json:"totalCost"`
	MovementDate           time.Time          `db:"movement_date" json:"movementDate"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updatedAt"`
}

// SourceAccount is the account the fuel leaves.
func (m *Movement) SourceAccount() ledger.AccountKey {
	return ledger.NewAccountKey(m.SourceWarehouseID, m.Product)
}

// DestinationAccount is the account the fuel arrives at.
func (m *Movement) DestinationAccount() ledger.AccountKey {
	return ledger.NewAccountKey(m.DestinationWarehouseID, m.Product)
}

// Reprice values the moved quantity at averageCost.
// Returns the new total and whether it moved beyond types.CostEpsilon.
func (m *Movement) Reprice(averageCost types.Money) (types.Money, bool) {
	total := types.RoundMoney(m.Quantity.Mul(averageCost))
	return total, types.DiffersBeyond(total, m.TotalCost, types.CostEpsilon)
}

// Repository provides the movement access the ledger needs.
type Repository interface {
	GetByID(ctx context.Context, movementID id.ID) (*Movement, error)
	UpdateTotalCost(ctx context.Context, movementID id.ID, totalCost types.Money) error
}
