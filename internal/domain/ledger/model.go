// Package ledger provides the warehouse inventory ledger: per (warehouse, product)
// accounts valued at weighted average cost, and the append-only transaction log
// that every balance is derived from.
package ledger

import (
	"fmt"
	"time"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/entity"
	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
)

// ProductType identifies the fuel grade tracked by an account.
type ProductType string

const (
	ProductJetFuel ProductType = "JET_FUEL"
	ProductAvgas   ProductType = "AVGAS"
)

// AllProducts lists every product that has a column triple on the warehouse row.
func AllProducts() []ProductType {
	return []ProductType{ProductJetFuel, ProductAvgas}
}

// IsValid reports whether p is a known product.
func (p ProductType) IsValid() bool {
	switch p {
	case ProductJetFuel, ProductAvgas:
		return true
	}
	return false
}

// AccountKey identifies one ledger.
type AccountKey struct {
	WarehouseID id.ID       `db:"warehouse_id" json:"warehouseId"`
	Product     ProductType `db:"product" json:"product"`
}

// NewAccountKey builds a key.
func NewAccountKey(warehouseID id.ID, product ProductType) AccountKey {
	return AccountKey{WarehouseID: warehouseID, Product: product}
}

// String is the lock key and the log representation.
func (k AccountKey) String() string {
	return fmt.Sprintf("%s:%s", k.WarehouseID, k.Product)
}

// Validate checks the key is addressable.
func (k AccountKey) Validate() error {
	if id.IsNil(k.WarehouseID) {
		return apperror.NewValidation("warehouse_id is required")
	}
	if !k.Product.IsValid() {
		return apperror.NewValidation(fmt.Sprintf("unknown product %q", k.Product))
	}
	return nil
}

// Position is the running state of an account: quantity on hand and its average cost.
type Position struct {
	Balance     types.Quantity `json:"balance"`
	AverageCost types.Money    `json:"averageCost"`
}

// ZeroPosition is the state of an account with no transactions.
func ZeroPosition() Position {
	return Position{Balance: types.Zero(), AverageCost: types.Zero()}
}

// Equal compares two positions by value.
func (p Position) Equal(o Position) bool {
	return p.Balance.Equal(o.Balance) && p.AverageCost.Equal(o.AverageCost)
}

// Account is the warehouse account state for one product.
// Stored as columns on the warehouse row, one triple per product.
type Account struct {
	Key AccountKey `json:"account"`
	Position
	// IsRecalculating is set while any replay of the account is in flight.
	// Readers treat the displayed position as possibly stale.
	IsRecalculating bool `json:"isRecalculating"`
}

// TransactionType is the kind of ledger event.
type TransactionType string

const (
	TypeReceipt     TransactionType = "RECEIPT"
	TypeTransferIn  TransactionType = "TRANSFER_IN"
	TypeIssue       TransactionType = "ISSUE"
	TypeTransferOut TransactionType = "TRANSFER_OUT"
	TypeSale        TransactionType = "SALE"
)

// Direction derives the inventory direction from the type.
func (t TransactionType) Direction() (entity.Direction, error) {
	switch t {
	case TypeReceipt, TypeTransferIn:
		return entity.DirectionInbound, nil
	case TypeIssue, TypeTransferOut, TypeSale:
		return entity.DirectionOutbound, nil
	}
	return "", apperror.NewValidation(fmt.Sprintf("unknown transaction type %q", t))
}

// IsInbound reports whether the type adds inventory.
func (t TransactionType) IsInbound() bool {
	d, err := t.Direction()
	return err == nil && d == entity.DirectionInbound
}

// SourceType tags the business record a ledger row came from.
type SourceType string

const (
	SourceMovement      SourceType = "movement"
	SourceWholesaleDeal SourceType = "wholesale_deal"
	SourceRefueling     SourceType = "refueling"
	SourceCorrection    SourceType = "correction"
	SourceManual        SourceType = "manual"
)

// SourceRef is a lookup key into another module's records, never an ownership link.
type SourceRef struct {
	Type SourceType `db:"source_type" json:"sourceType"`
	ID   id.ID      `db:"source_id" json:"sourceId"`
}

func (r SourceRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// Transaction is one ledger event with its before/after snapshot.
type Transaction struct {
	ID      id.ID           `db:"id" json:"id"`
	Account AccountKey      `json:"account"`
	Type    TransactionType `db:"transaction_type" json:"type"`

	// Quantity is an unsigned magnitude; Type decides the direction.
	Quantity types.Quantity `db:"quantity" json:"quantity"`

	// EffectiveDate is the business date. Nil falls back to CreatedAt.
	EffectiveDate *time.Time `db:"effective_date" json:"effectiveDate,omitempty"`

	BalanceBefore     types.Quantity `db:"balance_before" json:"balanceBefore"`
	BalanceAfter      types.Quantity `db:"balance_after" json:"balanceAfter"`
	AverageCostBefore types.Money    `db:"average_cost_before" json:"averageCostBefore"`
	AverageCostAfter  types.Money    `db:"average_cost_after" json:"averageCostAfter"`
	Sum               types.Money    `db:"sum" json:"sum"`
	Price             types.Money    `db:"price" json:"price"`

	Source SourceRef `json:"source"`

	entity.Audit
	entity.SoftDelete
}

// EffectiveAt is the ordering timestamp.
func (t *Transaction) EffectiveAt() time.Time {
	if t.EffectiveDate != nil {
		return *t.EffectiveDate
	}
	return t.CreatedAt
}

// Direction of the row; the type has already been validated on insert.
func (t *Transaction) Direction() entity.Direction {
	d, _ := t.Type.Direction()
	return d
}

// Before returns the recorded state preceding this row.
func (t *Transaction) Before() Position {
	return Position{Balance: t.BalanceBefore, AverageCost: t.AverageCostBefore}
}

// After returns the recorded state following this row.
func (t *Transaction) After() Position {
	return Position{Balance: t.BalanceAfter, AverageCost: t.AverageCostAfter}
}

// Record stores a derived step on the row.
func (t *Transaction) Record(s Step) {
	t.BalanceBefore = s.Before.Balance
	t.AverageCostBefore = s.Before.AverageCost
	t.BalanceAfter = s.After.Balance
	t.AverageCostAfter = s.After.AverageCost
	t.Sum = s.Sum
	t.Price = s.Price
}
