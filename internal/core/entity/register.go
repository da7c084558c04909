// Package entity provides core building blocks shared by ledger entities.
package entity

import (
	"github.com/shopspring/decimal"
)

// Direction defines how a ledger event moves inventory.
type Direction string

const (
	// DirectionInbound increases balance and blends its cost into the average.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound decreases balance at the current average cost.
	DirectionOutbound Direction = "outbound"
)

// Signed returns quantity with sign based on direction.
// Inbound = positive, outbound = negative.
func (d Direction) Signed(quantity decimal.Decimal) decimal.Decimal {
	if d == DirectionOutbound {
		return quantity.Neg()
	}
	return quantity
}
