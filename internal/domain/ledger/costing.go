package ledger

import (
	"sort"

	"avfuel/internal/core/entity"
	"avfuel/internal/core/types"
)

// Step is the derived effect of one event on a position.
type Step struct {
	Before Position
	After  Position
	Sum    types.Money
	Price  types.Money
}

// Apply derives the moving-average step for an event.
//
// Inbound: the incoming lot cost, at money scale, is blended into the pool by quantity.
// Outbound: the pool is consumed at the current average, which does not change.
// Balances never go below zero.
func Apply(before Position, dir entity.Direction, quantity types.Quantity, incomingCost types.Money) Step {
	step := Step{Before: before}

	if dir == entity.DirectionInbound {
		incomingCost = types.RoundMoney(incomingCost)
		newBalance := types.ClampNonNegative(before.Balance.Add(quantity))
		avg := types.Zero()
		if newBalance.IsPositive() {
			pool := before.Balance.Mul(before.AverageCost).Add(incomingCost)
			avg = types.ClampNonNegative(types.RoundCost(pool.Div(newBalance)))
		}
		step.After = Position{Balance: newBalance, AverageCost: avg}
		step.Sum = incomingCost
		step.Price = types.Zero()
		if quantity.IsPositive() {
			step.Price = types.RoundCost(incomingCost.Div(quantity))
		}
		return step
	}

	step.After = Position{
		Balance:     types.ClampNonNegative(before.Balance.Sub(quantity)),
		AverageCost: before.AverageCost,
	}
	step.Price = before.AverageCost
	step.Sum = types.RoundMoney(quantity.Mul(before.AverageCost))
	return step
}

// Revert removes a previously applied event from the current position.
// Only used for the optimistic path; replay is authoritative.
func Revert(current Position, dir entity.Direction, quantity types.Quantity, sum types.Money) Position {
	if dir == entity.DirectionOutbound {
		return Position{
			Balance:     current.Balance.Add(quantity),
			AverageCost: current.AverageCost,
		}
	}

	newBalance := types.ClampNonNegative(current.Balance.Sub(quantity))
	if !newBalance.IsPositive() {
		return Position{Balance: newBalance, AverageCost: types.Zero()}
	}
	pool := types.ClampNonNegative(current.Balance.Mul(current.AverageCost).Sub(sum))
	return Position{
		Balance:     newBalance,
		AverageCost: types.RoundCost(pool.Div(newBalance)),
	}
}

// ReplayLess orders rows by (EffectiveAt, CreatedAt, ID).
func ReplayLess(a, b *Transaction) bool {
	ea, eb := a.EffectiveAt(), b.EffectiveAt()
	if !ea.Equal(eb) {
		return ea.Before(eb)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// SortReplayOrder sorts rows into the authoritative replay order.
func SortReplayOrder(rows []*Transaction) {
	sort.SliceStable(rows, func(i, j int) bool {
		return ReplayLess(rows[i], rows[j])
	})
}
