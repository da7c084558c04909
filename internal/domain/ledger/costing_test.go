package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"avfuel/internal/core/entity"
	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
)

func dec(s string) types.Money { return types.MustMoney(s) }

func assertDec(t *testing.T, want string, got types.Money, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func TestApplyInbound(t *testing.T) {
	step := Apply(ZeroPosition(), entity.DirectionInbound, dec("1000"), dec("50000"))

	assertDec(t, "1000", step.After.Balance)
	assertDec(t, "50", step.After.AverageCost)
	assertDec(t, "50000", step.Sum)
	assertDec(t, "50", step.Price)
	assert.True(t, step.Before.Equal(ZeroPosition()))
}

func TestApplyInboundBlendsCost(t *testing.T) {
	before := Position{Balance: dec("500"), AverageCost: dec("40")}
	step := Apply(before, entity.DirectionInbound, dec("1000"), dec("50000"))

	assertDec(t, "1500", step.After.Balance)
	assertDec(t, "46.666667", step.After.AverageCost)
}

func TestApplyInboundRoundsLotCostBeforeBlending(t *testing.T) {
	step := Apply(ZeroPosition(), entity.DirectionInbound, dec("3"), dec("1.005"))

	assertDec(t, "1.01", step.Sum)
	assertDec(t, "0.336667", step.After.AverageCost)
}

func TestApplyOutboundKeepsAverage(t *testing.T) {
	before := Position{Balance: dec("1500"), AverageCost: dec("46.666667")}
	step := Apply(before, entity.DirectionOutbound, dec("400"), dec("999"))

	assertDec(t, "1100", step.After.Balance)
	assertDec(t, "46.666667", step.After.AverageCost)
	assertDec(t, "46.666667", step.Price)
	assertDec(t, "18666.67", step.Sum)
}

func TestApplyOutboundClampsAtZero(t *testing.T) {
	before := Position{Balance: dec("100"), AverageCost: dec("50")}
	step := Apply(before, entity.DirectionOutbound, dec("250"), types.Zero())

	assertDec(t, "0", step.After.Balance)
	assertDec(t, "50", step.After.AverageCost)
}

func TestApplyInboundOntoEmptyWithZeroCost(t *testing.T) {
	step := Apply(ZeroPosition(), entity.DirectionInbound, dec("10"), types.Zero())

	assertDec(t, "10", step.After.Balance)
	assertDec(t, "0", step.After.AverageCost)
	assertDec(t, "0", step.Price)
}

func TestRevertUndoesApply(t *testing.T) {
	start := Position{Balance: dec("1000"), AverageCost: dec("50")}

	in := Apply(start, entity.DirectionInbound, dec("1000"), dec("60000"))
	assertDec(t, "55", in.After.AverageCost)
	back := Revert(in.After, entity.DirectionInbound, dec("1000"), in.Sum)
	assertDec(t, "1000", back.Balance)
	assertDec(t, "50", back.AverageCost)

	out := Apply(start, entity.DirectionOutbound, dec("400"), types.Zero())
	back = Revert(out.After, entity.DirectionOutbound, dec("400"), out.Sum)
	assertDec(t, "1000", back.Balance)
	assertDec(t, "50", back.AverageCost)
}

func TestRevertLastInboundZeroesAverage(t *testing.T) {
	pos := Revert(Position{Balance: dec("300"), AverageCost: dec("45")}, entity.DirectionInbound, dec("300"), dec("13500"))

	assertDec(t, "0", pos.Balance)
	assertDec(t, "0", pos.AverageCost)
}

func TestSortReplayOrder(t *testing.T) {
	d1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	created := d2.Add(time.Hour)

	noDate := &Transaction{ID: id.New()}
	noDate.CreatedAt = d1.Add(12 * time.Hour)

	late := &Transaction{ID: id.New(), EffectiveDate: &d2}
	late.CreatedAt = created

	tieFirst := &Transaction{ID: id.New(), EffectiveDate: &d1}
	tieFirst.CreatedAt = created
	tieSecond := &Transaction{ID: id.New(), EffectiveDate: &d1}
	tieSecond.CreatedAt = created.Add(time.Minute)

	rows := []*Transaction{late, tieSecond, noDate, tieFirst}
	SortReplayOrder(rows)

	assert.Equal(t, []*Transaction{tieFirst, tieSecond, noDate, late}, rows)
}
