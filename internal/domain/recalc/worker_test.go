package recalc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/domain/documents/deal"
	"avfuel/internal/domain/documents/movement"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
	"avfuel/pkg/logger"
)

func TestBackdatedReceiptIsReplayedInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	key := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)

	f.post(t, key, ledger.TypeReceipt, "1000", "50000", day(10))
	f.post(t, key, ledger.TypeIssue, "400", "0", day(12))
	assertDec(t, "600", f.account(t, key).Balance)
	assertDec(t, "50", f.account(t, key).AverageCost)

	backdated := f.post(t, key, ledger.TypeReceipt, "500", "20000", day(5))
	f.drain(t)

	rows, err := f.store.Transactions().ListFrom(ctx, key, *day(1))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, backdated.ID, rows[0].ID)

	assertDec(t, "500", rows[0].BalanceAfter)
	assertDec(t, "40", rows[0].AverageCostAfter)
	assertDec(t, "1500", rows[1].BalanceAfter)
	assertDec(t, "46.666667", rows[1].AverageCostAfter)
	assertDec(t, "1500", rows[2].BalanceBefore)
	assertDec(t, "1100", rows[2].BalanceAfter)
	assertDec(t, "46.666667", rows[2].AverageCostAfter)
	assertDec(t, "18666.67", rows[2].Sum)

	acc := f.account(t, key)
	assertDec(t, "1100", acc.Balance)
	assertDec(t, "46.666667", acc.AverageCost)
	assert.False(t, acc.IsRecalculating)

	tasks := f.store.Tasks().All(ctx)
	require.Len(t, tasks, 1)
	assert.Equal(t, recalc.StatusCompleted, tasks[0].Status)
	assert.Equal(t, 1, f.eventsFor(key))
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	key := ledger.NewAccountKey(f.warehouse(), ledger.ProductAvgas)

	f.post(t, key, ledger.TypeReceipt, "800", "36000", day(3))
	f.post(t, key, ledger.TypeIssue, "150", "0", day(4))
	f.post(t, key, ledger.TypeReceipt, "200", "10000", day(2))
	f.post(t, key, ledger.TypeIssue, "900", "0", day(6))
	f.drain(t)

	before, err := f.store.Transactions().ListFrom(ctx, key, *day(1))
	require.NoError(t, err)
	accBefore := f.account(t, key)

	require.NoError(t, f.worker.ProcessImmediately(ctx, key, *day(1), "auditor"))
	require.NoError(t, f.worker.ProcessImmediately(ctx, key, *day(4), "auditor"))

	after, err := f.store.Transactions().ListFrom(ctx, key, *day(1))
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].After().Equal(after[i].After()), "row %d", i)
		assertDec(t, before[i].Sum.String(), after[i].Sum, "row %d", i)
	}
	assert.True(t, accBefore.Position.Equal(f.account(t, key).Position))
	// Overdrawn issue clamps at zero.
	assertDec(t, "0", accBefore.Balance)
}

func TestReplayMatchesChronologicalPosting(t *testing.T) {
	f := newFixture(t)
	ordered := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)
	shuffled := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)

	type event struct {
		typ       ledger.TransactionType
		qty, cost string
		at        int
	}
	events := []event{
		{ledger.TypeReceipt, "500", "20000", 1},
		{ledger.TypeReceipt, "1000", "50000", 2},
		{ledger.TypeIssue, "300", "0", 3},
		{ledger.TypeReceipt, "250", "13000", 4},
		{ledger.TypeIssue, "700", "0", 5},
	}
	for _, e := range events {
		f.post(t, ordered, e.typ, e.qty, e.cost, day(e.at))
	}
	for _, i := range []int{4, 1, 3, 0, 2} {
		e := events[i]
		f.post(t, shuffled, e.typ, e.qty, e.cost, day(e.at))
	}
	f.drain(t)

	want, got := f.account(t, ordered), f.account(t, shuffled)
	assertDec(t, want.Balance.String(), got.Balance)
	assertDec(t, want.AverageCost.String(), got.AverageCost)
}

func TestSaleCostBasisFollowsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	key := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)

	rec := deal.SaleRecord{
		ID:            id.New(),
		Kind:          ledger.SourceWholesaleDeal,
		Quantity:      dec("200"),
		SaleAmount:    dec("12000"),
		AncillaryCost: dec("150"),
	}
	f.store.PutSale(rec)

	f.post(t, key, ledger.TypeReceipt, "1000", "50000", day(10))
	f.postSourced(t, key, ledger.TypeSale, ledger.SourceRef{Type: ledger.SourceWholesaleDeal, ID: rec.ID}, "200", "0", day(11))
	f.post(t, key, ledger.TypeReceipt, "500", "20000", day(5))
	f.drain(t)

	synced, err := f.store.Sales(ledger.SourceWholesaleDeal).GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assertDec(t, "46.666667", synced.PurchasePrice)
	assertDec(t, "9333.33", synced.PurchaseAmount)
	assertDec(t, "2516.67", synced.Profit)
	assert.True(t, synced.CostModified)
}

func TestTransferCascadeReprices(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	whA, whB := f.warehouse(), f.warehouse()
	a := ledger.NewAccountKey(whA, ledger.ProductJetFuel)
	b := ledger.NewAccountKey(whB, ledger.ProductJetFuel)

	receipt := f.post(t, a, ledger.TypeReceipt, "1500", "70000", day(1))
	m := f.transfer(t, ledger.ProductJetFuel, whA, whB, "300", day(5))
	assertDec(t, "14000", m.TotalCost)
	assertDec(t, "46.666667", f.account(t, b).AverageCost)

	_, err := f.poster.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: receipt.ID,
		Quantity:      dec("1500"),
		TotalCost:     dec("75000"),
		EffectiveDate: day(1),
		Actor:         "controller",
	})
	require.NoError(t, err)
	f.drain(t)

	repriced, err := f.store.Movements().GetByID(ctx, m.ID)
	require.NoError(t, err)
	assertDec(t, "15000", repriced.TotalCost)

	accA, accB := f.account(t, a), f.account(t, b)
	assertDec(t, "1200", accA.Balance)
	assertDec(t, "50", accA.AverageCost)
	assertDec(t, "300", accB.Balance)
	assertDec(t, "50", accB.AverageCost)
	assert.False(t, accB.IsRecalculating)

	in, err := f.store.Transactions().FindBySource(ctx, b, ledger.SourceRef{Type: ledger.SourceMovement, ID: m.ID}, ledger.TypeTransferIn)
	require.NoError(t, err)
	assertDec(t, "15000", in.Sum)

	assert.Equal(t, 1, f.eventsFor(a))
	assert.Equal(t, 1, f.eventsFor(b))
}

func TestTransferCycleTerminates(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	whA, whB := f.warehouse(), f.warehouse()
	a := ledger.NewAccountKey(whA, ledger.ProductJetFuel)
	b := ledger.NewAccountKey(whB, ledger.ProductJetFuel)

	receipt := f.post(t, a, ledger.TypeReceipt, "1000", "50000", day(1))
	f.post(t, b, ledger.TypeReceipt, "1000", "40000", day(1))
	f.transfer(t, ledger.ProductJetFuel, whA, whB, "100", day(3))
	back := f.transfer(t, ledger.ProductJetFuel, whB, whA, "100", day(4))
	assertDec(t, "4090.91", back.TotalCost)

	_, err := f.poster.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: receipt.ID,
		Quantity:      dec("1000"),
		TotalCost:     dec("60000"),
		EffectiveDate: day(1),
		Actor:         "controller",
	})
	require.NoError(t, err)

	require.NoError(t, f.worker.ProcessImmediately(ctx, a, *day(1), "controller"))

	assert.Equal(t, 1, f.eventsFor(a))
	assert.Equal(t, 1, f.eventsFor(b))

	repriced, err := f.store.Movements().GetByID(ctx, back.ID)
	require.NoError(t, err)
	assertDec(t, "4181.82", repriced.TotalCost)
	assertDec(t, "41.818182", f.account(t, b).AverageCost)

	// A's inbound row from the return transfer is repriced through the queue.
	var requeued *recalc.Task
	for _, task := range f.store.Tasks().All(ctx) {
		if task.Account == a && task.Status == recalc.StatusPending {
			requeued = &task
		}
	}
	require.NotNil(t, requeued)
	assert.Equal(t, ledger.PriorityCascade, requeued.Priority)

	f.drain(t)

	source := ledger.SourceRef{Type: ledger.SourceMovement, ID: back.ID}
	in, err := f.store.Transactions().FindBySource(ctx, a, source, ledger.TypeTransferIn)
	require.NoError(t, err)
	assertDec(t, "4181.82", in.Sum)
	assertDec(t, "1000", f.account(t, a).Balance)
	assertDec(t, "58.18182", f.account(t, a).AverageCost)

	for _, key := range []ledger.AccountKey{a, b} {
		pending, err := f.queue.HasPendingTasks(ctx, key)
		require.NoError(t, err)
		assert.False(t, pending, key.String())
	}
}

func TestCascadeReachingQueuedAccountEarlierStartsItThere(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	whA, whB, whC := f.warehouse(), f.warehouse(), f.warehouse()
	a := ledger.NewAccountKey(whA, ledger.ProductJetFuel)
	b := ledger.NewAccountKey(whB, ledger.ProductJetFuel)
	c := ledger.NewAccountKey(whC, ledger.ProductJetFuel)

	receipt := f.post(t, a, ledger.TypeReceipt, "1000", "50000", day(1))
	f.post(t, b, ledger.TypeReceipt, "1000", "40000", day(1))
	f.transfer(t, ledger.ProductJetFuel, whA, whB, "100", day(2))
	viaB := f.transfer(t, ledger.ProductJetFuel, whB, whC, "100", day(4))
	f.transfer(t, ledger.ProductJetFuel, whA, whC, "100", day(8))
	assertDec(t, "4090.91", viaB.TotalCost)

	_, err := f.poster.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: receipt.ID,
		Quantity:      dec("1000"),
		TotalCost:     dec("60000"),
		EffectiveDate: day(1),
		Actor:         "controller",
	})
	require.NoError(t, err)

	require.NoError(t, f.worker.ProcessImmediately(ctx, a, *day(1), "controller"))

	in, err := f.store.Transactions().FindBySource(ctx, c, ledger.SourceRef{Type: ledger.SourceMovement, ID: viaB.ID}, ledger.TypeTransferIn)
	require.NoError(t, err)
	assertDec(t, "4181.82", in.Sum)

	accC := f.account(t, c)
	assertDec(t, "200", accC.Balance)
	assertDec(t, "50.9091", accC.AverageCost)
	assert.Equal(t, 1, f.eventsFor(c))

	pending, err := f.queue.HasPendingTasks(ctx, c)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestReplayFailureClearsFlagAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	key := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)
	missing := id.New()

	f.post(t, key, ledger.TypeReceipt, "1000", "50000", day(2))
	f.postSourced(t, key, ledger.TypeTransferIn, ledger.SourceRef{Type: ledger.SourceMovement, ID: missing}, "10", "500", day(3))
	f.post(t, key, ledger.TypeReceipt, "100", "4000", day(1))
	optimistic := f.account(t, key)

	processed, err := f.worker.RunOnce(ctx)
	assert.True(t, processed)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeReplayFailed))
	assert.True(t, apperror.IsNotFound(err))

	acc := f.account(t, key)
	assert.False(t, acc.IsRecalculating)
	assert.True(t, optimistic.Position.Equal(acc.Position), "failed replay leaves no partial writes")

	for range recalc.MaxAttempts - 1 {
		processed, err = f.worker.RunOnce(ctx)
		assert.True(t, processed)
		assert.Error(t, err)
	}
	failed, err := f.queue.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	f.store.PutMovement(movement.Movement{
		ID:        missing,
		Product:   ledger.ProductJetFuel,
		Quantity:  dec("10"),
		TotalCost: dec("500"),
	})
	_, err = f.queue.Retry(ctx, failed[0].ID, "operator")
	require.NoError(t, err)
	f.drain(t)

	acc = f.account(t, key)
	assertDec(t, "1110", acc.Balance)
	assertDec(t, "49.099099", acc.AverageCost)
}

func TestCascadeFailureIsDeferredToQueue(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	whA, whB := f.warehouse(), f.warehouse()
	a := ledger.NewAccountKey(whA, ledger.ProductJetFuel)
	b := ledger.NewAccountKey(whB, ledger.ProductJetFuel)

	receipt := f.post(t, a, ledger.TypeReceipt, "1000", "50000", day(1))
	f.transfer(t, ledger.ProductJetFuel, whA, whB, "100", day(3))
	f.postSourced(t, b, ledger.TypeTransferIn, ledger.SourceRef{Type: ledger.SourceMovement, ID: id.New()}, "5", "250", day(6))

	_, err := f.poster.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: receipt.ID,
		Quantity:      dec("1000"),
		TotalCost:     dec("60000"),
		EffectiveDate: day(1),
		Actor:         "controller",
	})
	require.NoError(t, err)

	err = f.worker.ProcessImmediately(ctx, a, *day(1), "controller")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeReplayFailed))

	assert.Equal(t, 1, f.eventsFor(a), "source account replay is committed")
	assert.False(t, f.account(t, b).IsRecalculating)

	var deferred *recalc.Task
	for _, task := range f.store.Tasks().All(ctx) {
		if task.Account == b {
			deferred = &task
		}
	}
	require.NotNil(t, deferred)
	assert.Equal(t, ledger.PriorityCascade, deferred.Priority)
	assert.True(t, deferred.AfterDate.Equal(*day(3)))
}

type fakeLock struct {
	acquired bool
	released int
}

func (l *fakeLock) TryAcquire(context.Context) (func(context.Context), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func(context.Context) { l.released++ }, true, nil
}

func TestHousekeepingRespectsLock(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	key := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)
	_, err := f.queue.Enqueue(ctx, key, *day(1), "system", 0)
	require.NoError(t, err)
	task, err := f.queue.ClaimNext(ctx)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	lock := &fakeLock{}
	f.worker.WithHousekeepingLock(lock)

	f.worker.Housekeep(ctx)
	stuck, err := f.store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, recalc.StatusProcessing, stuck.Status)

	lock.acquired = true
	f.worker.Housekeep(ctx)
	reset, err := f.store.Tasks().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, recalc.StatusPending, reset.Status)
	assert.Equal(t, 1, lock.released)
}

func TestRunOnceOnEmptyQueue(t *testing.T) {
	f := newFixture(t)

	processed, err := f.worker.RunOnce(testContext())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	key := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)
	f.post(t, key, ledger.TypeReceipt, "1000", "50000", day(10))
	f.post(t, key, ledger.TypeReceipt, "500", "20000", day(5))

	cfg := recalc.DefaultWorkerConfig()
	cfg.PollInterval = 5 * time.Millisecond
	worker := recalc.NewWorker(f.queue, f.recalculator, f.store.Accounts(), f.store, cfg, logger.Nop())

	ctx, cancel := context.WithCancel(testContext())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, err := f.queue.HasPendingTasks(testContext(), key)
		return err == nil && !pending
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assertDec(t, "46.666667", f.account(t, key).AverageCost)
}

func TestOverlappingReplayKeepsFlagRaised(t *testing.T) {
	f := newFixture(t)
	ctx := testContext()
	key := ledger.NewAccountKey(f.warehouse(), ledger.ProductJetFuel)
	f.post(t, key, ledger.TypeReceipt, "1000", "50000", day(1))

	// Another process has counted its replay in and not finished yet.
	require.NoError(t, f.store.Accounts().SetRecalculating(ctx, key, true))

	require.NoError(t, f.worker.ProcessImmediately(ctx, key, *day(1), "auditor"))
	assert.True(t, f.account(t, key).IsRecalculating)

	require.NoError(t, f.store.Accounts().SetRecalculating(ctx, key, false))
	assert.False(t, f.account(t, key).IsRecalculating)

	require.NoError(t, f.store.Accounts().SetRecalculating(ctx, key, false))
	assert.False(t, f.account(t, key).IsRecalculating, "count does not go negative")
}
