package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
	"avfuel/internal/infrastructure/storage/memory"
	"avfuel/pkg/logger"
)

// testContext routes log output to a no-op logger.
func testContext() context.Context {
	return logger.WithLogger(context.Background(), logger.Nop())
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type posterFixture struct {
	store   *memory.Store
	queue   *recalc.Queue
	service *ledger.Service
	key     ledger.AccountKey
}

func newPosterFixture(t *testing.T) *posterFixture {
	t.Helper()
	clock := &tickClock{now: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	warehouseID := id.New()
	store.AddWarehouse(warehouseID)

	queue := recalc.NewQueue(store.Tasks(), store).WithClock(clock.Now)
	service := ledger.NewService(store.Accounts(), store.Transactions(), queue, store).WithClock(clock.Now)

	return &posterFixture{
		store:   store,
		queue:   queue,
		service: service,
		key:     ledger.NewAccountKey(warehouseID, ledger.ProductJetFuel),
	}
}

func day(d int) *time.Time {
	t := time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func dec(s string) types.Money { return types.MustMoney(s) }

func assertDec(t *testing.T, want string, got types.Money) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func (f *posterFixture) post(t *testing.T, typ ledger.TransactionType, qty, cost string, at *time.Time) *ledger.PostResult {
	t.Helper()
	res, err := f.service.PostTransaction(testContext(), ledger.PostRequest{
		Account:       f.key,
		Type:          typ,
		Source:        ledger.SourceRef{Type: ledger.SourceManual, ID: id.New()},
		Quantity:      dec(qty),
		TotalCost:     dec(cost),
		EffectiveDate: at,
		Actor:         "dispatcher",
	})
	require.NoError(t, err)
	return res
}

func TestPostReceiptThenIssue(t *testing.T) {
	f := newPosterFixture(t)

	res := f.post(t, ledger.TypeReceipt, "1000", "50000", day(1))
	assertDec(t, "1000", res.NewBalance)
	assertDec(t, "50", res.NewAverageCost)
	assert.False(t, res.Backdated)

	res = f.post(t, ledger.TypeIssue, "400", "0", day(2))
	assertDec(t, "600", res.NewBalance)
	assertDec(t, "50", res.NewAverageCost)
	assertDec(t, "20000", res.Transaction.Sum)
	assertDec(t, "50", res.Transaction.Price)
	assertDec(t, "1000", res.Transaction.BalanceBefore)

	acc, err := f.service.GetAccount(testContext(), f.key)
	require.NoError(t, err)
	assertDec(t, "600", acc.Balance)
	assertDec(t, "50", acc.AverageCost)
	assert.False(t, acc.IsRecalculating)

	pending, err := f.queue.HasPendingTasks(testContext(), f.key)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestPostBackdatedEnqueuesRecalculation(t *testing.T) {
	f := newPosterFixture(t)
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(10))
	f.post(t, ledger.TypeIssue, "400", "0", day(12))

	res := f.post(t, ledger.TypeReceipt, "500", "20000", day(5))
	assert.True(t, res.Backdated)
	// Optimistic blend on top of the current position.
	assertDec(t, "1100", res.NewBalance)

	tasks := f.store.Tasks().All(testContext())
	require.Len(t, tasks, 1)
	assert.Equal(t, f.key, tasks[0].Account)
	assert.True(t, tasks[0].AfterDate.Equal(*day(5)))
	assert.Equal(t, ledger.PriorityBackdated, tasks[0].Priority)
	assert.Equal(t, recalc.StatusPending, tasks[0].Status)
	assert.Equal(t, "dispatcher", tasks[0].CreatedBy)
}

func TestPostSameDateIsNotBackdated(t *testing.T) {
	f := newPosterFixture(t)
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(10))

	res := f.post(t, ledger.TypeReceipt, "100", "6000", day(10))
	assert.False(t, res.Backdated)
	assert.Empty(t, f.store.Tasks().All(testContext()))
}

func TestSecondBackdatedPostMergesIntoTask(t *testing.T) {
	f := newPosterFixture(t)
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(10))
	f.post(t, ledger.TypeReceipt, "10", "500", day(7))
	f.post(t, ledger.TypeReceipt, "10", "500", day(3))
	f.post(t, ledger.TypeReceipt, "10", "500", day(8))

	tasks := f.store.Tasks().All(testContext())
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].AfterDate.Equal(*day(3)))
}

func TestPostIssueClampsBalance(t *testing.T) {
	f := newPosterFixture(t)

	res := f.post(t, ledger.TypeIssue, "100", "0", day(1))
	assertDec(t, "0", res.NewBalance)
	assertDec(t, "0", res.Transaction.Sum)
}

func TestPostValidation(t *testing.T) {
	f := newPosterFixture(t)
	valid := ledger.PostRequest{
		Account:   f.key,
		Type:      ledger.TypeReceipt,
		Source:    ledger.SourceRef{Type: ledger.SourceManual, ID: id.New()},
		Quantity:  dec("10"),
		TotalCost: dec("100"),
	}

	tests := []struct {
		name   string
		mutate func(r *ledger.PostRequest)
	}{
		{"zero quantity", func(r *ledger.PostRequest) { r.Quantity = types.Zero() }},
		{"negative quantity", func(r *ledger.PostRequest) { r.Quantity = dec("-1") }},
		{"negative cost", func(r *ledger.PostRequest) { r.TotalCost = dec("-0.01") }},
		{"unknown type", func(r *ledger.PostRequest) { r.Type = "ADJUST" }},
		{"unknown product", func(r *ledger.PostRequest) { r.Account.Product = "DIESEL" }},
		{"nil warehouse", func(r *ledger.PostRequest) { r.Account.WarehouseID = id.Nil() }},
		{"missing source", func(r *ledger.PostRequest) { r.Source = ledger.SourceRef{} }},
		{"cost beyond cents", func(r *ledger.PostRequest) { r.TotalCost = dec("1.005") }},
		{"quantity beyond three places", func(r *ledger.PostRequest) { r.Quantity = dec("10.0005") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.service.PostTransaction(testContext(), req)
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
		})
	}
}

func TestPostUnknownWarehouseIsNotFound(t *testing.T) {
	f := newPosterFixture(t)
	f.key.WarehouseID = id.New()

	_, err := f.service.PostTransaction(testContext(), ledger.PostRequest{
		Account:  f.key,
		Type:     ledger.TypeReceipt,
		Source:   ledger.SourceRef{Type: ledger.SourceManual, ID: id.New()},
		Quantity: dec("1"),
	})
	assert.True(t, apperror.IsNotFound(err))
}

func TestDeleteLatestRevertsWithoutTask(t *testing.T) {
	f := newPosterFixture(t)
	ctx := testContext()
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(1))
	last := f.post(t, ledger.TypeReceipt, "1000", "60000", day(2))

	require.NoError(t, f.service.DeleteTransaction(ctx, last.Transaction.ID, "controller"))

	acc, err := f.service.GetAccount(ctx, f.key)
	require.NoError(t, err)
	assertDec(t, "1000", acc.Balance)
	assertDec(t, "50", acc.AverageCost)
	assert.Empty(t, f.store.Tasks().All(ctx))

	row, err := f.store.Transactions().GetByID(ctx, last.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, row.IsDeleted())
	assert.Equal(t, "controller", *row.DeletedBy)

	err = f.service.DeleteTransaction(ctx, last.Transaction.ID, "controller")
	assert.True(t, apperror.HasCode(err, apperror.CodeTransactionDeleted))

	_, err = f.service.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: last.Transaction.ID,
		Quantity:      dec("1"),
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeTransactionDeleted))
}

func TestDeleteEarlierRowEnqueues(t *testing.T) {
	f := newPosterFixture(t)
	ctx := testContext()
	first := f.post(t, ledger.TypeReceipt, "1000", "50000", day(1))
	f.post(t, ledger.TypeIssue, "100", "0", day(2))

	require.NoError(t, f.service.DeleteTransaction(ctx, first.Transaction.ID, "controller"))

	tasks := f.store.Tasks().All(ctx)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].AfterDate.Equal(*day(1)))
}

func TestRestoreReappliesRow(t *testing.T) {
	f := newPosterFixture(t)
	ctx := testContext()
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(1))
	last := f.post(t, ledger.TypeReceipt, "1000", "60000", day(2))

	_, err := f.service.RestoreTransaction(ctx, last.Transaction.ID, "controller")
	assert.True(t, apperror.HasCode(err, apperror.CodeTransactionNotDeleted))

	require.NoError(t, f.service.DeleteTransaction(ctx, last.Transaction.ID, "controller"))
	restored, err := f.service.RestoreTransaction(ctx, last.Transaction.ID, "controller")
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted())

	acc, err := f.service.GetAccount(ctx, f.key)
	require.NoError(t, err)
	assertDec(t, "2000", acc.Balance)
	assertDec(t, "55", acc.AverageCost)
}

func TestUpdateMovingDateEarlierEnqueuesFromNewDate(t *testing.T) {
	f := newPosterFixture(t)
	ctx := testContext()
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(5))
	last := f.post(t, ledger.TypeReceipt, "500", "20000", day(9))
	assert.Empty(t, f.store.Tasks().All(ctx))

	updated, err := f.service.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: last.Transaction.ID,
		Quantity:      dec("500"),
		TotalCost:     dec("20000"),
		EffectiveDate: day(2),
		Actor:         "controller",
	})
	require.NoError(t, err)
	assert.Equal(t, "controller", updated.UpdatedBy)

	tasks := f.store.Tasks().All(ctx)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].AfterDate.Equal(*day(2)))
}

func TestUpdateLatestRowInPlace(t *testing.T) {
	f := newPosterFixture(t)
	ctx := testContext()
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(1))
	last := f.post(t, ledger.TypeIssue, "400", "0", day(2))

	_, err := f.service.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: last.Transaction.ID,
		Quantity:      dec("300"),
		EffectiveDate: day(3),
		Actor:         "controller",
	})
	require.NoError(t, err)

	acc, err := f.service.GetAccount(ctx, f.key)
	require.NoError(t, err)
	assertDec(t, "700", acc.Balance)
	assert.Empty(t, f.store.Tasks().All(ctx))
}

func TestMissingTransactionIsNotFound(t *testing.T) {
	f := newPosterFixture(t)

	err := f.service.DeleteTransaction(testContext(), id.New(), "controller")
	assert.True(t, apperror.IsNotFound(err))
}

// assertSettled checks that no replay is queued and that a full chronological
// replay leaves the account where the poster put it.
func (f *posterFixture) assertSettled(t *testing.T) ledger.Position {
	t.Helper()
	ctx := testContext()

	pending, err := f.queue.HasPendingTasks(ctx, f.key)
	require.NoError(t, err)
	assert.False(t, pending)

	posted, err := f.service.GetAccount(ctx, f.key)
	require.NoError(t, err)

	recalculator := recalc.NewRecalculator(f.store.Accounts(), f.store.Transactions(),
		recalc.NewSourceRegistry(f.store.Movements(), nil), nil)
	require.NoError(t, f.store.RunInTransaction(ctx, func(ctx context.Context) error {
		_, err := recalculator.Recalculate(ctx, f.key, time.Time{}, "auditor", nil)
		return err
	}))

	replayed, err := f.service.GetAccount(ctx, f.key)
	require.NoError(t, err)
	assert.True(t, posted.Position.Equal(replayed.Position),
		"posted %s @ %s, replayed %s @ %s",
		posted.Balance, posted.AverageCost, replayed.Balance, replayed.AverageCost)
	return posted.Position
}

func TestDeleteClampedIssueRestoresRecordedBalance(t *testing.T) {
	f := newPosterFixture(t)
	f.post(t, ledger.TypeReceipt, "100", "1000", day(1))
	issue := f.post(t, ledger.TypeIssue, "150", "0", day(2))
	assertDec(t, "0", issue.NewBalance)

	require.NoError(t, f.service.DeleteTransaction(testContext(), issue.Transaction.ID, "controller"))

	pos := f.assertSettled(t)
	assertDec(t, "100", pos.Balance)
	assertDec(t, "10", pos.AverageCost)
}

func TestUpdateClampedIssueStartsFromRecordedBalance(t *testing.T) {
	f := newPosterFixture(t)
	f.post(t, ledger.TypeReceipt, "100", "1000", day(1))
	issue := f.post(t, ledger.TypeIssue, "150", "0", day(2))

	_, err := f.service.UpdateTransaction(testContext(), ledger.UpdateRequest{
		TransactionID: issue.Transaction.ID,
		Quantity:      dec("40"),
		EffectiveDate: day(2),
		Actor:         "controller",
	})
	require.NoError(t, err)

	pos := f.assertSettled(t)
	assertDec(t, "60", pos.Balance)
}

func TestDeleteRoundedReceiptRestoresRecordedAverage(t *testing.T) {
	f := newPosterFixture(t)
	f.post(t, ledger.TypeReceipt, "3", "3", day(1))
	last := f.post(t, ledger.TypeReceipt, "3", "1", day(2))
	assertDec(t, "0.666667", last.NewAverageCost)

	require.NoError(t, f.service.DeleteTransaction(testContext(), last.Transaction.ID, "controller"))

	pos := f.assertSettled(t)
	assertDec(t, "3", pos.Balance)
	assertDec(t, "1", pos.AverageCost)
}

func TestDeleteLatestRowOverStalePositionQueuesReplay(t *testing.T) {
	f := newPosterFixture(t)
	ctx := testContext()
	f.post(t, ledger.TypeReceipt, "1000", "50000", day(1))
	last := f.post(t, ledger.TypeIssue, "150", "0", day(9))
	f.post(t, ledger.TypeReceipt, "100", "4000", day(5))

	claimed, err := f.queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, f.queue.MarkCompleted(ctx, claimed.ID))

	require.NoError(t, f.service.DeleteTransaction(ctx, last.Transaction.ID, "controller"))

	var pending []recalc.Task
	for _, task := range f.store.Tasks().All(ctx) {
		if task.Status == recalc.StatusPending {
			pending = append(pending, task)
		}
	}
	require.Len(t, pending, 1)
	assert.True(t, pending[0].AfterDate.Equal(*day(9)))
}

func TestInOrderPostMatchesReplay(t *testing.T) {
	f := newPosterFixture(t)
	f.post(t, ledger.TypeReceipt, "3", "1.01", day(1))
	f.post(t, ledger.TypeReceipt, "7", "2.33", day(2))
	f.post(t, ledger.TypeIssue, "4.125", "0", day(3))

	f.assertSettled(t)
}

func TestUpdateRejectsAmountsBeyondColumnScale(t *testing.T) {
	f := newPosterFixture(t)
	row := f.post(t, ledger.TypeReceipt, "3", "3", day(1))

	_, err := f.service.UpdateTransaction(testContext(), ledger.UpdateRequest{
		TransactionID: row.Transaction.ID,
		Quantity:      dec("3"),
		TotalCost:     dec("1.005"),
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestMutationsStampUTC(t *testing.T) {
	f := newPosterFixture(t)
	ctx := testContext()
	local := time.FixedZone("UTC+4", 4*60*60)
	f.service.WithClock(func() time.Time { return time.Date(2024, 4, 2, 10, 0, 0, 0, local) })

	row := f.post(t, ledger.TypeReceipt, "10", "500", day(1))
	assert.Equal(t, time.UTC, row.Transaction.CreatedAt.Location())

	updated, err := f.service.UpdateTransaction(ctx, ledger.UpdateRequest{
		TransactionID: row.Transaction.ID,
		Quantity:      dec("12"),
		TotalCost:     dec("600"),
		EffectiveDate: day(1),
	})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, updated.UpdatedAt.Location())

	require.NoError(t, f.service.DeleteTransaction(ctx, row.Transaction.ID, "controller"))
	deleted, err := f.store.Transactions().GetByID(ctx, row.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, deleted.DeletedAt.Location())
	assert.Equal(t, time.UTC, deleted.UpdatedAt.Location())
}
