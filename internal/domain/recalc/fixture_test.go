package recalc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avfuel/internal/core/id"
	"avfuel/internal/core/types"
	"avfuel/internal/domain/documents/deal"
	"avfuel/internal/domain/documents/movement"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
	"avfuel/internal/infrastructure/storage/memory"
	"avfuel/pkg/logger"
)

// testContext routes log output to a no-op logger.
func testContext() context.Context {
	return logger.WithLogger(context.Background(), logger.Nop())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so creation order is strict.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store        *memory.Store
	clock        *clock
	poster       *ledger.Service
	queue        *recalc.Queue
	recalculator *recalc.Recalculator
	worker       *recalc.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	c := &clock{now: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)}

	queue := recalc.NewQueue(store.Tasks(), store).WithClock(c.Now)
	poster := ledger.NewService(store.Accounts(), store.Transactions(), queue, store).WithClock(c.Now)
	sources := recalc.NewSourceRegistry(store.Movements(), map[ledger.SourceType]deal.Repository{
		ledger.SourceWholesaleDeal: store.Sales(ledger.SourceWholesaleDeal),
		ledger.SourceRefueling:     store.Sales(ledger.SourceRefueling),
	})
	recalculator := recalc.NewRecalculator(store.Accounts(), store.Transactions(), sources, store.Publisher())
	worker := recalc.NewWorker(queue, recalculator, store.Accounts(), store, recalc.DefaultWorkerConfig(), logger.Nop())

	return &fixture{
		store:        store,
		clock:        c,
		poster:       poster,
		queue:        queue,
		recalculator: recalculator,
		worker:       worker,
	}
}

func (f *fixture) warehouse() id.ID {
	wh := id.New()
	f.store.AddWarehouse(wh)
	return wh
}

func day(d int) *time.Time {
	t := time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func dec(s string) types.Money { return types.MustMoney(s) }

func assertDec(t *testing.T, want string, got types.Money, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func (f *fixture) post(t *testing.T, key ledger.AccountKey, typ ledger.TransactionType, qty, cost string, at *time.Time) *ledger.Transaction {
	t.Helper()
	return f.postSourced(t, key, typ, ledger.SourceRef{Type: ledger.SourceManual, ID: id.New()}, qty, cost, at)
}

func (f *fixture) postSourced(t *testing.T, key ledger.AccountKey, typ ledger.TransactionType, src ledger.SourceRef, qty, cost string, at *time.Time) *ledger.Transaction {
	t.Helper()
	res, err := f.poster.PostTransaction(testContext(), ledger.PostRequest{
		Account:       key,
		Type:          typ,
		Source:        src,
		Quantity:      dec(qty),
		TotalCost:     dec(cost),
		EffectiveDate: at,
		Actor:         "dispatcher",
	})
	require.NoError(t, err)
	return res.Transaction
}

// transfer records a movement and posts both legs at the source's current average cost.
func (f *fixture) transfer(t *testing.T, product ledger.ProductType, from, to id.ID, qty string, at *time.Time) *movement.Movement {
	t.Helper()
	ctx := testContext()
	src := ledger.NewAccountKey(from, product)
	dst := ledger.NewAccountKey(to, product)

	acc, err := f.store.Accounts().GetAccount(ctx, src)
	require.NoError(t, err)

	m := movement.Movement{
		ID:                     id.New(),
		Product:                product,
		SourceWarehouseID:      from,
		DestinationWarehouseID: to,
		Quantity:               dec(qty),
		TotalCost:              types.RoundMoney(dec(qty).Mul(acc.AverageCost)),
		MovementDate:           *at,
	}
	f.store.PutMovement(m)

	ref := ledger.SourceRef{Type: ledger.SourceMovement, ID: m.ID}
	f.postSourced(t, src, ledger.TypeTransferOut, ref, qty, "0", at)
	f.postSourced(t, dst, ledger.TypeTransferIn, ref, qty, m.TotalCost.String(), at)
	return &m
}

func (f *fixture) account(t *testing.T, key ledger.AccountKey) *ledger.Account {
	t.Helper()
	acc, err := f.store.Accounts().GetAccount(testContext(), key)
	require.NoError(t, err)
	return acc
}

// drain runs the worker until the queue is empty.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for range 50 {
		processed, err := f.worker.RunOnce(testContext())
		require.NoError(t, err)
		if !processed {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) eventsFor(key ledger.AccountKey) int {
	n := 0
	for _, e := range f.store.Events() {
		p, ok := e.Payload.(recalc.RecalculatedPayload)
		if ok && p.WarehouseID == key.WarehouseID && p.Product == key.Product {
			n++
		}
	}
	return n
}
