// Package memory provides an in-process implementation of every ledger and
// recalculation repository. Transactions are serialized store-wide and roll
// back to a snapshot on error, so per-account locks hold trivially.
package memory

import (
	"context"
	"maps"
	"sync"

	"avfuel/internal/core/event"
	"avfuel/internal/core/id"
	"avfuel/internal/core/tx"
	"avfuel/internal/domain/documents/deal"
	"avfuel/internal/domain/documents/movement"
	"avfuel/internal/domain/ledger"
	"avfuel/internal/domain/recalc"
)

var _ tx.Manager = (*Store)(nil)

type state struct {
	warehouses   map[id.ID]struct{}
	accounts     map[ledger.AccountKey]ledger.Account
	transactions map[id.ID]ledger.Transaction
	tasks        map[id.ID]recalc.Task
	movements    map[id.ID]movement.Movement
	sales        map[ledger.SourceType]map[id.ID]deal.SaleRecord
	events       []event.Event
	locks        map[ledger.AccountKey]int
	replays      map[ledger.AccountKey]int
}

func newState() *state {
	return &state{
		warehouses:   make(map[id.ID]struct{}),
		accounts:     make(map[ledger.AccountKey]ledger.Account),
		transactions: make(map[id.ID]ledger.Transaction),
		tasks:        make(map[id.ID]recalc.Task),
		movements:    make(map[id.ID]movement.Movement),
		sales:        make(map[ledger.SourceType]map[id.ID]deal.SaleRecord),
		locks:        make(map[ledger.AccountKey]int),
		replays:      make(map[ledger.AccountKey]int),
	}
}

// clone copies every table. Values are copied; pointer fields inside them are
// only ever replaced, never mutated in place.
func (s *state) clone() *state {
	c := &state{
		warehouses:   maps.Clone(s.warehouses),
		accounts:     maps.Clone(s.accounts),
		transactions: maps.Clone(s.transactions),
		tasks:        maps.Clone(s.tasks),
		movements:    maps.Clone(s.movements),
		sales:        make(map[ledger.SourceType]map[id.ID]deal.SaleRecord, len(s.sales)),
		events:       append([]event.Event(nil), s.events...),
		locks:        maps.Clone(s.locks),
		replays:      maps.Clone(s.replays),
	}
	for k, v := range s.sales {
		c.sales[k] = maps.Clone(v)
	}
	return c
}

// Store holds all tables.
type Store struct {
	mu   sync.Mutex
	data *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: newState()}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// RunInTransaction implements tx.Manager. Nested calls join the outer transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// do runs fn against the tables, inside the caller's transaction when there is one.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(s.data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// AddWarehouse registers a warehouse with an empty account for every product.
func (s *Store) AddWarehouse(warehouseID id.ID) {
	_ = s.do(context.Background(), func(st *state) error {
		st.warehouses[warehouseID] = struct{}{}
		for _, p := range ledger.AllProducts() {
			key := ledger.NewAccountKey(warehouseID, p)
			if _, ok := st.accounts[key]; !ok {
				st.accounts[key] = ledger.Account{Key: key, Position: ledger.ZeroPosition()}
			}
		}
		return nil
	})
}

// PutMovement stores or replaces a movement record.
func (s *Store) PutMovement(m movement.Movement) {
	_ = s.do(context.Background(), func(st *state) error {
		st.movements[m.ID] = m
		return nil
	})
}

// PutSale stores or replaces a sale record of the record's kind.
func (s *Store) PutSale(rec deal.SaleRecord) {
	_ = s.do(context.Background(), func(st *state) error {
		if st.sales[rec.Kind] == nil {
			st.sales[rec.Kind] = make(map[id.ID]deal.SaleRecord)
		}
		st.sales[rec.Kind][rec.ID] = rec
		return nil
	})
}

// Events returns published events in order.
func (s *Store) Events() []event.Event {
	var out []event.Event
	_ = s.do(context.Background(), func(st *state) error {
		out = append(out, st.events...)
		return nil
	})
	return out
}

// LockCount returns how many times the account lock was taken by committed work.
func (s *Store) LockCount(key ledger.AccountKey) int {
	var n int
	_ = s.do(context.Background(), func(st *state) error {
		n = st.locks[key]
		return nil
	})
	return n
}

// Accounts returns the account repository.
func (s *Store) Accounts() *AccountRepo { return &AccountRepo{store: s} }

// Transactions returns the ledger transaction repository.
func (s *Store) Transactions() *TransactionRepo { return &TransactionRepo{store: s} }

// Tasks returns the recalculation task repository.
func (s *Store) Tasks() *TaskRepo { return &TaskRepo{store: s} }

// Movements returns the movement repository.
func (s *Store) Movements() *MovementRepo { return &MovementRepo{store: s} }

// Sales returns the sale repository for one kind of record.
func (s *Store) Sales(kind ledger.SourceType) *SaleRepo { return &SaleRepo{store: s, kind: kind} }

// Publisher returns an outbox publisher that records events in the store.
func (s *Store) Publisher() *Publisher { return &Publisher{store: s} }

// Publisher implements event.Publisher.
type Publisher struct {
	store *Store
}

var _ event.Publisher = (*Publisher)(nil)

func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	return p.store.do(ctx, func(st *state) error {
		st.events = append(st.events, e)
		return nil
	})
}
