package memory

import (
	"context"
	"time"

	"avfuel/internal/core/apperror"
	"avfuel/internal/core/id"
	"avfuel/internal/domain/ledger"
)

var (
	_ ledger.AccountRepository     = (*AccountRepo)(nil)
	_ ledger.TransactionRepository = (*TransactionRepo)(nil)
)

// AccountRepo implements ledger.AccountRepository.
type AccountRepo struct {
	store *Store
}

func (r *AccountRepo) LockAccount(ctx context.Context, key ledger.AccountKey) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.accounts[key]; !ok {
			return apperror.NewNotFound("warehouse", key.WarehouseID)
		}
		st.locks[key]++
		return nil
	})
}

func (r *AccountRepo) GetAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	var out *ledger.Account
	err := r.store.do(ctx, func(st *state) error {
		acc, ok := st.accounts[key]
		if !ok {
			return apperror.NewNotFound("warehouse", key.WarehouseID)
		}
		out = &acc
		return nil
	})
	return out, err
}

func (r *AccountRepo) GetAccountForUpdate(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	return r.GetAccount(ctx, key)
}

func (r *AccountRepo) SavePosition(ctx context.Context, key ledger.AccountKey, pos ledger.Position) error {
	return r.store.do(ctx, func(st *state) error {
		acc, ok := st.accounts[key]
		if !ok {
			return apperror.NewNotFound("warehouse", key.WarehouseID)
		}
		acc.Position = pos
		st.accounts[key] = acc
		return nil
	})
}

func (r *AccountRepo) SetRecalculating(ctx context.Context, key ledger.AccountKey, on bool) error {
	return r.store.do(ctx, func(st *state) error {
		acc, ok := st.accounts[key]
		if !ok {
			return apperror.NewNotFound("warehouse", key.WarehouseID)
		}
		switch {
		case on:
			st.replays[key]++
		case st.replays[key] > 0:
			st.replays[key]--
		}
		acc.IsRecalculating = st.replays[key] > 0
		st.accounts[key] = acc
		return nil
	})
}

// TransactionRepo implements ledger.TransactionRepository.
type TransactionRepo struct {
	store *Store
}

func (r *TransactionRepo) Create(ctx context.Context, t *ledger.Transaction) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.transactions[t.ID]; ok {
			return apperror.NewConflict("ledger transaction already exists")
		}
		st.transactions[t.ID] = *t
		return nil
	})
}

func (r *TransactionRepo) GetByID(ctx context.Context, transactionID id.ID) (*ledger.Transaction, error) {
	var out *ledger.Transaction
	err := r.store.do(ctx, func(st *state) error {
		t, ok := st.transactions[transactionID]
		if !ok {
			return apperror.NewNotFound("ledger_transaction", transactionID)
		}
		out = &t
		return nil
	})
	return out, err
}

func (r *TransactionRepo) Update(ctx context.Context, t *ledger.Transaction) error {
	return r.store.do(ctx, func(st *state) error {
		if _, ok := st.transactions[t.ID]; !ok {
			return apperror.NewNotFound("ledger_transaction", t.ID)
		}
		st.transactions[t.ID] = *t
		return nil
	})
}

func (r *TransactionRepo) UpdateSnapshots(ctx context.Context, rows []*ledger.Transaction) error {
	return r.store.do(ctx, func(st *state) error {
		for _, row := range rows {
			cur, ok := st.transactions[row.ID]
			if !ok {
				return apperror.NewNotFound("ledger_transaction", row.ID)
			}
			cur.BalanceBefore, cur.BalanceAfter = row.BalanceBefore, row.BalanceAfter
			cur.AverageCostBefore, cur.AverageCostAfter = row.AverageCostBefore, row.AverageCostAfter
			cur.Sum, cur.Price = row.Sum, row.Price
			st.transactions[row.ID] = cur
		}
		return nil
	})
}

func (r *TransactionRepo) LatestEffectiveAt(ctx context.Context, key ledger.AccountKey, exclude *id.ID) (*time.Time, error) {
	var latest *time.Time
	err := r.store.do(ctx, func(st *state) error {
		for _, t := range st.live(key) {
			if exclude != nil && t.ID == *exclude {
				continue
			}
			at := t.EffectiveAt()
			if latest == nil || at.After(*latest) {
				latest = &at
			}
		}
		return nil
	})
	return latest, err
}

func (r *TransactionRepo) LastBefore(ctx context.Context, key ledger.AccountKey, before time.Time) (*ledger.Transaction, error) {
	var out *ledger.Transaction
	err := r.store.do(ctx, func(st *state) error {
		for _, t := range st.live(key) {
			if t.EffectiveAt().Before(before) {
				out = t
			}
		}
		return nil
	})
	return out, err
}

func (r *TransactionRepo) ListFrom(ctx context.Context, key ledger.AccountKey, from time.Time) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	err := r.store.do(ctx, func(st *state) error {
		for _, t := range st.live(key) {
			if !t.EffectiveAt().Before(from) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (r *TransactionRepo) FindBySource(ctx context.Context, key ledger.AccountKey, source ledger.SourceRef, txType ledger.TransactionType) (*ledger.Transaction, error) {
	var out *ledger.Transaction
	err := r.store.do(ctx, func(st *state) error {
		for _, t := range st.live(key) {
			if t.Source == source && t.Type == txType {
				out = t
				return nil
			}
		}
		return apperror.NewNotFound("ledger_transaction", source.String())
	})
	return out, err
}

// live returns copies of the non-deleted rows of key in replay order.
func (st *state) live(key ledger.AccountKey) []*ledger.Transaction {
	var rows []*ledger.Transaction
	for _, t := range st.transactions {
		if t.Account != key || t.IsDeleted() {
			continue
		}
		row := t
		rows = append(rows, &row)
	}
	ledger.SortReplayOrder(rows)
	return rows
}
