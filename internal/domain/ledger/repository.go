package ledger

import (
	"context"
	"time"

	"avfuel/internal/core/id"
)

// AccountRepository persists account state embedded on the warehouse row.
type AccountRepository interface {
	// LockAccount takes the per-account advisory lock for the current transaction.
	// Released on commit or rollback.
	LockAccount(ctx context.Context, key AccountKey) error

	// GetAccount reads the current state without locking.
	GetAccount(ctx context.Context, key AccountKey) (*Account, error)

	// GetAccountForUpdate reads the state with a row lock on the warehouse.
	GetAccountForUpdate(ctx context.Context, key AccountKey) (*Account, error)

	// SavePosition writes balance and average cost.
	SavePosition(ctx context.Context, key AccountKey, pos Position) error

	// SetRecalculating counts a replay in (on) or out. The advisory flag stays
	// raised while any replay of the account is in flight.
	SetRecalculating(ctx context.Context, key AccountKey, on bool) error
}

// TransactionRepository persists the ledger transaction log.
type TransactionRepository interface {
	Create(ctx context.Context, t *Transaction) error

	// GetByID returns the row even when soft-deleted.
	GetByID(ctx context.Context, transactionID id.ID) (*Transaction, error)

	// Update rewrites quantity, dates, snapshot, sum/price and the deletion marker.
	Update(ctx context.Context, t *Transaction) error

	// UpdateSnapshots rewrites before/after, sum and price of replayed rows in one round trip.
	UpdateSnapshots(ctx context.Context, rows []*Transaction) error

	// LatestEffectiveAt returns the greatest EffectiveAt among non-deleted rows of the
	// account, ignoring exclude when it is not nil. Nil when the account has no rows.
	LatestEffectiveAt(ctx context.Context, key AccountKey, exclude *id.ID) (*time.Time, error)

	// LastBefore returns the last non-deleted row in replay order with EffectiveAt < before.
	LastBefore(ctx context.Context, key AccountKey, before time.Time) (*Transaction, error)

	// ListFrom returns non-deleted rows with EffectiveAt >= from, in replay order.
	ListFrom(ctx context.Context, key AccountKey, from time.Time) ([]*Transaction, error)

	// FindBySource locates the non-deleted row of the given type created for a business record.
	FindBySource(ctx context.Context, key AccountKey, source SourceRef, txType TransactionType) (*Transaction, error)
}

// RecalculationEnqueuer is what the poster needs from the recalculation queue.
type RecalculationEnqueuer interface {
	EnqueueRecalculation(ctx context.Context, key AccountKey, afterDate time.Time, actor string, priority int) error
}

// Recalculation priorities. Higher runs first.
const (
	PriorityNormal    = 0
	PriorityBackdated = 10
	PriorityCascade   = 20
	PriorityOperator  = 30
)
