// Package tx provides transaction management abstractions.
// Domain services depend on this interface; the pgx implementation lives
// in infrastructure/storage/postgres and an in-memory one in storage/memory.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context, so a
	// ledger post and the recalculation task it enqueues commit together.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
