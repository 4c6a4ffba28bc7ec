// Package tx provides transaction management abstractions.
// Domain services depend on this interface; storage backends implement it.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
//
// A transaction is the logical unit that wraps one locked critical section of the
// sequence engine: counter lock, reset, gap consumption, increment and any pattern
// version created on overflow. Every state change made through repositories using
// the transaction context is undone if fn returns an error, and per-sequence locks
// acquired inside fn are released when the transaction ends.
type Manager interface {
	// RunInTransaction executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
