// Package tx defines the transaction boundary used by domain services.
// The domain owns the boundary; the postgres package owns BEGIN/COMMIT/ROLLBACK.
package tx

import (
	"context"
)

// Manager runs a unit of work atomically.
//
// Implementations put the active transaction into the context passed to fn,
// so every repository call made with that context joins the same transaction.
// Nested calls reuse the existing transaction.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// ReadOnly executes fn in a read-only transaction.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}
