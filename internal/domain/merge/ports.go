package merge

import (
	"context"
	"errors"
	"time"

	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/core/id"
)

// ErrRowNotFound is returned by Store.Load when the row does not exist.
var ErrRowNotFound = errors.New("merge: row not found")

// Retirement carries the lineage written to a retired source row.
type Retirement struct {
	MergedBy string
	Reason   *string
	At       time.Time
}

// Store is the relational store the merge mutates.
// Every method joins the transaction carried by ctx.
type Store interface {
	// Lock serializes merges touching the given ids. Callers pass ids in
	// lexicographic order. Locks are released when the transaction ends.
	Lock(ctx context.Context, schema *Schema, ids ...id.ID) error

	// Load returns the full row. forUpdate takes a row lock.
	Load(ctx context.Context, schema *Schema, entityID id.ID, forUpdate bool) (Snapshot, error)

	// UpdateFields writes the given columns to one row.
	UpdateFields(ctx context.Context, schema *Schema, entityID id.ID, fields Record) error

	// Repoint moves every dependent row from sourceID to targetID and
	// returns the number of rows changed per dependent table.
	Repoint(ctx context.Context, schema *Schema, sourceID, targetID id.ID, displayName string) (map[string]int64, error)

	// CountDependents returns, per dependent table, how many rows reference entityID.
	CountDependents(ctx context.Context, schema *Schema, entityID id.ID) (map[string]int64, error)

	// Retire flags the source row as merged into targetID.
	Retire(ctx context.Context, schema *Schema, sourceID, targetID id.ID, r Retirement) error
}

// AuditLog is the append-only merge history.
type AuditLog interface {
	Append(ctx context.Context, rec *AuditRecord) error
	Get(ctx context.Context, auditID id.ID) (*AuditRecord, error)
	ListForEntity(ctx context.Context, entityType EntityType, entityID id.ID, limit int) ([]AuditRecord, error)
}

// EventPublisher enqueues the accounting sync trigger.
// Implementations must not poison the caller's transaction on failure.
type EventPublisher interface {
	PublishVendorMerged(ctx context.Context, ev VendorMergedEvent) error
}

// Authorizer answers whether an actor may merge records.
type Authorizer interface {
	IsAdmin(ctx context.Context, user *appctx.UserContext) (bool, error)
}

// ClaimsAuthorizer trusts the roles carried by the bearer token.
type ClaimsAuthorizer struct{}

// IsAdmin implements Authorizer.
func (ClaimsAuthorizer) IsAdmin(_ context.Context, user *appctx.UserContext) (bool, error) {
	return user.IsAdmin || user.HasRole(appctx.RoleAdmin), nil
}
