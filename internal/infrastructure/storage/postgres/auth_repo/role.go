// Package auth_repo provides the PostgreSQL role lookup used to authorize merges.
package auth_repo

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/domain/merge"
	"fieldforce/internal/infrastructure/storage/postgres"
)

// RoleRepo reads user_roles.
type RoleRepo struct {
	txManager *postgres.TxManager
}

var _ merge.Authorizer = (*RoleRepo)(nil)

// NewRoleRepo creates a new role repository.
func NewRoleRepo(txManager *postgres.TxManager) *RoleRepo {
	return &RoleRepo{txManager: txManager}
}

// RolesOf returns the roles granted to a user, sorted.
func (r *RoleRepo) RolesOf(ctx context.Context, userID string) ([]string, error) {
	var roles []string
	err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &roles,
		`SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("select user roles: %w", err)
	}
	return roles, nil
}

// IsAdmin implements merge.Authorizer against the database, ignoring token claims.
func (r *RoleRepo) IsAdmin(ctx context.Context, user *appctx.UserContext) (bool, error) {
	roles, err := r.RolesOf(ctx, user.UserID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role == appctx.RoleAdmin {
			return true, nil
		}
	}
	return false, nil
}

// Grant gives a role to a user. Granting twice is a no-op.
func (r *RoleRepo) Grant(ctx context.Context, userID, role string) error {
	_, err := r.txManager.GetQuerier(ctx).Exec(ctx,
		`INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, role)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}
