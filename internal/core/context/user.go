// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// RoleAdmin is the role that may merge records.
const RoleAdmin = "admin"

// UserContext contains the authenticated actor of a request.
type UserContext struct {
	UserID    string
	Email     string
	Roles     []string
	IsAdmin   bool
	SessionID string
}

// HasRole checks if the user carries a specific role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Contact returns the string recorded next to the actor id in audit rows.
func (u *UserContext) Contact() string {
	if u.Email != "" {
		return u.Email
	}
	return u.UserID
}

type userContextKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(userContextKey{}).(*UserContext); ok {
		return v
	}
	return nil
}
