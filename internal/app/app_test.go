package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"fieldforce/internal/config"
	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/domain/merge"
)

type denyAll struct{}

func (denyAll) IsAdmin(context.Context, *appctx.UserContext) (bool, error) { return false, nil }

func TestAuthorizer(t *testing.T) {
	roles := denyAll{}

	assert.Equal(t, merge.ClaimsAuthorizer{}, Authorizer(config.MergeConfig{AuthzSource: config.AuthzClaims}, roles))
	assert.Equal(t, roles, Authorizer(config.MergeConfig{AuthzSource: config.AuthzDatabase}, roles))
	assert.Equal(t, merge.ClaimsAuthorizer{}, Authorizer(config.MergeConfig{}, roles))
}
