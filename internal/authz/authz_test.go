package authz_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/lagoon-gateway/st-orchestrator/internal/authz"
)

func TestDefaultPolicyAllowsTerminalToUser(t *testing.T) {
	p := authz.NewPolicy()
	assert.True(t, p.CanAccess(authz.RoleUser, "/app/terminal/open"))
	assert.True(t, p.CanAccess(authz.RoleAdmin, "/app/terminal/open"))
	// the no-token CONNECT path resolves to anonymous, and that principal
	// must still reach the terminal it connected for.
	assert.True(t, p.CanAccess(authz.RoleAnonymous, "/app/terminal/open"))
}

func TestDefaultPolicyDeniesAnonymousFromDeployment(t *testing.T) {
	p := authz.NewPolicy()
	assert.False(t, p.CanAccess(authz.RoleAnonymous, "/app/deployment/start"))
	assert.False(t, p.CanAccess(authz.RoleAnonymous, "/app/data/export"))
}

func TestDefaultPolicyDeniesDeploymentToUser(t *testing.T) {
	p := authz.NewPolicy()
	assert.False(t, p.CanAccess(authz.RoleUser, "/app/deployment/start"))
	assert.True(t, p.CanAccess(authz.RoleAdmin, "/app/deployment/start"))
}

func TestAllowUserDeploymentWidensTable(t *testing.T) {
	p := authz.NewPolicy(authz.AllowUserDeployment())
	assert.True(t, p.CanAccess(authz.RoleUser, "/app/deployment/start"))
	assert.True(t, p.CanAccess(authz.RoleUser, "/app/deployment/confirm"))
	assert.True(t, p.CanAccess(authz.RoleUser, "/app/deployment/cancel"))
	// data destinations are untouched by the option
	assert.False(t, p.CanAccess(authz.RoleUser, "/app/data/export"))
}

func TestUnknownDestinationDenied(t *testing.T) {
	p := authz.NewPolicy()
	assert.False(t, p.CanAccess(authz.RoleAdmin, "/app/bogus"))
}
