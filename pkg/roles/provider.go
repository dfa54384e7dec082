// Package roles defines how user group memberships reach the resolver.
// Concrete identity-provider clients (LDAP, directory APIs, team APIs)
// live outside this repository; they plug in behind UserRolesProvider.
package roles

import (
	"context"
	"strings"

	"github.com/platinummonkey/warden/pkg/authz"
)

// UserRolesProvider returns the group memberships the identity provider
// knows for a user. An empty list means "member of nothing"; an unknown
// user is an absent key in MultiLoadRoles.
type UserRolesProvider interface {
	LoadRoles(ctx context.Context, userID string) ([]*authz.Role, error)
	MultiLoadRoles(ctx context.Context, userIDs []string) (map[string][]*authz.Role, error)
}

// ExternalUser pairs a user id with roles that originate outside the
// identity provider, so they survive resolution.
type ExternalUser struct {
	ID            string
	ExternalRoles []*authz.Role
}

// NewExternalUser builds an ExternalUser with a normalized id.
func NewExternalUser(id string, externalRoles ...*authz.Role) ExternalUser {
	return ExternalUser{
		ID:            strings.ToLower(strings.TrimSpace(id)),
		ExternalRoles: externalRoles,
	}
}
