package providers

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/warden/pkg/authz"
)

// ResourcePermissionSource contributes permissions to a resource beyond
// what the inventory itself declares.
type ResourcePermissionSource interface {
	PermissionsFor(r authz.AccessControlled) authz.Permissions
}

// PrefixPermissionSource grants permissions to every application whose
// name starts with the prefix stem. The expression must end with "*".
type PrefixPermissionSource struct {
	stem        string
	permissions authz.Permissions
}

// NewPrefixPermissionSource validates the prefix expression and builds
// the source.
func NewPrefixPermissionSource(prefix string, permissions authz.Permissions) (*PrefixPermissionSource, error) {
	if !strings.HasSuffix(prefix, "*") {
		return nil, &authz.InvalidArgumentError{
			Message: fmt.Sprintf("prefix expressions must end with a *, got %q", prefix),
		}
	}
	return &PrefixPermissionSource{
		stem:        strings.ToLower(prefix[:len(prefix)-1]),
		permissions: permissions,
	}, nil
}

// PermissionsFor returns the source's permissions when the resource name
// matches, empty permissions otherwise.
func (s *PrefixPermissionSource) PermissionsFor(r authz.AccessControlled) authz.Permissions {
	if strings.HasPrefix(strings.ToLower(r.GetName()), s.stem) {
		return s.permissions
	}
	return authz.Permissions{}
}

// StaticPermissionSource grants permissions to one exactly named
// resource. Matching is case-insensitive.
type StaticPermissionSource struct {
	name        string
	permissions authz.Permissions
}

// NewStaticPermissionSource builds an exact-name source.
func NewStaticPermissionSource(name string, permissions authz.Permissions) *StaticPermissionSource {
	return &StaticPermissionSource{name: strings.ToLower(name), permissions: permissions}
}

// PermissionsFor returns the source's permissions on a name match.
func (s *StaticPermissionSource) PermissionsFor(r authz.AccessControlled) authz.Permissions {
	if strings.ToLower(r.GetName()) == s.name {
		return s.permissions
	}
	return authz.Permissions{}
}

// AggregatingPermissionSource unions the contributions of several sources
// with the resource's own declared permissions.
type AggregatingPermissionSource struct {
	sources []ResourcePermissionSource
}

// NewAggregatingPermissionSource chains the given sources.
func NewAggregatingPermissionSource(sources ...ResourcePermissionSource) *AggregatingPermissionSource {
	return &AggregatingPermissionSource{sources: sources}
}

// PermissionsFor unions every source's contribution.
func (a *AggregatingPermissionSource) PermissionsFor(r authz.AccessControlled) authz.Permissions {
	contributions := make([]authz.Permissions, 0, len(a.sources)+1)
	contributions = append(contributions, r.GetPermissions())
	for _, s := range a.sources {
		contributions = append(contributions, s.PermissionsFor(r))
	}
	return authz.MergePermissions(contributions...)
}
