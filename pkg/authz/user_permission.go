package authz

import (
	"sort"
	"strings"
)

// UnrestrictedUserID is the reserved id under which the anonymous user's
// permission is materialized. Bulk operations never delete it.
const UnrestrictedUserID = "__unrestricted_user__"

// UserPermission is a user's effective permission set: the resources of
// every kind the user may act on, plus the admin and
// allow-unknown-applications flags.
type UserPermission struct {
	id                               string
	admin                            bool
	allowAccessToUnknownApplications bool
	resources                        map[ResourceType]map[string]Resource
}

// NewUserPermission returns an empty permission set for the user.
func NewUserPermission(id string) *UserPermission {
	return &UserPermission{
		id:        strings.ToLower(strings.TrimSpace(id)),
		resources: make(map[ResourceType]map[string]Resource),
	}
}

// ID returns the user id. Ids are case-insensitive and stored lower-cased.
func (u *UserPermission) ID() string { return u.id }

// IsAdmin reports whether any admin role matched during resolution.
func (u *UserPermission) IsAdmin() bool { return u.admin }

// SetAdmin sets the admin flag.
func (u *UserPermission) SetAdmin(admin bool) *UserPermission {
	u.admin = admin
	return u
}

// AllowsUnknownApplications reports whether the user is implicitly granted
// on applications with no declared permissions match.
func (u *UserPermission) AllowsUnknownApplications() bool {
	return u.allowAccessToUnknownApplications
}

// SetAllowsUnknownApplications sets the unknown-applications policy flag.
func (u *UserPermission) SetAllowsUnknownApplications(allow bool) *UserPermission {
	u.allowAccessToUnknownApplications = allow
	return u
}

// AddResource adds one resource to the set, replacing any same-named
// resource of the same type. Names compare case-insensitively.
func (u *UserPermission) AddResource(r Resource) *UserPermission {
	if r == nil {
		return u
	}
	rt := r.GetResourceType()
	if u.resources[rt] == nil {
		u.resources[rt] = make(map[string]Resource)
	}
	u.resources[rt][strings.ToLower(r.GetName())] = r
	return u
}

// AddResources adds a batch of resources.
func (u *UserPermission) AddResources(resources []Resource) *UserPermission {
	for _, r := range resources {
		u.AddResource(r)
	}
	return u
}

// ResourcesOfType returns the user's resources of one type, name-sorted.
func (u *UserPermission) ResourcesOfType(rt ResourceType) []Resource {
	byName := u.resources[canonicalType(rt)]
	out := make([]Resource, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].GetName()) < strings.ToLower(out[j].GetName())
	})
	return out
}

// AllResources returns every resource grouped by type.
func (u *UserPermission) AllResources() map[ResourceType][]Resource {
	out := make(map[ResourceType][]Resource, len(u.resources))
	for rt := range u.resources {
		out[rt] = u.ResourcesOfType(rt)
	}
	return out
}

// Accounts returns the user's account resources.
func (u *UserPermission) Accounts() []*Account {
	return typedResources[*Account](u, ResourceTypeAccount)
}

// Applications returns the user's application resources.
func (u *UserPermission) Applications() []*Application {
	return typedResources[*Application](u, ResourceTypeApplication)
}

// BuildServices returns the user's build-service resources.
func (u *UserPermission) BuildServices() []*BuildService {
	return typedResources[*BuildService](u, ResourceTypeBuildService)
}

// ServiceAccounts returns the user's service-account resources.
func (u *UserPermission) ServiceAccounts() []*ServiceAccount {
	return typedResources[*ServiceAccount](u, ResourceTypeServiceAccount)
}

// Roles returns the user's role resources.
func (u *UserPermission) Roles() []*Role {
	return typedResources[*Role](u, ResourceTypeRole)
}

// RoleNames returns the normalized names of the user's roles.
func (u *UserPermission) RoleNames() []string {
	roles := u.Roles()
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.NormalizedName())
	}
	return out
}

// ExternalRoles returns the user's roles tagged EXTERNAL. The syncer
// feeds these back so externally supplied roles survive re-sync.
func (u *UserPermission) ExternalRoles() []*Role {
	var out []*Role
	for _, r := range u.Roles() {
		if r.Source == RoleSourceExternal {
			out = append(out, r)
		}
	}
	return out
}

func typedResources[T Resource](u *UserPermission, rt ResourceType) []T {
	all := u.ResourcesOfType(rt)
	out := make([]T, 0, len(all))
	for _, r := range all {
		if typed, ok := r.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// Merge unions the other permission's resource sets into this one and ORs
// the admin flag. Same-named resources from other win. Returns the
// receiver.
func (u *UserPermission) Merge(other *UserPermission) *UserPermission {
	if other == nil {
		return u
	}
	u.admin = u.admin || other.admin
	u.allowAccessToUnknownApplications = u.allowAccessToUnknownApplications || other.allowAccessToUnknownApplications
	for _, resources := range other.AllResources() {
		u.AddResources(resources)
	}
	return u
}

// Clone returns an independent copy. Resources are shared (they are
// immutable once built).
func (u *UserPermission) Clone() *UserPermission {
	out := NewUserPermission(u.id)
	out.admin = u.admin
	out.allowAccessToUnknownApplications = u.allowAccessToUnknownApplications
	for rt, byName := range u.resources {
		out.resources[rt] = make(map[string]Resource, len(byName))
		for name, r := range byName {
			out.resources[rt][name] = r
		}
	}
	return out
}
