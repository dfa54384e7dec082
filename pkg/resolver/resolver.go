// Package resolver joins user roles with resource inventories to produce
// effective permission sets.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/providers"
	"github.com/platinummonkey/warden/pkg/roles"
)

// PermissionResolutionError wraps a failure to compute a user's
// permission set.
type PermissionResolutionError struct {
	UserID string
	Cause  error
}

func (e *PermissionResolutionError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("permission resolution failed: %v", e.Cause)
	}
	return fmt.Sprintf("permission resolution failed for user %s: %v", e.UserID, e.Cause)
}

func (e *PermissionResolutionError) Unwrap() error { return e.Cause }

// Config tunes resolution policy.
type Config struct {
	// AdminRoles marks users holding any of these roles as admins.
	AdminRoles []string
	// UnrestrictedRoles are granted to the anonymous user.
	UnrestrictedRoles []string
	// AllowAccessToUnknownApplications is stamped onto every resolved
	// permission for the view layer.
	AllowAccessToUnknownApplications bool
}

// Resolver computes UserPermissions from a roles provider and a set of
// resource providers.
type Resolver struct {
	rolesProvider     roles.UserRolesProvider
	resourceProviders []providers.ResourceProvider
	config            Config
	adminRoles        map[string]struct{}
	log               *logrus.Entry
}

// New builds a resolver.
func New(rolesProvider roles.UserRolesProvider, resourceProviders []providers.ResourceProvider, config Config) *Resolver {
	adminRoles := make(map[string]struct{}, len(config.AdminRoles))
	for _, r := range config.AdminRoles {
		adminRoles[authz.NormalizeGroup(r)] = struct{}{}
	}
	return &Resolver{
		rolesProvider:     rolesProvider,
		resourceProviders: resourceProviders,
		config:            config,
		adminRoles:        adminRoles,
		log:               logrus.WithField("component", "resolver"),
	}
}

// ResolveUnrestricted builds the anonymous user's permission: every
// provider's unrestricted set, plus the restricted set reachable through
// the configured anonymous roles, if any.
func (r *Resolver) ResolveUnrestricted(ctx context.Context) (*authz.UserPermission, error) {
	anonRoles := make([]*authz.Role, 0, len(r.config.UnrestrictedRoles))
	for _, name := range r.config.UnrestrictedRoles {
		anonRoles = append(anonRoles, &authz.Role{Name: authz.NormalizeGroup(name), Source: authz.RoleSourceFile})
	}
	return r.buildPermission(ctx, authz.UnrestrictedUserID, anonRoles)
}

// Resolve computes one user's permission with no external roles.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*authz.UserPermission, error) {
	return r.ResolveAndMerge(ctx, roles.NewExternalUser(userID))
}

// ResolveAndMerge loads the user's roles from the identity provider,
// merges the supplied external roles, and computes the permission set. A
// service account present in the inventory is resolved from its memberOf
// list instead of the identity provider.
func (r *Resolver) ResolveAndMerge(ctx context.Context, user roles.ExternalUser) (*authz.UserPermission, error) {
	userID := strings.ToLower(strings.TrimSpace(user.ID))
	if userID == "" {
		return nil, &authz.InvalidArgumentError{Message: "user id must not be empty"}
	}

	var loaded []*authz.Role
	if sa := r.lookupServiceAccount(ctx, userID); sa != nil {
		loaded = sa.MemberRoles()
	} else if userID != authz.UnrestrictedUserID {
		var err error
		loaded, err = r.rolesProvider.LoadRoles(ctx, userID)
		if err != nil {
			return nil, &PermissionResolutionError{UserID: userID, Cause: err}
		}
	}

	combined := mergeRoles(loaded, user.ExternalRoles)
	return r.buildPermission(ctx, userID, combined)
}

func (r *Resolver) buildPermission(ctx context.Context, userID string, userRoles []*authz.Role) (*authz.UserPermission, error) {
	permission := authz.NewUserPermission(userID).
		SetAdmin(r.isAdmin(userRoles)).
		SetAllowsUnknownApplications(r.config.AllowAccessToUnknownApplications)
	for _, role := range userRoles {
		permission.AddResource(role)
	}

	roleNames := make([]string, 0, len(userRoles))
	for _, role := range userRoles {
		roleNames = append(roleNames, role.NormalizedName())
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, provider := range r.resourceProviders {
		group.Go(func() error {
			var resources []authz.Resource
			var err error
			if userID == authz.UnrestrictedUserID {
				resources, err = provider.AllUnrestricted(groupCtx)
				if err == nil && len(roleNames) > 0 {
					var restricted []authz.Resource
					restricted, err = provider.AllRestricted(groupCtx, roleNames, false)
					resources = append(resources, restricted...)
				}
			} else {
				resources, err = provider.AllRestricted(groupCtx, roleNames, permission.IsAdmin())
			}
			if err != nil {
				return &PermissionResolutionError{UserID: userID, Cause: err}
			}
			mu.Lock()
			permission.AddResources(resources)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return permission, nil
}

// BatchResult carries a batch resolution outcome. Failures holds the
// users whose resolution failed without failing the whole batch.
type BatchResult struct {
	Permissions map[string]*authz.UserPermission
	Failures    map[string]error
}

// ResolveBatch resolves many users with one roles round-trip and one
// shared access-control index instead of per-user provider filtering.
func (r *Resolver) ResolveBatch(ctx context.Context, users []roles.ExternalUser) (*BatchResult, error) {
	ids := make([]string, 0, len(users))
	external := make(map[string][]*authz.Role, len(users))
	for _, user := range users {
		id := strings.ToLower(strings.TrimSpace(user.ID))
		if id == "" {
			continue
		}
		ids = append(ids, id)
		external[id] = mergeRoles(external[id], user.ExternalRoles)
	}

	loaded, err := r.rolesProvider.MultiLoadRoles(ctx, ids)
	if err != nil {
		return nil, &PermissionResolutionError{Cause: err}
	}

	index, err := r.buildAccessControlIndex(ctx)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		Permissions: make(map[string]*authz.UserPermission, len(ids)),
		Failures:    make(map[string]error),
	}
	for _, id := range ids {
		userRoles := mergeRoles(loaded[id], external[id])
		if id == authz.UnrestrictedUserID {
			permission, err := r.buildPermission(ctx, id, userRoles)
			if err != nil {
				result.Failures[id] = err
				continue
			}
			result.Permissions[id] = permission
			continue
		}

		permission := authz.NewUserPermission(id).
			SetAdmin(r.isAdmin(userRoles)).
			SetAllowsUnknownApplications(r.config.AllowAccessToUnknownApplications)
		for _, role := range userRoles {
			permission.AddResource(role)
		}

		if permission.IsAdmin() {
			// Admins see every restricted resource; the group index can't
			// answer that, so fall back to per-provider filtering.
			full, err := r.buildPermission(ctx, id, userRoles)
			if err != nil {
				result.Failures[id] = err
				continue
			}
			result.Permissions[id] = full
			continue
		}

		permission.AddResources(index.canAccess(permission.RoleNames()))
		result.Permissions[id] = permission
	}
	return result, nil
}

// accessControlIndex is the reverse index of every provider's restricted
// set: group name -> resources that group can reach, plus the resources
// providers grant regardless of roles. Built per batch and discarded.
type accessControlIndex struct {
	byGroup map[string][]authz.Resource
	// unconditional holds resources a provider serves to every caller,
	// roles notwithstanding (unknown-application access). Captured by
	// asking each provider for its roleless restricted set, the same
	// surface the single-user path consults.
	unconditional []authz.Resource
}

func (r *Resolver) buildAccessControlIndex(ctx context.Context) (*accessControlIndex, error) {
	index := &accessControlIndex{byGroup: make(map[string][]authz.Resource)}
	for _, provider := range r.resourceProviders {
		unconditional, err := provider.AllRestricted(ctx, nil, false)
		if err != nil {
			return nil, &PermissionResolutionError{Cause: err}
		}
		index.unconditional = append(index.unconditional, unconditional...)

		all, err := provider.All(ctx)
		if err != nil {
			return nil, &PermissionResolutionError{Cause: err}
		}
		for _, resource := range all {
			ac, ok := resource.(authz.AccessControlled)
			if !ok || !ac.GetPermissions().IsRestricted() {
				continue
			}
			for _, group := range ac.GetPermissions().AllGroups() {
				index.byGroup[group] = append(index.byGroup[group], resource)
			}
		}
	}
	return index, nil
}

func (idx *accessControlIndex) canAccess(roleNames []string) []authz.Resource {
	seen := make(map[authz.ResourceType]map[string]struct{})
	var out []authz.Resource
	add := func(resource authz.Resource) {
		rt := resource.GetResourceType()
		if seen[rt] == nil {
			seen[rt] = make(map[string]struct{})
		}
		key := strings.ToLower(resource.GetName())
		if _, dup := seen[rt][key]; dup {
			return
		}
		seen[rt][key] = struct{}{}
		out = append(out, resource)
	}

	for _, resource := range idx.unconditional {
		add(resource)
	}
	for _, role := range roleNames {
		for _, resource := range idx.byGroup[authz.NormalizeGroup(role)] {
			add(resource)
		}
	}
	return out
}

func (r *Resolver) isAdmin(userRoles []*authz.Role) bool {
	for _, role := range userRoles {
		if _, ok := r.adminRoles[role.NormalizedName()]; ok {
			return true
		}
	}
	return false
}

func (r *Resolver) lookupServiceAccount(ctx context.Context, userID string) *authz.ServiceAccount {
	for _, provider := range r.resourceProviders {
		if provider.ResourceType() != authz.ResourceTypeServiceAccount {
			continue
		}
		resource, err := provider.GetByName(ctx, userID)
		if err != nil {
			return nil
		}
		if sa, ok := resource.(*authz.ServiceAccount); ok {
			return sa
		}
	}
	return nil
}

// mergeRoles unions role lists, deduplicating on normalized name. Later
// lists win on source conflicts.
func mergeRoles(lists ...[]*authz.Role) []*authz.Role {
	seen := make(map[string]int)
	var out []*authz.Role
	for _, list := range lists {
		for _, role := range list {
			normalized := &authz.Role{Name: role.NormalizedName(), Source: role.Source}
			if idx, ok := seen[normalized.Name]; ok {
				out[idx] = normalized
				continue
			}
			seen[normalized.Name] = len(out)
			out = append(out, normalized)
		}
	}
	return out
}
