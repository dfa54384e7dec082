package roles

import (
	"context"
	"strings"
	"sync"

	"github.com/platinummonkey/warden/pkg/authz"
)

// StaticProvider serves role memberships from an in-memory table. It backs
// deployments without an external identity provider and the test suites.
type StaticProvider struct {
	mu     sync.RWMutex
	byUser map[string][]*authz.Role
	source string
}

// NewStaticProvider builds a provider over a user->role-names table.
func NewStaticProvider(memberships map[string][]string) *StaticProvider {
	p := &StaticProvider{
		byUser: make(map[string][]*authz.Role, len(memberships)),
		source: authz.RoleSourceFile,
	}
	for user, names := range memberships {
		p.Set(user, names)
	}
	return p
}

// Set replaces one user's memberships.
func (p *StaticProvider) Set(userID string, roleNames []string) {
	userRoles := make([]*authz.Role, 0, len(roleNames))
	for _, name := range roleNames {
		name = authz.NormalizeGroup(name)
		if name == "" {
			continue
		}
		userRoles = append(userRoles, &authz.Role{Name: name, Source: p.source})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byUser[strings.ToLower(strings.TrimSpace(userID))] = userRoles
}

// Remove forgets a user entirely.
func (p *StaticProvider) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byUser, strings.ToLower(strings.TrimSpace(userID)))
}

// LoadRoles implements UserRolesProvider. Unknown users get an empty list.
func (p *StaticProvider) LoadRoles(_ context.Context, userID string) ([]*authz.Role, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	userRoles := p.byUser[strings.ToLower(strings.TrimSpace(userID))]
	out := make([]*authz.Role, len(userRoles))
	copy(out, userRoles)
	return out, nil
}

// MultiLoadRoles implements UserRolesProvider. Unknown users are absent
// from the returned map.
func (p *StaticProvider) MultiLoadRoles(_ context.Context, userIDs []string) (map[string][]*authz.Role, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]*authz.Role, len(userIDs))
	for _, id := range userIDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if userRoles, ok := p.byUser[id]; ok {
			copied := make([]*authz.Role, len(userRoles))
			copy(copied, userRoles)
			out[id] = copied
		}
	}
	return out, nil
}

// CompositeProvider merges role sets from several providers. The first
// provider error aborts the load.
type CompositeProvider struct {
	providers []UserRolesProvider
}

// NewCompositeProvider chains providers in order.
func NewCompositeProvider(providers ...UserRolesProvider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

// LoadRoles unions roles across all providers.
func (c *CompositeProvider) LoadRoles(ctx context.Context, userID string) ([]*authz.Role, error) {
	seen := make(map[string]struct{})
	var out []*authz.Role
	for _, p := range c.providers {
		loaded, err := p.LoadRoles(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, r := range loaded {
			if _, ok := seen[r.NormalizedName()]; ok {
				continue
			}
			seen[r.NormalizedName()] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

// MultiLoadRoles unions batch results across all providers. A user is
// present in the output if any provider knows them.
func (c *CompositeProvider) MultiLoadRoles(ctx context.Context, userIDs []string) (map[string][]*authz.Role, error) {
	out := make(map[string][]*authz.Role)
	seen := make(map[string]map[string]struct{})
	for _, p := range c.providers {
		loaded, err := p.MultiLoadRoles(ctx, userIDs)
		if err != nil {
			return nil, err
		}
		for user, userRoles := range loaded {
			if seen[user] == nil {
				seen[user] = make(map[string]struct{})
				out[user] = []*authz.Role{}
			}
			for _, r := range userRoles {
				if _, ok := seen[user][r.NormalizedName()]; ok {
					continue
				}
				seen[user][r.NormalizedName()] = struct{}{}
				out[user] = append(out[user], r)
			}
		}
	}
	return out, nil
}
