package providers

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/warden/pkg/authz"
)

// ResourceProvider serves the materialized, post-processed view of one
// resource type's inventory.
type ResourceProvider interface {
	ResourceType() authz.ResourceType
	// All returns the full post-processed set.
	All(ctx context.Context) ([]authz.Resource, error)
	// AllRestricted returns access-controlled entries the given roles (or
	// an admin) can reach.
	AllRestricted(ctx context.Context, roleNames []string, isAdmin bool) ([]authz.Resource, error)
	// AllUnrestricted returns entries with no declared permissions.
	AllUnrestricted(ctx context.Context) ([]authz.Resource, error)
	// GetByName looks up one entry case-insensitively.
	GetByName(ctx context.Context, name string) (authz.Resource, error)
	// HealthTrackers exposes the provider's loader health.
	HealthTrackers() []*HealthTracker
}

// DefaultCacheTTL bounds how long a post-processed set is served before
// it is recomputed from the snapshot.
const DefaultCacheTTL = 10 * time.Second

// BaseProvider wraps a single loader with permission-source application,
// an interceptor chain, and a short-TTL cache keyed by snapshot
// generation.
type BaseProvider struct {
	resourceType authz.ResourceType
	loader       *CachedLoader
	source       ResourcePermissionSource
	interceptors []ResourceInterceptor
	cache        *expirable.LRU[uint64, []authz.Resource]
}

// BaseProviderOption customizes a BaseProvider.
type BaseProviderOption func(*BaseProvider)

// WithPermissionSource merges an additional permission source into every
// access-controlled entry.
func WithPermissionSource(source ResourcePermissionSource) BaseProviderOption {
	return func(p *BaseProvider) { p.source = source }
}

// WithInterceptors appends to the interceptor chain.
func WithInterceptors(interceptors ...ResourceInterceptor) BaseProviderOption {
	return func(p *BaseProvider) { p.interceptors = append(p.interceptors, interceptors...) }
}

// WithCacheTTL overrides the post-processing cache TTL.
func WithCacheTTL(ttl time.Duration) BaseProviderOption {
	return func(p *BaseProvider) {
		p.cache = expirable.NewLRU[uint64, []authz.Resource](providerCacheSize, nil, ttl)
	}
}

// A refresh bumps the generation, so at most the current and previous
// generations are live at once.
const providerCacheSize = 4

// NewBaseProvider builds a provider over the loader.
func NewBaseProvider(rt authz.ResourceType, loader *CachedLoader, opts ...BaseProviderOption) *BaseProvider {
	p := &BaseProvider{
		resourceType: rt,
		loader:       loader,
		cache:        expirable.NewLRU[uint64, []authz.Resource](providerCacheSize, nil, DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResourceType implements ResourceProvider.
func (p *BaseProvider) ResourceType() authz.ResourceType { return p.resourceType }

// HealthTrackers implements ResourceProvider.
func (p *BaseProvider) HealthTrackers() []*HealthTracker {
	return []*HealthTracker{p.loader.Health()}
}

// All implements ResourceProvider.
func (p *BaseProvider) All(_ context.Context) ([]authz.Resource, error) {
	resources, generation, err := p.loader.Snapshot()
	if err != nil {
		return nil, &ProviderError{Provider: string(p.resourceType), Cause: err}
	}
	if cached, ok := p.cache.Get(generation); ok {
		return cached, nil
	}

	processed := p.applySource(resources)
	processed = applyInterceptors(p.resourceType, processed, p.interceptors)
	p.cache.Add(generation, processed)
	return processed, nil
}

func (p *BaseProvider) applySource(resources []authz.Resource) []authz.Resource {
	if p.source == nil {
		return resources
	}
	out := make([]authz.Resource, 0, len(resources))
	for _, r := range resources {
		ac, ok := r.(authz.AccessControlled)
		if !ok {
			out = append(out, r)
			continue
		}
		merged := authz.MergePermissions(ac.GetPermissions(), p.source.PermissionsFor(ac))
		out = append(out, withPermissions(r, merged))
	}
	return out
}

// AllRestricted implements ResourceProvider.
func (p *BaseProvider) AllRestricted(ctx context.Context, roleNames []string, isAdmin bool) ([]authz.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	return filterRestricted(all, roleNames, isAdmin), nil
}

// AllUnrestricted implements ResourceProvider.
func (p *BaseProvider) AllUnrestricted(ctx context.Context) ([]authz.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	return filterUnrestricted(all), nil
}

// GetByName implements ResourceProvider.
func (p *BaseProvider) GetByName(ctx context.Context, name string) (authz.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	return findByName(all, name)
}

func findByName(resources []authz.Resource, name string) (authz.Resource, error) {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if lowered == "" {
		return nil, &authz.InvalidArgumentError{Message: "resource name must not be empty"}
	}
	for _, r := range resources {
		if strings.ToLower(r.GetName()) == lowered {
			return r, nil
		}
	}
	return nil, authz.ErrNotFound
}

func filterRestricted(resources []authz.Resource, roleNames []string, isAdmin bool) []authz.Resource {
	lookup := make(map[string]struct{}, len(roleNames))
	for _, r := range roleNames {
		lookup[authz.NormalizeGroup(r)] = struct{}{}
	}
	var out []authz.Resource
	for _, r := range resources {
		ac, ok := r.(authz.AccessControlled)
		if !ok || !ac.GetPermissions().IsRestricted() {
			continue
		}
		if isAdmin {
			out = append(out, r)
			continue
		}
		for _, g := range ac.GetPermissions().AllGroups() {
			if _, held := lookup[g]; held {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func filterUnrestricted(resources []authz.Resource) []authz.Resource {
	var out []authz.Resource
	for _, r := range resources {
		if ac, ok := r.(authz.AccessControlled); ok && ac.GetPermissions().IsRestricted() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// withPermissions clones a resource with replaced permissions. Resources
// without declared permissions are returned unchanged.
func withPermissions(r authz.Resource, p authz.Permissions) authz.Resource {
	switch typed := r.(type) {
	case *authz.Account:
		clone := *typed
		clone.Permissions = p
		return &clone
	case *authz.Application:
		clone := *typed
		clone.Permissions = p
		return &clone
	case *authz.BuildService:
		clone := *typed
		clone.Permissions = p
		return &clone
	default:
		return r
	}
}
