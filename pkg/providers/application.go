package providers

import (
	"context"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/warden/pkg/authz"
)

// ApplicationProvider serves applications drawn from two inventories.
// Post-processing replaces the base pipeline: inventory union, permission
// sources, prefix extraction, EXECUTE fallback, then interceptors.
type ApplicationProvider struct {
	primary         *CachedLoader
	secondary       *CachedLoader
	source          ResourcePermissionSource
	interceptors    []ResourceInterceptor
	executeFallback authz.Authorization
	allowUnknown    bool
	cache           *expirable.LRU[uint64, []authz.Resource]
}

// ApplicationProviderOption customizes an ApplicationProvider.
type ApplicationProviderOption func(*ApplicationProvider)

// WithSecondaryLoader adds the second application inventory. Entries from
// the primary inventory win on name collision.
func WithSecondaryLoader(loader *CachedLoader) ApplicationProviderOption {
	return func(p *ApplicationProvider) { p.secondary = loader }
}

// WithApplicationPermissionSource merges an additional permission source
// (e.g. file-configured prefix rules) into every entry.
func WithApplicationPermissionSource(source ResourcePermissionSource) ApplicationProviderOption {
	return func(p *ApplicationProvider) { p.source = source }
}

// WithApplicationInterceptors appends to the interceptor chain.
func WithApplicationInterceptors(interceptors ...ResourceInterceptor) ApplicationProviderOption {
	return func(p *ApplicationProvider) { p.interceptors = append(p.interceptors, interceptors...) }
}

// WithExecuteFallback overrides the EXECUTE fallback authorization.
func WithExecuteFallback(a authz.Authorization) ApplicationProviderOption {
	return func(p *ApplicationProvider) { p.executeFallback = a }
}

// WithAllowUnknownApplications sets the unknown-applications policy.
func WithAllowUnknownApplications(allow bool) ApplicationProviderOption {
	return func(p *ApplicationProvider) { p.allowUnknown = allow }
}

// NewApplicationProvider builds the application provider over the primary
// inventory loader.
func NewApplicationProvider(primary *CachedLoader, opts ...ApplicationProviderOption) *ApplicationProvider {
	p := &ApplicationProvider{
		primary:         primary,
		executeFallback: authz.AuthorizationRead,
		cache:           expirable.NewLRU[uint64, []authz.Resource](providerCacheSize, nil, DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResourceType implements ResourceProvider.
func (p *ApplicationProvider) ResourceType() authz.ResourceType { return authz.ResourceTypeApplication }

// HealthTrackers implements ResourceProvider.
func (p *ApplicationProvider) HealthTrackers() []*HealthTracker {
	trackers := []*HealthTracker{p.primary.Health()}
	if p.secondary != nil {
		trackers = append(trackers, p.secondary.Health())
	}
	return trackers
}

// All implements ResourceProvider.
func (p *ApplicationProvider) All(_ context.Context) ([]authz.Resource, error) {
	primary, primaryGen, err := p.primary.Snapshot()
	if err != nil {
		return nil, &ProviderError{Provider: string(authz.ResourceTypeApplication), Cause: err}
	}
	var secondary []authz.Resource
	var secondaryGen uint64
	if p.secondary != nil {
		secondary, secondaryGen, err = p.secondary.Snapshot()
		if err != nil {
			return nil, &ProviderError{Provider: string(authz.ResourceTypeApplication), Cause: err}
		}
	}

	generation := primaryGen<<32 | secondaryGen&0xffffffff
	if cached, ok := p.cache.Get(generation); ok {
		return cached, nil
	}

	processed, err := p.postProcess(primary, secondary)
	if err != nil {
		return nil, err
	}
	p.cache.Add(generation, processed)
	return processed, nil
}

func (p *ApplicationProvider) postProcess(primary, secondary []authz.Resource) ([]authz.Resource, error) {
	byName := make(map[string]*authz.Application)
	order := make([]string, 0, len(primary)+len(secondary))
	add := func(resources []authz.Resource) {
		for _, r := range resources {
			app, ok := r.(*authz.Application)
			if !ok {
				continue
			}
			key := strings.ToLower(app.Name)
			if _, exists := byName[key]; exists {
				continue
			}
			byName[key] = app
			order = append(order, key)
		}
	}
	add(primary)
	add(secondary)

	// Permission sources contribute before prefix matching so that
	// config-sourced prefix rules land on the entries they cover.
	apps := make([]*authz.Application, 0, len(order))
	for _, key := range order {
		app := byName[key]
		if p.source != nil {
			clone := *app
			clone.Permissions = authz.MergePermissions(app.Permissions, p.source.PermissionsFor(app))
			app = &clone
		}
		apps = append(apps, app)
	}

	entries, err := extractPrefixPermissions(apps)
	if err != nil {
		return nil, err
	}

	out := make([]authz.Resource, 0, len(entries))
	for _, app := range entries {
		if p.allowUnknown && !app.Permissions.IsRestricted() {
			// Unknown-application access makes unrestricted entries
			// redundant; everyone already reaches them.
			continue
		}
		if app.Permissions.IsRestricted() {
			clone := *app
			clone.Permissions = app.Permissions.WithFallback(authz.AuthorizationExecute, p.executeFallback)
			app = &clone
		}
		out = append(out, app)
	}

	return applyInterceptors(authz.ResourceTypeApplication, out, p.interceptors), nil
}

// extractPrefixPermissions splits the set into prefix entries and real
// entries, merges each covering prefix's permissions into the entries it
// matches, and drops the prefix entries from the result.
func extractPrefixPermissions(apps []*authz.Application) ([]*authz.Application, error) {
	var prefixes []*authz.Application
	var entries []*authz.Application
	for _, app := range apps {
		if app.IsPrefixEntry() {
			prefixes = append(prefixes, app)
		} else {
			entries = append(entries, app)
		}
	}
	if len(prefixes) == 0 {
		return entries, nil
	}

	out := make([]*authz.Application, 0, len(entries))
	for _, entry := range entries {
		merged := []authz.Permissions{entry.Permissions}
		for _, prefix := range prefixes {
			stem, err := prefix.PrefixStem()
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(strings.ToLower(entry.Name), strings.ToLower(stem)) {
				merged = append(merged, prefix.Permissions)
			}
		}
		if len(merged) == 1 {
			out = append(out, entry)
			continue
		}
		clone := *entry
		clone.Permissions = authz.MergePermissions(merged...)
		out = append(out, &clone)
	}
	return out, nil
}

// AllRestricted implements ResourceProvider. With unknown-application
// access enabled every entry is returned and restriction moves to the
// view layer.
func (p *ApplicationProvider) AllRestricted(ctx context.Context, roleNames []string, isAdmin bool) ([]authz.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	if p.allowUnknown {
		return all, nil
	}
	return filterRestricted(all, roleNames, isAdmin), nil
}

// AllUnrestricted implements ResourceProvider.
func (p *ApplicationProvider) AllUnrestricted(ctx context.Context) ([]authz.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	if p.allowUnknown {
		return all, nil
	}
	return filterUnrestricted(all), nil
}

// GetByName implements ResourceProvider.
func (p *ApplicationProvider) GetByName(ctx context.Context, name string) (authz.Resource, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	return findByName(all, name)
}
