package providers

import (
	"github.com/platinummonkey/warden/pkg/authz"
)

// ResourceInterceptor rewrites a provider's post-processed set. An
// interceptor that does not opt in via Supports is skipped silently.
type ResourceInterceptor interface {
	Supports(rt authz.ResourceType) bool
	Intercept(resources []authz.Resource) []authz.Resource
}

// ReadOnlyInterceptor intersects every declared permission with READ for
// the resource types it supports, turning a deployment into a read-only
// view without touching the inventories.
type ReadOnlyInterceptor struct {
	Types []authz.ResourceType
}

// Supports reports whether the interceptor applies to the type.
func (i *ReadOnlyInterceptor) Supports(rt authz.ResourceType) bool {
	for _, t := range i.Types {
		if t == rt {
			return true
		}
	}
	return false
}

// Intercept rewrites permissions down to READ.
func (i *ReadOnlyInterceptor) Intercept(resources []authz.Resource) []authz.Resource {
	out := make([]authz.Resource, 0, len(resources))
	for _, r := range resources {
		switch typed := r.(type) {
		case *authz.Account:
			clone := *typed
			clone.Permissions = typed.Permissions.Restrict(authz.AuthorizationRead)
			out = append(out, &clone)
		case *authz.Application:
			clone := *typed
			clone.Permissions = typed.Permissions.Restrict(authz.AuthorizationRead)
			out = append(out, &clone)
		case *authz.BuildService:
			clone := *typed
			clone.Permissions = typed.Permissions.Restrict(authz.AuthorizationRead)
			out = append(out, &clone)
		default:
			out = append(out, r)
		}
	}
	return out
}

func applyInterceptors(rt authz.ResourceType, resources []authz.Resource, interceptors []ResourceInterceptor) []authz.Resource {
	for _, interceptor := range interceptors {
		if !interceptor.Supports(rt) {
			continue
		}
		resources = interceptor.Intercept(resources)
	}
	return resources
}
