package authz

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource is anything the authorization service can grant access to.
// Concrete variants are registered per ResourceType so stored bodies can
// be parsed back without the core knowing extension fields.
type Resource interface {
	GetName() string
	GetResourceType() ResourceType
}

// AccessControlled is a resource whose declared Permissions control who
// may act on it.
type AccessControlled interface {
	Resource
	GetPermissions() Permissions
}

// Account is a cloud account pulled from the account registry.
type Account struct {
	Name          string      `json:"name"`
	CloudProvider string      `json:"cloudProvider,omitempty"`
	Permissions   Permissions `json:"permissions"`
}

func (a *Account) GetName() string               { return a.Name }
func (a *Account) GetResourceType() ResourceType { return ResourceTypeAccount }
func (a *Account) GetPermissions() Permissions   { return a.Permissions }

// Application is an application entry from the application inventories.
// An application whose name ends with "*" is a prefix entry: it does not
// survive into a provider's final set, but contributes its permissions to
// every entry it covers.
type Application struct {
	Name        string      `json:"name"`
	Email       string      `json:"email,omitempty"`
	Permissions Permissions `json:"permissions"`
}

func (a *Application) GetName() string               { return a.Name }
func (a *Application) GetResourceType() ResourceType { return ResourceTypeApplication }
func (a *Application) GetPermissions() Permissions   { return a.Permissions }

// IsPrefixEntry reports whether the application is a prefix pattern.
func (a *Application) IsPrefixEntry() bool {
	return strings.HasSuffix(a.Name, "*")
}

// PrefixStem returns the prefix with the trailing wildcard removed.
// Calling it on a non-prefix entry is an error.
func (a *Application) PrefixStem() (string, error) {
	if !a.IsPrefixEntry() {
		return "", &InvalidArgumentError{Message: fmt.Sprintf("prefix expressions must end with a *, got %q", a.Name)}
	}
	return a.Name[:len(a.Name)-1], nil
}

// BuildService is a build-system master from the build-system registry.
type BuildService struct {
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions"`
}

func (b *BuildService) GetName() string               { return b.Name }
func (b *BuildService) GetResourceType() ResourceType { return ResourceTypeBuildService }
func (b *BuildService) GetPermissions() Permissions   { return b.Permissions }

// ServiceAccount is an automation identity. MemberOf lists the role names
// required to act as the account; the account is itself a valid "user"
// whose external roles are exactly MemberOf.
type ServiceAccount struct {
	Name     string   `json:"name"`
	MemberOf []string `json:"memberOf,omitempty"`
}

func (s *ServiceAccount) GetName() string               { return s.Name }
func (s *ServiceAccount) GetResourceType() ResourceType { return ResourceTypeServiceAccount }

// GetPermissions derives the account's access rule from its membership
// list: every authorization is held by the required groups.
func (s *ServiceAccount) GetPermissions() Permissions {
	b := NewPermissionsBuilder()
	for _, a := range AllAuthorizations() {
		b.Add(a, s.MemberOf...)
	}
	return b.Build()
}

// MemberRoles returns MemberOf as Role resources tagged EXTERNAL, the form
// the resolver feeds back in as external roles.
func (s *ServiceAccount) MemberRoles() []*Role {
	roles := make([]*Role, 0, len(s.MemberOf))
	for _, name := range s.MemberOf {
		roles = append(roles, &Role{Name: NormalizeGroup(name), Source: RoleSourceExternal})
	}
	return roles
}

// Role source tags. EXTERNAL marks roles supplied to the resolver by a
// caller rather than loaded from the identity provider.
const (
	RoleSourceExternal     = "EXTERNAL"
	RoleSourceLDAP         = "LDAP"
	RoleSourceGoogleGroups = "GOOGLE_GROUPS"
	RoleSourceGithubTeams  = "GITHUB_TEAMS"
	RoleSourceFile         = "FILE"
)

// Role is a group membership as named by the identity provider.
type Role struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

func (r *Role) GetName() string               { return r.Name }
func (r *Role) GetResourceType() ResourceType { return ResourceTypeRole }

// GetPermissions grants every authorization to the role's own name, so a
// user holds a Role resource exactly when the role is among their groups.
func (r *Role) GetPermissions() Permissions {
	b := NewPermissionsBuilder()
	for _, a := range AllAuthorizations() {
		b.Add(a, r.Name)
	}
	return b.Build()
}

// NormalizedName returns the role name in canonical comparison form.
func (r *Role) NormalizedName() string {
	return NormalizeGroup(r.Name)
}

func init() {
	RegisterResourceType(ResourceTypeAccount, func(name string, body []byte) (Resource, error) {
		return unmarshalResource(name, body, &Account{})
	})
	RegisterResourceType(ResourceTypeApplication, func(name string, body []byte) (Resource, error) {
		return unmarshalResource(name, body, &Application{})
	})
	RegisterResourceType(ResourceTypeBuildService, func(name string, body []byte) (Resource, error) {
		return unmarshalResource(name, body, &BuildService{})
	})
	RegisterResourceType(ResourceTypeServiceAccount, func(name string, body []byte) (Resource, error) {
		return unmarshalResource(name, body, &ServiceAccount{})
	})
	RegisterResourceType(ResourceTypeRole, func(name string, body []byte) (Resource, error) {
		return unmarshalResource(name, body, &Role{})
	})
}

type namedResource interface {
	Resource
	setName(string)
}

func (a *Account) setName(n string)        { a.Name = n }
func (a *Application) setName(n string)    { a.Name = n }
func (b *BuildService) setName(n string)   { b.Name = n }
func (s *ServiceAccount) setName(n string) { s.Name = n }
func (r *Role) setName(n string)           { r.Name = n }

func unmarshalResource(name string, body []byte, target namedResource) (Resource, error) {
	if len(body) > 0 {
		if err := json.Unmarshal(body, target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s body for %q: %w", target.GetResourceType(), name, err)
		}
	}
	if target.GetName() == "" {
		target.setName(name)
	}
	return target, nil
}

// ParseResource parses a stored body through the factory registry.
func ParseResource(rt ResourceType, name string, body []byte) (Resource, error) {
	factory, ok := FactoryFor(rt)
	if !ok {
		return nil, &InvalidArgumentError{Message: fmt.Sprintf("no resource factory registered for type %q", rt)}
	}
	return factory(name, body)
}

// MarshalResource serializes a resource body for storage.
func MarshalResource(r Resource) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %q: %w", r.GetResourceType(), r.GetName(), err)
	}
	return body, nil
}
