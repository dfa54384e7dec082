package authz

// ResourceView is the public projection of one access-controlled
// resource: its name plus the authorizations the viewing user holds.
type ResourceView struct {
	Name           string          `json:"name"`
	Authorizations []Authorization `json:"authorizations"`
}

// ServiceAccountView is the public projection of a service account.
type ServiceAccountView struct {
	Name     string   `json:"name"`
	MemberOf []string `json:"memberOf,omitempty"`
}

// RoleView is the public projection of a role membership.
type RoleView struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

// UserView is the shape consumed by edge services: per resource only the
// name and the authorization set the user holds on it.
type UserView struct {
	Name                             string               `json:"name"`
	Admin                            bool                 `json:"admin"`
	AllowAccessToUnknownApplications bool                 `json:"allowAccessToUnknownApplications"`
	Accounts                         []ResourceView       `json:"accounts"`
	Applications                     []ResourceView       `json:"applications"`
	BuildServices                    []ResourceView       `json:"buildServices"`
	ServiceAccounts                  []ServiceAccountView `json:"serviceAccounts"`
	Roles                            []RoleView           `json:"roles"`
	Extensions                       map[string][]ResourceView `json:"extensions,omitempty"`
}

// View projects the permission set for external consumption. The
// authorization set per resource is the intersection of the user's roles
// with the resource's declared permissions; admins hold everything.
func (u *UserPermission) View() UserView {
	roles := u.RoleNames()
	view := UserView{
		Name:                             u.id,
		Admin:                            u.admin,
		AllowAccessToUnknownApplications: u.allowAccessToUnknownApplications,
		Accounts:                         []ResourceView{},
		Applications:                     []ResourceView{},
		BuildServices:                    []ResourceView{},
		ServiceAccounts:                  []ServiceAccountView{},
		Roles:                            []RoleView{},
	}

	for _, a := range u.Accounts() {
		view.Accounts = append(view.Accounts, u.resourceView(a, roles))
	}
	for _, a := range u.Applications() {
		view.Applications = append(view.Applications, u.resourceView(a, roles))
	}
	for _, b := range u.BuildServices() {
		view.BuildServices = append(view.BuildServices, u.resourceView(b, roles))
	}
	for _, s := range u.ServiceAccounts() {
		view.ServiceAccounts = append(view.ServiceAccounts, ServiceAccountView{
			Name:     s.Name,
			MemberOf: s.MemberOf,
		})
	}
	for _, r := range u.Roles() {
		view.Roles = append(view.Roles, RoleView{Name: r.Name, Source: r.Source})
	}

	for rt, resources := range u.AllResources() {
		switch rt {
		case ResourceTypeAccount, ResourceTypeApplication, ResourceTypeBuildService,
			ResourceTypeServiceAccount, ResourceTypeRole:
			continue
		}
		// Extension resource types each own their projection slot.
		if view.Extensions == nil {
			view.Extensions = make(map[string][]ResourceView)
		}
		for _, r := range resources {
			if ac, ok := r.(AccessControlled); ok {
				view.Extensions[rt.KeySuffix()] = append(view.Extensions[rt.KeySuffix()], u.resourceView(ac, roles))
			}
		}
	}

	return view
}

func (u *UserPermission) resourceView(r AccessControlled, roles []string) ResourceView {
	if u.admin {
		return ResourceView{Name: r.GetName(), Authorizations: AllAuthorizations()}
	}
	return ResourceView{Name: r.GetName(), Authorizations: r.GetPermissions().GetAuthorizations(roles)}
}
