package repository

import (
	"context"
	"strings"
	"sync"

	"github.com/platinummonkey/warden/pkg/authz"
)

// InMemoryRepository keeps permissions in process memory. It backs tests
// and single-instance deployments with no durable store.
type InMemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*authz.UserPermission
}

// NewInMemoryRepository returns an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{users: make(map[string]*authz.UserPermission)}
}

// Put implements PermissionsRepository.
func (r *InMemoryRepository) Put(_ context.Context, permission *authz.UserPermission) error {
	if permission == nil || permission.ID() == "" {
		return &authz.InvalidArgumentError{Message: "permission id must not be empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[permission.ID()] = permission.Clone()
	return nil
}

// PutAll implements PermissionsRepository. Users absent from the input
// are pruned; the unrestricted record survives.
func (r *InMemoryRepository) PutAll(_ context.Context, permissions map[string]*authz.UserPermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := make(map[string]*authz.UserPermission, len(permissions))
	for id, permission := range permissions {
		if permission == nil {
			continue
		}
		incoming[strings.ToLower(strings.TrimSpace(id))] = permission.Clone()
	}

	for id := range r.users {
		if id == authz.UnrestrictedUserID {
			continue
		}
		if _, keep := incoming[id]; !keep {
			delete(r.users, id)
		}
	}
	for id, permission := range incoming {
		r.users[id] = permission
	}
	return nil
}

// Get implements PermissionsRepository.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*authz.UserPermission, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return nil, &authz.InvalidArgumentError{Message: "id must not be empty"}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	permission, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	if id == authz.UnrestrictedUserID {
		return permission.Clone(), nil
	}
	return MergeWithUnrestricted(permission, r.users[authz.UnrestrictedUserID]), nil
}

// GetAllByID implements PermissionsRepository.
func (r *InMemoryRepository) GetAllByID(_ context.Context) (map[string]*authz.UserPermission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotMerged(func(*authz.UserPermission) bool { return true }), nil
}

// GetAllByRoles implements PermissionsRepository.
func (r *InMemoryRepository) GetAllByRoles(_ context.Context, anyRoles []string) (map[string]*authz.UserPermission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if anyRoles == nil {
		return r.snapshotMerged(func(*authz.UserPermission) bool { return true }), nil
	}

	wanted := make(map[string]struct{}, len(anyRoles))
	for _, role := range anyRoles {
		wanted[authz.NormalizeGroup(role)] = struct{}{}
	}
	return r.snapshotMerged(func(permission *authz.UserPermission) bool {
		if permission.ID() == authz.UnrestrictedUserID {
			return true
		}
		for _, role := range permission.RoleNames() {
			if _, ok := wanted[role]; ok {
				return true
			}
		}
		return false
	}), nil
}

func (r *InMemoryRepository) snapshotMerged(include func(*authz.UserPermission) bool) map[string]*authz.UserPermission {
	unrestricted := r.users[authz.UnrestrictedUserID]
	out := make(map[string]*authz.UserPermission)
	for id, permission := range r.users {
		if !include(permission) {
			continue
		}
		if id == authz.UnrestrictedUserID {
			out[id] = permission.Clone()
			continue
		}
		out[id] = MergeWithUnrestricted(permission, unrestricted)
	}
	return out
}

// Remove implements PermissionsRepository.
func (r *InMemoryRepository) Remove(_ context.Context, id string) error {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return &authz.InvalidArgumentError{Message: "id must not be empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
	return nil
}
