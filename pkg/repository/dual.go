package repository

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/warden/pkg/authz"
)

// previousHits counts reads answered by the previous repository during a
// migration. A steadily falling rate means the primary has caught up.
var previousHits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "warden",
	Subsystem: "repository",
	Name:      "dual_previous_hits_total",
	Help:      "Reads served by the previous repository of a dual pair",
})

func init() {
	prometheus.MustRegister(previousHits)
}

// DualRepository bridges a storage migration: writes land on the primary
// while reads fall back to the previous backend until it drains.
type DualRepository struct {
	primary  PermissionsRepository
	previous PermissionsRepository
}

// NewDualRepository resolves the primary and previous backends by name
// among the wired repositories. Startup fails unless each name resolves
// to exactly one repository.
func NewDualRepository(primaryName, previousName string, wired map[string]PermissionsRepository) (*DualRepository, error) {
	primary, ok := wired[primaryName]
	if !ok {
		return nil, fmt.Errorf("dual repository: primary %q does not resolve to a wired repository", primaryName)
	}
	previous, ok := wired[previousName]
	if !ok {
		return nil, fmt.Errorf("dual repository: previous %q does not resolve to a wired repository", previousName)
	}
	if primaryName == previousName {
		return nil, fmt.Errorf("dual repository: primary and previous must differ, both are %q", primaryName)
	}
	return &DualRepository{primary: primary, previous: previous}, nil
}

// Put implements PermissionsRepository. Writes go to the primary only.
func (d *DualRepository) Put(ctx context.Context, permission *authz.UserPermission) error {
	return d.primary.Put(ctx, permission)
}

// PutAll implements PermissionsRepository.
func (d *DualRepository) PutAll(ctx context.Context, permissions map[string]*authz.UserPermission) error {
	return d.primary.PutAll(ctx, permissions)
}

// Get implements PermissionsRepository: primary first, previous on an
// empty result.
func (d *DualRepository) Get(ctx context.Context, id string) (*authz.UserPermission, error) {
	permission, err := d.primary.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if permission != nil {
		return permission, nil
	}
	permission, err = d.previous.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if permission != nil {
		previousHits.Inc()
	}
	return permission, nil
}

// GetAllByID implements PermissionsRepository: the union of both maps,
// primary winning on id collision.
func (d *DualRepository) GetAllByID(ctx context.Context) (map[string]*authz.UserPermission, error) {
	return d.union(func(r PermissionsRepository) (map[string]*authz.UserPermission, error) {
		return r.GetAllByID(ctx)
	})
}

// GetAllByRoles implements PermissionsRepository.
func (d *DualRepository) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*authz.UserPermission, error) {
	return d.union(func(r PermissionsRepository) (map[string]*authz.UserPermission, error) {
		return r.GetAllByRoles(ctx, anyRoles)
	})
}

func (d *DualRepository) union(read func(PermissionsRepository) (map[string]*authz.UserPermission, error)) (map[string]*authz.UserPermission, error) {
	fromPrimary, err := read(d.primary)
	if err != nil {
		return nil, err
	}
	fromPrevious, err := read(d.previous)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*authz.UserPermission, len(fromPrimary)+len(fromPrevious))
	for id, permission := range fromPrevious {
		out[id] = permission
	}
	for id, permission := range fromPrimary {
		out[id] = permission
	}
	return out, nil
}

// Remove implements PermissionsRepository: deletes from both backends.
func (d *DualRepository) Remove(ctx context.Context, id string) error {
	if err := d.primary.Remove(ctx, id); err != nil {
		return err
	}
	return d.previous.Remove(ctx, id)
}
