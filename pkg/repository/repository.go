// Package repository stores and retrieves materialized user permissions.
// Reads are optimized for the edge filter's hot path: every non-anonymous
// read merges in the shared unrestricted record through a short-TTL
// single-entry cache.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/authz"
)

// PermissionsRepository is the backend-independent storage contract.
type PermissionsRepository interface {
	// Put idempotently upserts one user's permission set.
	Put(ctx context.Context, permission *authz.UserPermission) error
	// PutAll bulk-upserts and prunes: stored users absent from the input
	// are removed (the unrestricted record always survives), along with
	// resources no surviving user references.
	PutAll(ctx context.Context, permissions map[string]*authz.UserPermission) error
	// Get returns the stored record merged with the current unrestricted
	// record, or nil when the user is unknown. The unrestricted id is
	// returned directly.
	Get(ctx context.Context, id string) (*authz.UserPermission, error)
	// GetAllByID returns every stored user, each merged with the
	// unrestricted record.
	GetAllByID(ctx context.Context) (map[string]*authz.UserPermission, error)
	// GetAllByRoles returns users whose role permissions intersect
	// anyRoles, plus the unrestricted record. nil means every user;
	// an empty slice means only the unrestricted record.
	GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*authz.UserPermission, error)
	// Remove deletes the user and their permission rows. Shared
	// resources are left in place.
	Remove(ctx context.Context, id string) error
}

// PermissionRepositoryError wraps a backend I/O failure that survived the
// retry policy.
type PermissionRepositoryError struct {
	Op    string
	Cause error
}

func (e *PermissionRepositoryError) Error() string {
	return fmt.Sprintf("permission repository %s failed: %v", e.Op, e.Cause)
}

func (e *PermissionRepositoryError) Unwrap() error { return e.Cause }

// PermissionReadTimeoutError reports a read that exceeded its deadline.
type PermissionReadTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *PermissionReadTimeoutError) Error() string {
	return fmt.Sprintf("permission read %s timed out after %s", e.Op, e.Timeout)
}

// TimeoutContext bounds one read operation. Read helpers call Check at
// their entry points and refuse to proceed past the deadline.
type TimeoutContext struct {
	op      string
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTimeoutContext derives a deadline-bounded context for one operation.
func NewTimeoutContext(ctx context.Context, op string, timeout time.Duration) *TimeoutContext {
	bounded, cancel := context.WithTimeout(ctx, timeout)
	return &TimeoutContext{op: op, timeout: timeout, ctx: bounded, cancel: cancel}
}

// Context returns the bounded context for backend calls.
func (t *TimeoutContext) Context() context.Context { return t.ctx }

// Check returns a typed timeout error once the deadline has passed.
func (t *TimeoutContext) Check() error {
	select {
	case <-t.ctx.Done():
		return &PermissionReadTimeoutError{Op: t.op, Timeout: t.timeout}
	default:
		return nil
	}
}

// Close releases the context resources.
func (t *TimeoutContext) Close() { t.cancel() }

// MergeWithUnrestricted merges the unrestricted record into a user's
// stored record. The unrestricted record itself passes through.
func MergeWithUnrestricted(permission, unrestricted *authz.UserPermission) *authz.UserPermission {
	if permission == nil {
		return nil
	}
	if permission.ID() == authz.UnrestrictedUserID || unrestricted == nil {
		return permission
	}
	return permission.Clone().Merge(unrestricted)
}
