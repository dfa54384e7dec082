// Package redisrepo implements the permissions repository over a remote
// key/value store. The layout favors per-user, per-type reads:
//
//	{prefix}:users                                   set of user ids
//	{prefix}:permissions:admin                       set of admin ids
//	{prefix}:permissions:{userId}:{type}             hash name -> body
//	{prefix}:roles:{roleName}                        set of user ids
//	{prefix}:last_modified:__unrestricted_user__     server time of last write
package redisrepo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/repository"
)

const backendRedis = "redis"

// DefaultKeyPrefix namespaces every key the repository writes.
const DefaultKeyPrefix = "warden"

// Config tunes the repository.
type Config struct {
	// Prefix namespaces all keys.
	Prefix string
	// ReadTimeout bounds each read operation.
	ReadTimeout time.Duration
	// ScanCount is the HSCAN page size used to bound peak memory on
	// large hashes.
	ScanCount int64
	// UnrestrictedCacheTTL overrides the unrestricted cache TTL.
	UnrestrictedCacheTTL time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Prefix:               DefaultKeyPrefix,
		ReadTimeout:          5 * time.Second,
		ScanCount:            100,
		UnrestrictedCacheTTL: repository.DefaultUnrestrictedCacheTTL,
	}
}

// Repository stores permissions in redis.
type Repository struct {
	client *redis.Client
	config Config
	cache  *repository.UnrestrictedCache
	log    *logrus.Entry
}

// New builds a repository over the client.
func New(client *redis.Client, config Config) *Repository {
	if config.Prefix == "" {
		config.Prefix = DefaultKeyPrefix
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}
	r := &Repository{
		client: client,
		config: config,
		log:    logrus.WithField("repository", "redis"),
	}
	r.cache = repository.NewUnrestrictedCache(config.UnrestrictedCacheTTL,
		r.unrestrictedLastModified,
		func(ctx context.Context) (*authz.UserPermission, error) {
			tc := repository.NewTimeoutContext(ctx, "unrestricted", r.config.ReadTimeout)
			defer tc.Close()
			permission, err := r.getDirect(tc, authz.UnrestrictedUserID)
			if err != nil {
				return nil, err
			}
			if permission == nil {
				return authz.NewUserPermission(authz.UnrestrictedUserID), nil
			}
			return permission, nil
		},
	)
	return r
}

func (r *Repository) usersKey() string { return r.config.Prefix + ":users" }
func (r *Repository) adminKey() string { return r.config.Prefix + ":permissions:admin" }

func (r *Repository) permissionsKey(userID string, rt authz.ResourceType) string {
	return fmt.Sprintf("%s:permissions:%s:%s", r.config.Prefix, userID, rt.KeySuffix())
}

func (r *Repository) roleKey(roleName string) string {
	return fmt.Sprintf("%s:roles:%s", r.config.Prefix, authz.NormalizeGroup(roleName))
}

func (r *Repository) lastModifiedKey() string {
	return fmt.Sprintf("%s:last_modified:%s", r.config.Prefix, authz.UnrestrictedUserID)
}

func (r *Repository) unrestrictedLastModified(ctx context.Context) (string, error) {
	value, err := r.client.Get(ctx, r.lastModifiedKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", &repository.PermissionRepositoryError{Op: "lastModified", Cause: err}
	}
	return value, nil
}

// Put implements repository.PermissionsRepository. The per-type hash
// replacement goes through a temp key and a rename so readers never see a
// half-written hash; set memberships are diffed in the same pipeline.
func (r *Repository) Put(ctx context.Context, permission *authz.UserPermission) (err error) {
	defer observability.ObserveRepositoryOperation(backendRedis, "put", time.Now(), &err)
	if permission == nil || permission.ID() == "" {
		return &authz.InvalidArgumentError{Message: "permission id must not be empty"}
	}
	userID := permission.ID()

	serialized := make(map[authz.ResourceType]map[string]string)
	for rt, resources := range permission.AllResources() {
		fields := make(map[string]string, len(resources))
		for _, resource := range resources {
			body, err := authz.MarshalResource(resource)
			if err != nil {
				return err
			}
			fields[strings.ToLower(resource.GetName())] = string(body)
		}
		serialized[rt] = fields
	}

	// Role membership deltas come from the user's stored role hash.
	currentRoles, err := r.client.HKeys(ctx, r.permissionsKey(userID, authz.ResourceTypeRole)).Result()
	if err != nil && err != redis.Nil {
		return &repository.PermissionRepositoryError{Op: "put", Cause: err}
	}
	newRoles := make(map[string]struct{})
	for name := range serialized[authz.ResourceTypeRole] {
		newRoles[name] = struct{}{}
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.usersKey(), userID)
	if permission.IsAdmin() {
		pipe.SAdd(ctx, r.adminKey(), userID)
	} else {
		pipe.SRem(ctx, r.adminKey(), userID)
	}
	for _, role := range currentRoles {
		if _, keep := newRoles[role]; !keep {
			pipe.SRem(ctx, r.roleKey(role), userID)
		}
	}
	for role := range newRoles {
		pipe.SAdd(ctx, r.roleKey(role), userID)
	}
	for _, rt := range authz.RegisteredResourceTypes() {
		key := r.permissionsKey(userID, rt)
		fields := serialized[rt]
		if len(fields) == 0 {
			pipe.Del(ctx, key)
			continue
		}
		tempKey := key + ":staged"
		pipe.Del(ctx, tempKey)
		values := make([]interface{}, 0, len(fields)*2)
		for name, body := range fields {
			values = append(values, name, body)
		}
		pipe.HSet(ctx, tempKey, values...)
		pipe.Rename(ctx, tempKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &repository.PermissionRepositoryError{Op: "put", Cause: err}
	}

	if userID == authz.UnrestrictedUserID {
		serverTime, err := r.client.Time(ctx).Result()
		if err != nil {
			return &repository.PermissionRepositoryError{Op: "put.lastModified", Cause: err}
		}
		if err := r.client.Set(ctx, r.lastModifiedKey(),
			strconv.FormatInt(serverTime.UnixMilli(), 10), 0).Err(); err != nil {
			return &repository.PermissionRepositoryError{Op: "put.lastModified", Cause: err}
		}
		r.cache.Invalidate()
	}
	return nil
}

// PutAll implements repository.PermissionsRepository.
func (r *Repository) PutAll(ctx context.Context, permissions map[string]*authz.UserPermission) (err error) {
	defer observability.ObserveRepositoryOperation(backendRedis, "putAll", time.Now(), &err)
	keep := map[string]struct{}{authz.UnrestrictedUserID: {}}
	for _, permission := range permissions {
		if permission == nil || permission.ID() == "" {
			continue
		}
		if err := r.Put(ctx, permission); err != nil {
			return err
		}
		keep[permission.ID()] = struct{}{}
	}

	stored, err := r.client.SMembers(ctx, r.usersKey()).Result()
	if err != nil {
		return &repository.PermissionRepositoryError{Op: "putAll", Cause: err}
	}
	for _, id := range stored {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := r.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Get implements repository.PermissionsRepository.
func (r *Repository) Get(ctx context.Context, id string) (_ *authz.UserPermission, err error) {
	defer observability.ObserveRepositoryOperation(backendRedis, "get", time.Now(), &err)
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return nil, &authz.InvalidArgumentError{Message: "id must not be empty"}
	}
	if id == authz.UnrestrictedUserID {
		return r.cache.Get(ctx)
	}

	tc := repository.NewTimeoutContext(ctx, "get", r.config.ReadTimeout)
	defer tc.Close()
	permission, err := r.getDirect(tc, id)
	if err != nil {
		return nil, err
	}
	if permission == nil {
		return nil, nil
	}

	unrestricted, err := r.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	return repository.MergeWithUnrestricted(permission, unrestricted), nil
}

// getDirect reads one user without the unrestricted merge. Every helper
// checks the timeout context at entry.
func (r *Repository) getDirect(tc *repository.TimeoutContext, id string) (*authz.UserPermission, error) {
	if err := tc.Check(); err != nil {
		return nil, err
	}
	ctx := tc.Context()

	known, err := r.client.SIsMember(ctx, r.usersKey(), id).Result()
	if err != nil {
		return nil, &repository.PermissionRepositoryError{Op: "get", Cause: err}
	}
	if !known {
		return nil, nil
	}

	admin, err := r.client.SIsMember(ctx, r.adminKey(), id).Result()
	if err != nil {
		return nil, &repository.PermissionRepositoryError{Op: "get", Cause: err}
	}

	permission := authz.NewUserPermission(id).SetAdmin(admin)
	for _, rt := range authz.RegisteredResourceTypes() {
		if err := r.readTypeHash(tc, id, rt, permission); err != nil {
			return nil, err
		}
	}
	return permission, nil
}

// readTypeHash loads one per-type hash with incremental cursor scans to
// bound peak memory.
func (r *Repository) readTypeHash(tc *repository.TimeoutContext, id string, rt authz.ResourceType, permission *authz.UserPermission) error {
	if err := tc.Check(); err != nil {
		return err
	}
	ctx := tc.Context()
	key := r.permissionsKey(id, rt)

	var cursor uint64
	for {
		pairs, next, err := r.client.HScan(ctx, key, cursor, "*", r.config.ScanCount).Result()
		if err != nil {
			return &repository.PermissionRepositoryError{Op: "get." + rt.KeySuffix(), Cause: err}
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			resource, err := authz.ParseResource(rt, pairs[i], []byte(pairs[i+1]))
			if err != nil {
				return err
			}
			permission.AddResource(resource)
		}
		if next == 0 {
			return nil
		}
		cursor = next
		if err := tc.Check(); err != nil {
			return err
		}
	}
}

// GetAllByID implements repository.PermissionsRepository.
func (r *Repository) GetAllByID(ctx context.Context) (_ map[string]*authz.UserPermission, err error) {
	defer observability.ObserveRepositoryOperation(backendRedis, "getAllById", time.Now(), &err)
	ids, err := r.client.SMembers(ctx, r.usersKey()).Result()
	if err != nil {
		return nil, &repository.PermissionRepositoryError{Op: "getAllById", Cause: err}
	}
	return r.loadAndMerge(ctx, ids)
}

// GetAllByRoles implements repository.PermissionsRepository.
func (r *Repository) GetAllByRoles(ctx context.Context, anyRoles []string) (_ map[string]*authz.UserPermission, err error) {
	defer observability.ObserveRepositoryOperation(backendRedis, "getAllByRoles", time.Now(), &err)
	if anyRoles == nil {
		return r.GetAllByID(ctx)
	}

	ids := []string{authz.UnrestrictedUserID}
	if len(anyRoles) > 0 {
		keys := make([]string, len(anyRoles))
		for i, role := range anyRoles {
			keys[i] = r.roleKey(role)
		}
		holders, err := r.client.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, &repository.PermissionRepositoryError{Op: "getAllByRoles", Cause: err}
		}
		for _, id := range holders {
			if id != authz.UnrestrictedUserID {
				ids = append(ids, id)
			}
		}
	}
	return r.loadAndMerge(ctx, ids)
}

func (r *Repository) loadAndMerge(ctx context.Context, ids []string) (map[string]*authz.UserPermission, error) {
	unrestricted, err := r.cache.Get(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*authz.UserPermission, len(ids)+1)
	for _, id := range ids {
		if id == authz.UnrestrictedUserID {
			continue
		}
		tc := repository.NewTimeoutContext(ctx, "getAll", r.config.ReadTimeout)
		permission, err := r.getDirect(tc, id)
		tc.Close()
		if err != nil {
			return nil, err
		}
		if permission == nil {
			continue
		}
		out[id] = repository.MergeWithUnrestricted(permission, unrestricted)
	}
	if unrestricted != nil {
		out[authz.UnrestrictedUserID] = unrestricted
	}
	return out, nil
}

// Remove implements repository.PermissionsRepository.
func (r *Repository) Remove(ctx context.Context, id string) (err error) {
	defer observability.ObserveRepositoryOperation(backendRedis, "remove", time.Now(), &err)
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return &authz.InvalidArgumentError{Message: "id must not be empty"}
	}

	storedRoles, err := r.client.HKeys(ctx, r.permissionsKey(id, authz.ResourceTypeRole)).Result()
	if err != nil && err != redis.Nil {
		return &repository.PermissionRepositoryError{Op: "remove", Cause: err}
	}

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.usersKey(), id)
	pipe.SRem(ctx, r.adminKey(), id)
	for _, role := range storedRoles {
		pipe.SRem(ctx, r.roleKey(role), id)
	}
	for _, rt := range authz.RegisteredResourceTypes() {
		pipe.Del(ctx, r.permissionsKey(id, rt))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &repository.PermissionRepositoryError{Op: "remove", Cause: err}
	}
	return nil
}
