// Package postgres implements the relational permissions repository. The
// SQL is dialect-portable across PostgreSQL (lib/pq) and SQLite
// (mattn/go-sqlite3); the latter also backs the behavior test suite.
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/repository"
)

const backendRelational = "relational"

// Repository stores permissions in three relational tables:
// permission_user, resource, and the permission join table.
type Repository struct {
	db         *sql.DB
	writeRetry repository.RetryPolicy
	readRetry  repository.RetryPolicy
	cache      *repository.UnrestrictedCache
	now        func() time.Time
	log        *logrus.Entry
}

// Option customizes a Repository.
type Option func(*Repository)

// WithWriteRetry overrides the transaction retry policy.
func WithWriteRetry(policy repository.RetryPolicy) Option {
	return func(r *Repository) { r.writeRetry = policy }
}

// WithReadRetry overrides the read retry policy.
func WithReadRetry(policy repository.RetryPolicy) Option {
	return func(r *Repository) { r.readRetry = policy }
}

// WithUnrestrictedCacheTTL overrides the unrestricted cache TTL.
func WithUnrestrictedCacheTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		r.cache = r.newCache(ttl)
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New builds a repository over an open database handle. Run Migrate
// before first use.
func New(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{
		db:         db,
		writeRetry: repository.DefaultWriteRetry(),
		readRetry:  repository.DefaultReadRetry(),
		now:        time.Now,
		log:        logrus.WithField("repository", "relational"),
	}
	r.cache = r.newCache(repository.DefaultUnrestrictedCacheTTL)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) newCache(ttl time.Duration) *repository.UnrestrictedCache {
	return repository.NewUnrestrictedCache(ttl,
		func(ctx context.Context) (string, error) {
			var updatedAt int64
			err := r.db.QueryRowContext(ctx,
				`SELECT updated_at FROM permission_user WHERE id = $1`,
				authz.UnrestrictedUserID).Scan(&updatedAt)
			if err == sql.ErrNoRows || updatedAt == 0 {
				return "", nil
			}
			if err != nil {
				return "", fmt.Errorf("failed to read unrestricted last modified: %w", err)
			}
			return strconv.FormatInt(updatedAt, 10), nil
		},
		func(ctx context.Context) (*authz.UserPermission, error) {
			permission, err := r.getDirect(ctx, authz.UnrestrictedUserID)
			if err != nil {
				return nil, err
			}
			if permission == nil {
				// An empty store still has a well-defined anonymous user.
				return authz.NewUserPermission(authz.UnrestrictedUserID), nil
			}
			return permission, nil
		},
	)
}

func (r *Repository) nowMillis() int64 {
	return r.now().UnixMilli()
}

// Put implements repository.PermissionsRepository. The resource upserts,
// the permission-row delta, and the user row bump run in one transaction,
// retried on transient failure. Resource bodies are deduplicated by
// SHA-256, and the user's updated_at only moves when something changed.
func (r *Repository) Put(ctx context.Context, permission *authz.UserPermission) (err error) {
	defer observability.ObserveRepositoryOperation(backendRelational, "put", time.Now(), &err)
	if permission == nil || permission.ID() == "" {
		return &authz.InvalidArgumentError{Message: "permission id must not be empty"}
	}
	err = r.writeRetry.Do(ctx, "put", func() error {
		return r.putTx(ctx, permission)
	})
	if err != nil {
		return err
	}
	if permission.ID() == authz.UnrestrictedUserID {
		r.cache.Invalidate()
	}
	return nil
}

func (r *Repository) putTx(ctx context.Context, permission *authz.UserPermission) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	changed, err := r.putInTx(ctx, tx, permission)
	if err != nil {
		return err
	}
	if changed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE permission_user SET admin = $1, updated_at = $2 WHERE id = $3`,
			permission.IsAdmin(), r.nowMillis(), permission.ID()); err != nil {
			return fmt.Errorf("failed to update user row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// putInTx writes one user's rows and reports whether anything changed.
// The caller owns the transaction and the updated_at bump.
func (r *Repository) putInTx(ctx context.Context, tx *sql.Tx, permission *authz.UserPermission) (bool, error) {
	userID := permission.ID()
	changed := false

	var storedAdmin bool
	err := tx.QueryRowContext(ctx, `SELECT admin FROM permission_user WHERE id = $1`, userID).Scan(&storedAdmin)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO permission_user (id, admin, updated_at) VALUES ($1, $2, $3)`,
			userID, permission.IsAdmin(), r.nowMillis()); err != nil {
			return false, fmt.Errorf("failed to insert user row: %w", err)
		}
		changed = true
	case err != nil:
		return false, fmt.Errorf("failed to read user row: %w", err)
	case storedAdmin != permission.IsAdmin():
		changed = true
	}

	// Resource bodies, deduplicated by hash across all users.
	incoming := make(map[[2]string]struct{})
	for rt, resources := range permission.AllResources() {
		for _, resource := range resources {
			body, err := authz.MarshalResource(resource)
			if err != nil {
				return false, err
			}
			hash := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(hash[:])
			name := strings.ToLower(resource.GetName())
			incoming[[2]string{string(rt), name}] = struct{}{}

			var storedHash sql.NullString
			err = tx.QueryRowContext(ctx,
				`SELECT body_hash FROM resource WHERE resource_type = $1 AND resource_name = $2`,
				string(rt), name).Scan(&storedHash)
			if err != nil && err != sql.ErrNoRows {
				return false, fmt.Errorf("failed to read resource hash: %w", err)
			}
			if err == nil && storedHash.Valid && storedHash.String == bodyHash {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO resource (resource_type, resource_name, body, body_hash, updated_at)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (resource_type, resource_name)
				 DO UPDATE SET body = $3, body_hash = $4, updated_at = $5`,
				string(rt), name, string(body), bodyHash, r.nowMillis()); err != nil {
				return false, fmt.Errorf("failed to upsert resource: %w", err)
			}
			changed = true
		}
	}

	// Delta against the user's current permission rows.
	existing := make(map[[2]string]struct{})
	rows, err := tx.QueryContext(ctx,
		`SELECT resource_type, resource_name FROM permission WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to read permission rows: %w", err)
	}
	for rows.Next() {
		var rt, name string
		if err := rows.Scan(&rt, &name); err != nil {
			rows.Close()
			return false, fmt.Errorf("failed to scan permission row: %w", err)
		}
		existing[[2]string{rt, name}] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate permission rows: %w", err)
	}

	var toInsert [][2]string
	for key := range incoming {
		if _, ok := existing[key]; !ok {
			toInsert = append(toInsert, key)
		}
	}
	toDelete := make(map[string][]string)
	for key := range existing {
		if _, ok := incoming[key]; !ok {
			toDelete[key[0]] = append(toDelete[key[0]], key[1])
		}
	}

	sort.Slice(toInsert, func(i, j int) bool {
		if toInsert[i][0] != toInsert[j][0] {
			return toInsert[i][0] < toInsert[j][0]
		}
		return toInsert[i][1] < toInsert[j][1]
	})
	for _, key := range toInsert {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO permission (user_id, resource_type, resource_name) VALUES ($1, $2, $3)`,
			userID, key[0], key[1]); err != nil {
			return false, fmt.Errorf("failed to insert permission row: %w", err)
		}
		changed = true
	}
	for rt, resourceNames := range toDelete {
		sort.Strings(resourceNames)
		args := []interface{}{userID, rt}
		for _, name := range resourceNames {
			args = append(args, name)
		}
		query := fmt.Sprintf(
			`DELETE FROM permission WHERE user_id = $1 AND resource_type = $2 AND resource_name IN (%s)`,
			placeholders(3, len(resourceNames)))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return false, fmt.Errorf("failed to delete permission rows: %w", err)
		}
		changed = true
	}

	return changed, nil
}

// PutAll implements repository.PermissionsRepository. Per-user upserts
// are individually transactional; orphan pruning runs only after every
// upsert succeeded.
func (r *Repository) PutAll(ctx context.Context, permissions map[string]*authz.UserPermission) (err error) {
	defer observability.ObserveRepositoryOperation(backendRelational, "putAll", time.Now(), &err)
	ids := make([]string, 0, len(permissions)+1)
	for _, permission := range permissions {
		if permission == nil || permission.ID() == "" {
			continue
		}
		if err := r.Put(ctx, permission); err != nil {
			return err
		}
		ids = append(ids, permission.ID())
	}
	ids = append(ids, authz.UnrestrictedUserID)

	return r.writeRetry.Do(ctx, "putAll.prune", func() error {
		return r.pruneTx(ctx, ids)
	})
}

func (r *Repository) pruneTx(ctx context.Context, keepIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	args := make([]interface{}, len(keepIDs))
	for i, id := range keepIDs {
		args[i] = id
	}
	in := placeholders(1, len(keepIDs))

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM permission WHERE user_id NOT IN (%s)`, in), args...); err != nil {
		return fmt.Errorf("failed to prune permission rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM permission_user WHERE id NOT IN (%s)`, in), args...); err != nil {
		return fmt.Errorf("failed to prune users: %w", err)
	}
	if err := SweepOrphanedResources(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prune: %w", err)
	}
	return nil
}

// SweepOrphanedResources deletes resources no permission row references.
// PutAll runs it inline; cmd/warden-sweep runs it standalone for
// deployments that prefer a deferred sweep.
func SweepOrphanedResources(ctx context.Context, execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}) error {
	if _, err := execer.ExecContext(ctx,
		`DELETE FROM resource WHERE NOT EXISTS (
			SELECT 1 FROM permission p
			WHERE p.resource_type = resource.resource_type
			  AND p.resource_name = resource.resource_name
		)`); err != nil {
		return fmt.Errorf("failed to sweep orphaned resources: %w", err)
	}
	return nil
}

// Get implements repository.PermissionsRepository. Reads run outside
// transactions under the longer read retry; non-anonymous results merge
// the cached unrestricted record.
func (r *Repository) Get(ctx context.Context, id string) (_ *authz.UserPermission, err error) {
	defer observability.ObserveRepositoryOperation(backendRelational, "get", time.Now(), &err)
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return nil, &authz.InvalidArgumentError{Message: "id must not be empty"}
	}

	if id == authz.UnrestrictedUserID {
		return r.cache.Get(ctx)
	}

	var permission *authz.UserPermission
	err = r.readRetry.Do(ctx, "get", func() error {
		var err error
		permission, err = r.getDirect(ctx, id)
		return err
	})
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

// getDirect reads one user without the unrestricted merge. A single
// round-trip fetches the resource bodies via semi-join through the
// permission table.
func (r *Repository) getDirect(ctx context.Context, id string) (*authz.UserPermission, error) {
	var admin bool
	err := r.db.QueryRowContext(ctx, `SELECT admin FROM permission_user WHERE id = $1`, id).Scan(&admin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user %s: %w", id, err)
	}

	permission := authz.NewUserPermission(id).SetAdmin(admin)
	rows, err := r.db.QueryContext(ctx,
		`SELECT res.resource_type, res.resource_name, res.body
		 FROM resource res
		 JOIN permission p ON p.resource_type = res.resource_type AND p.resource_name = res.resource_name
		 WHERE p.user_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rt, name, body string
		if err := rows.Scan(&rt, &name, &body); err != nil {
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		resource, err := authz.ParseResource(authz.ResourceType(rt), name, []byte(body))
		if err != nil {
			return nil, err
		}
		permission.AddResource(resource)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resource rows: %w", err)
	}
	return permission, nil
}

// GetAllByID implements repository.PermissionsRepository.
func (r *Repository) GetAllByID(ctx context.Context) (_ map[string]*authz.UserPermission, err error) {
	defer observability.ObserveRepositoryOperation(backendRelational, "getAllById", time.Now(), &err)
	var out map[string]*authz.UserPermission
	err = r.readRetry.Do(ctx, "getAllById", func() error {
		var err error
		out, err = r.getAllForUsers(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.mergeAll(ctx, out)
}

// GetAllByRoles implements repository.PermissionsRepository. nil means
// every user; an empty slice means only the unrestricted record.
func (r *Repository) GetAllByRoles(ctx context.Context, anyRoles []string) (_ map[string]*authz.UserPermission, err error) {
	defer observability.ObserveRepositoryOperation(backendRelational, "getAllByRoles", time.Now(), &err)
	if anyRoles == nil {
		return r.GetAllByID(ctx)
	}

	out := make(map[string]*authz.UserPermission)
	if len(anyRoles) > 0 {
		holders, err := r.roleHolders(ctx, anyRoles)
		if err != nil {
			return nil, err
		}
		if len(holders) > 0 {
			err = r.readRetry.Do(ctx, "getAllByRoles", func() error {
				var err error
				out, err = r.getAllForUsers(ctx, holders)
				return err
			})
			if err != nil {
				return nil, err
			}
		}
	}

	unrestricted, err := r.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]*authz.UserPermission, len(out)+1)
	for id, permission := range out {
		merged[id] = repository.MergeWithUnrestricted(permission, unrestricted)
	}
	if unrestricted != nil {
		merged[authz.UnrestrictedUserID] = unrestricted
	}
	return merged, nil
}

func (r *Repository) roleHolders(ctx context.Context, anyRoles []string) ([]string, error) {
	args := make([]interface{}, 0, len(anyRoles)+1)
	args = append(args, string(authz.ResourceTypeRole))
	for _, role := range anyRoles {
		args = append(args, authz.NormalizeGroup(role))
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT user_id FROM permission WHERE resource_type = $1 AND resource_name IN (%s)`,
		placeholders(2, len(anyRoles)))

	var holders []string
	err := r.readRetry.Do(ctx, "roleHolders", func() error {
		holders = holders[:0]
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query role holders: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan role holder: %w", err)
			}
			if id == authz.UnrestrictedUserID {
				continue
			}
			holders = append(holders, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return holders, nil
}

// getAllForUsers loads the given users (all users when nil) in three
// statements: the user rows, the distinct reachable resource bodies, then
// the user -> resource assignments, grouped in memory against the
// resource map.
func (r *Repository) getAllForUsers(ctx context.Context, userIDs []string) (map[string]*authz.UserPermission, error) {
	filter := ""
	var args []interface{}
	if userIDs != nil {
		filter = fmt.Sprintf(` WHERE u.id IN (%s)`, placeholders(1, len(userIDs)))
		for _, id := range userIDs {
			args = append(args, id)
		}
	}

	users := make(map[string]*authz.UserPermission)
	rows, err := r.db.QueryContext(ctx, `SELECT u.id, u.admin FROM permission_user u`+filter, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	for rows.Next() {
		var id string
		var admin bool
		if err := rows.Scan(&id, &admin); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users[id] = authz.NewUserPermission(id).SetAdmin(admin)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	if len(users) == 0 {
		return users, nil
	}

	bodies := make(map[[2]string]authz.Resource)
	bodyFilter := ""
	if userIDs != nil {
		bodyFilter = fmt.Sprintf(` AND p.user_id IN (%s)`, placeholders(1, len(userIDs)))
	}
	rows, err = r.db.QueryContext(ctx,
		`SELECT DISTINCT res.resource_type, res.resource_name, res.body
		 FROM resource res
		 JOIN permission p ON p.resource_type = res.resource_type AND p.resource_name = res.resource_name
		 WHERE 1 = 1`+bodyFilter, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource bodies: %w", err)
	}
	for rows.Next() {
		var rt, name, body string
		if err := rows.Scan(&rt, &name, &body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan resource body: %w", err)
		}
		resource, err := authz.ParseResource(authz.ResourceType(rt), name, []byte(body))
		if err != nil {
			rows.Close()
			return nil, err
		}
		bodies[[2]string{rt, name}] = resource
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resource bodies: %w", err)
	}

	assignFilter := ""
	if userIDs != nil {
		assignFilter = fmt.Sprintf(` WHERE p.user_id IN (%s)`, placeholders(1, len(userIDs)))
	}
	rows, err = r.db.QueryContext(ctx,
		`SELECT p.user_id, p.resource_type, p.resource_name FROM permission p`+assignFilter, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permission assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID, rt, name string
		if err := rows.Scan(&userID, &rt, &name); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		permission, ok := users[userID]
		if !ok {
			continue
		}
		if resource, ok := bodies[[2]string{rt, name}]; ok {
			permission.AddResource(resource)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assignments: %w", err)
	}
	return users, nil
}

func (r *Repository) mergeAll(ctx context.Context, users map[string]*authz.UserPermission) (map[string]*authz.UserPermission, error) {
	unrestricted, err := r.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*authz.UserPermission, len(users))
	for id, permission := range users {
		if id == authz.UnrestrictedUserID {
			out[id] = permission
			continue
		}
		out[id] = repository.MergeWithUnrestricted(permission, unrestricted)
	}
	return out, nil
}

// Remove implements repository.PermissionsRepository. Shared resources
// stay; a later sweep collects any orphans.
func (r *Repository) Remove(ctx context.Context, id string) (err error) {
	defer observability.ObserveRepositoryOperation(backendRelational, "remove", time.Now(), &err)
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return &authz.InvalidArgumentError{Message: "id must not be empty"}
	}
	return r.writeRetry.Do(ctx, "remove", func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM permission WHERE user_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete permission rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM permission_user WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		return tx.Commit()
	})
}

// placeholders renders "$start, $start+1, ..." for IN clauses.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}
