package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/repository"
)

// The behavior suite runs against in-memory SQLite; the SQL is the same
// text the PostgreSQL deployment executes.
func testRepository(t *testing.T) (*Repository, *sql.DB, *time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))

	now := time.UnixMilli(1_700_000_000_000)
	repo := New(db,
		WithClock(func() time.Time { return now }),
		WithWriteRetry(repository.RetryPolicy{MaxAttempts: 1}),
		WithReadRetry(repository.RetryPolicy{MaxAttempts: 1}),
	)
	return repo, db, &now
}

func userWith(id string, resources ...authz.Resource) *authz.UserPermission {
	u := authz.NewUserPermission(id)
	u.AddResources(resources)
	return u
}

func TestRepository_PutGetRoundTrip(t *testing.T) {
	repo, _, _ := testRepository(t)
	ctx := context.Background()

	alice := userWith("alice",
		&authz.Account{Name: "prod", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationRead: {"group1"},
		})},
		&authz.Application{Name: "unicorn_api"},
		&authz.Role{Name: "group1", Source: authz.RoleSourceLDAP},
	)
	require.NoError(t, repo.Put(ctx, alice))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.Len(t, got.Accounts(), 1)
	assert.Equal(t, "prod", got.Accounts()[0].Name)
	assert.Equal(t, []string{"group1"}, got.Accounts()[0].Permissions.Get(authz.AuthorizationRead))
	require.Len(t, got.Applications(), 1)
	require.Len(t, got.Roles(), 1)
	assert.Equal(t, authz.RoleSourceLDAP, got.Roles()[0].Source)
}

func TestRepository_GetUnknownUser(t *testing.T) {
	repo, _, _ := testRepository(t)
	got, err := repo.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_GetMergesUnrestricted(t *testing.T) {
	repo, _, _ := testRepository(t)
	ctx := context.Background()

	anon := userWith(authz.UnrestrictedUserID, &authz.Account{Name: "shared"})
	require.NoError(t, repo.Put(ctx, anon))
	require.NoError(t, repo.Put(ctx, userWith("alice", &authz.Account{Name: "prod"})))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	accountNames := []string{}
	for _, a := range got.Accounts() {
		accountNames = append(accountNames, a.Name)
	}
	assert.ElementsMatch(t, []string{"prod", "shared"}, accountNames)
}

func TestRepository_PutIsIdempotent(t *testing.T) {
	repo, db, now := testRepository(t)
	ctx := context.Background()

	alice := userWith("alice", &authz.Account{Name: "prod"})
	require.NoError(t, repo.Put(ctx, alice))

	var firstUserStamp, firstResourceStamp int64
	require.NoError(t, db.QueryRow(`SELECT updated_at FROM permission_user WHERE id = 'alice'`).Scan(&firstUserStamp))
	require.NoError(t, db.QueryRow(`SELECT updated_at FROM resource WHERE resource_name = 'prod'`).Scan(&firstResourceStamp))

	// Advance the clock; an identical put must not touch any row.
	*now = now.Add(time.Minute)
	require.NoError(t, repo.Put(ctx, alice))

	var secondUserStamp, secondResourceStamp int64
	require.NoError(t, db.QueryRow(`SELECT updated_at FROM permission_user WHERE id = 'alice'`).Scan(&secondUserStamp))
	require.NoError(t, db.QueryRow(`SELECT updated_at FROM resource WHERE resource_name = 'prod'`).Scan(&secondResourceStamp))

	assert.Equal(t, firstUserStamp, secondUserStamp)
	assert.Equal(t, firstResourceStamp, secondResourceStamp)
}

func TestRepository_PutComputesPermissionDelta(t *testing.T) {
	repo, db, _ := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith("alice",
		&authz.Account{Name: "prod"}, &authz.Account{Name: "staging"})))
	require.NoError(t, repo.Put(ctx, userWith("alice",
		&authz.Account{Name: "staging"}, &authz.Account{Name: "dev"})))

	rows, err := db.Query(`SELECT resource_name FROM permission WHERE user_id = 'alice' ORDER BY resource_name`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		got = append(got, name)
	}
	assert.Equal(t, []string{"dev", "staging"}, got)
}

func TestRepository_PutAllPrunesOrphans(t *testing.T) {
	repo, db, _ := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith(authz.UnrestrictedUserID, &authz.Account{Name: "shared"})))
	require.NoError(t, repo.Put(ctx, userWith("alice", &authz.Account{Name: "alice_only"})))

	require.NoError(t, repo.PutAll(ctx, map[string]*authz.UserPermission{
		"bob":   userWith("bob", &authz.Account{Name: "bob_acct"}),
		"carol": userWith("carol", &authz.Account{Name: "bob_acct"}),
	}))

	// alice and her permission rows are gone.
	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM permission WHERE user_id = 'alice'`).Scan(&count))
	assert.Zero(t, count)

	// The unrestricted record survives bulk pruning.
	anon, err := repo.Get(ctx, authz.UnrestrictedUserID)
	require.NoError(t, err)
	require.NotNil(t, anon)
	assert.Len(t, anon.Accounts(), 1)

	// alice_only is unreferenced and collected; shared is still held by
	// the unrestricted record.
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM resource WHERE resource_name = 'alice_only'`).Scan(&count))
	assert.Zero(t, count)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM resource WHERE resource_name = 'shared'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRepository_GetAllByRoles(t *testing.T) {
	repo, _, _ := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith(authz.UnrestrictedUserID, &authz.Account{Name: "shared"})))
	for i, roleName := range []string{"role1", "role2", "role3", "role4", "role5"} {
		id := string(rune('a'+i)) + "_user"
		require.NoError(t, repo.Put(ctx, userWith(id, &authz.Role{Name: roleName})))
	}

	all, err := repo.GetAllByRoles(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	onlyAnon, err := repo.GetAllByRoles(ctx, []string{})
	require.NoError(t, err)
	require.Len(t, onlyAnon, 1)
	assert.Contains(t, onlyAnon, authz.UnrestrictedUserID)

	matched, err := repo.GetAllByRoles(ctx, []string{"role3", "role4"})
	require.NoError(t, err)
	require.Len(t, matched, 3)
	assert.Contains(t, matched, "c_user")
	assert.Contains(t, matched, "d_user")
	assert.Contains(t, matched, authz.UnrestrictedUserID)

	// Matched users are merged with the unrestricted record.
	require.Len(t, matched["c_user"].Accounts(), 1)
	assert.Equal(t, "shared", matched["c_user"].Accounts()[0].Name)
}

func TestRepository_GetAllByID(t *testing.T) {
	repo, _, _ := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith("alice", &authz.Account{Name: "prod"})))
	require.NoError(t, repo.Put(ctx, userWith("bob")))

	all, err := repo.GetAllByID(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, all["alice"].Accounts(), 1)
}

func TestRepository_Remove(t *testing.T) {
	repo, db, _ := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith("alice", &authz.Account{Name: "prod"})))
	require.NoError(t, repo.Put(ctx, userWith("bob", &authz.Account{Name: "prod"})))
	require.NoError(t, repo.Remove(ctx, "alice"))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Shared resources are not deleted by Remove.
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM resource WHERE resource_name = 'prod'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRepository_AdminFlagRoundTrip(t *testing.T) {
	repo, _, _ := testRepository(t)
	ctx := context.Background()

	root := authz.NewUserPermission("root").SetAdmin(true)
	require.NoError(t, repo.Put(ctx, root))

	got, err := repo.Get(ctx, "root")
	require.NoError(t, err)
	assert.True(t, got.IsAdmin())
}

func TestRepository_UnrestrictedCacheKeysOffUpdatedAt(t *testing.T) {
	repo, _, now := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith(authz.UnrestrictedUserID, &authz.Account{Name: "v1"})))
	first, err := repo.Get(ctx, authz.UnrestrictedUserID)
	require.NoError(t, err)
	require.Len(t, first.Accounts(), 1)
	assert.Equal(t, "v1", first.Accounts()[0].Name)

	*now = now.Add(time.Minute)
	require.NoError(t, repo.Put(ctx, userWith(authz.UnrestrictedUserID, &authz.Account{Name: "v2"})))

	second, err := repo.Get(ctx, authz.UnrestrictedUserID)
	require.NoError(t, err)
	require.Len(t, second.Accounts(), 1)
	assert.Equal(t, "v2", second.Accounts()[0].Name)
}

func TestRepository_WriteRetriesTransientFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := New(db, WithWriteRetry(repository.RetryPolicy{MaxAttempts: 2, Interval: time.Millisecond}))

	// First attempt dies at Begin; the retry succeeds with an empty put.
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT admin FROM permission_user`).
		WithArgs("alice").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO permission_user`).
		WithArgs("alice", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT resource_type, resource_name FROM permission`).
		WithArgs("alice").WillReturnRows(sqlmock.NewRows([]string{"resource_type", "resource_name"}))
	mock.ExpectExec(`UPDATE permission_user SET admin`).
		WithArgs(false, sqlmock.AnyArg(), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Put(context.Background(), authz.NewUserPermission("alice")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_WriteRetryExhaustionWrapsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := New(db, WithWriteRetry(repository.RetryPolicy{MaxAttempts: 2, Interval: time.Millisecond}))
	mock.ExpectBegin().WillReturnError(errors.New("down"))
	mock.ExpectBegin().WillReturnError(errors.New("down"))

	err = repo.Put(context.Background(), authz.NewUserPermission("alice"))
	var repoErr *repository.PermissionRepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
