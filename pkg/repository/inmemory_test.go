package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
)

func userWith(id string, resources ...authz.Resource) *authz.UserPermission {
	u := authz.NewUserPermission(id)
	u.AddResources(resources)
	return u
}

func TestInMemoryRepository_PutGet(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith("alice", &authz.Account{Name: "prod"})))

	got, err := repo.Get(ctx, "ALICE")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Accounts(), 1)

	missing, err := repo.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInMemoryRepository_GetMergesUnrestricted(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith(authz.UnrestrictedUserID, &authz.Account{Name: "shared"})))
	require.NoError(t, repo.Put(ctx, userWith("alice", &authz.Account{Name: "prod"})))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got.Accounts(), 2)

	// The stored record is untouched by the merge.
	again, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, again.Accounts(), 2)
}

func TestInMemoryRepository_PutAllPrunes(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith(authz.UnrestrictedUserID)))
	require.NoError(t, repo.Put(ctx, userWith("alice")))

	require.NoError(t, repo.PutAll(ctx, map[string]*authz.UserPermission{
		"bob": userWith("bob"),
	}))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	anon, err := repo.Get(ctx, authz.UnrestrictedUserID)
	require.NoError(t, err)
	assert.NotNil(t, anon)

	bob, err := repo.Get(ctx, "bob")
	require.NoError(t, err)
	assert.NotNil(t, bob)
}

func TestInMemoryRepository_GetAllByRoles(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith(authz.UnrestrictedUserID, &authz.Account{Name: "shared"})))
	require.NoError(t, repo.Put(ctx, userWith("alice", &authz.Role{Name: "role1"})))
	require.NoError(t, repo.Put(ctx, userWith("bob", &authz.Role{Name: "role2"})))

	all, err := repo.GetAllByRoles(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyAnon, err := repo.GetAllByRoles(ctx, []string{})
	require.NoError(t, err)
	require.Len(t, onlyAnon, 1)
	assert.Contains(t, onlyAnon, authz.UnrestrictedUserID)

	matched, err := repo.GetAllByRoles(ctx, []string{"ROLE1"})
	require.NoError(t, err)
	assert.Len(t, matched, 2)
	assert.Contains(t, matched, "alice")
	assert.Contains(t, matched, authz.UnrestrictedUserID)
}

func TestInMemoryRepository_Remove(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, userWith("alice")))
	require.NoError(t, repo.Remove(ctx, "alice"))

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemoryRepository_InvalidID(t *testing.T) {
	repo := NewInMemoryRepository()
	var invalid *authz.InvalidArgumentError

	_, err := repo.Get(context.Background(), " ")
	assert.ErrorAs(t, err, &invalid)
	assert.ErrorAs(t, repo.Remove(context.Background(), ""), &invalid)
	assert.ErrorAs(t, repo.Put(context.Background(), nil), &invalid)
}
