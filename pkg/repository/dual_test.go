package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
)

func dualPair(t *testing.T) (*DualRepository, *InMemoryRepository, *InMemoryRepository) {
	t.Helper()
	primary := NewInMemoryRepository()
	previous := NewInMemoryRepository()
	dual, err := NewDualRepository("relational", "redis", map[string]PermissionsRepository{
		"relational": primary,
		"redis":      previous,
	})
	require.NoError(t, err)
	return dual, primary, previous
}

func TestNewDualRepository_ResolutionFailures(t *testing.T) {
	wired := map[string]PermissionsRepository{"relational": NewInMemoryRepository()}

	_, err := NewDualRepository("relational", "redis", wired)
	assert.Error(t, err)

	_, err = NewDualRepository("missing", "relational", wired)
	assert.Error(t, err)

	wired["redis"] = NewInMemoryRepository()
	_, err = NewDualRepository("relational", "relational", wired)
	assert.Error(t, err)
}

func TestDualRepository_WritesGoToPrimaryOnly(t *testing.T) {
	dual, primary, previous := dualPair(t)
	ctx := context.Background()

	require.NoError(t, dual.Put(ctx, userWith("alice")))

	fromPrimary, err := primary.Get(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, fromPrimary)

	fromPrevious, err := previous.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, fromPrevious)
}

func TestDualRepository_GetFallsBackToPrevious(t *testing.T) {
	dual, _, previous := dualPair(t)
	ctx := context.Background()

	require.NoError(t, previous.Put(ctx, userWith("legacy", &authz.Account{Name: "old"})))

	got, err := dual.Get(ctx, "legacy")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Accounts(), 1)
}

func TestDualRepository_UnionPrimaryWins(t *testing.T) {
	dual, primary, previous := dualPair(t)
	ctx := context.Background()

	require.NoError(t, primary.Put(ctx, userWith("shared", &authz.Account{Name: "new"})))
	require.NoError(t, previous.Put(ctx, userWith("shared", &authz.Account{Name: "old"})))
	require.NoError(t, previous.Put(ctx, userWith("legacy")))

	all, err := dual.GetAllByID(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Len(t, all["shared"].Accounts(), 1)
	assert.Equal(t, "new", all["shared"].Accounts()[0].Name)
}

func TestDualRepository_RemoveDeletesFromBoth(t *testing.T) {
	dual, primary, previous := dualPair(t)
	ctx := context.Background()

	require.NoError(t, primary.Put(ctx, userWith("alice")))
	require.NoError(t, previous.Put(ctx, userWith("alice")))
	require.NoError(t, dual.Remove(ctx, "alice"))

	got, err := dual.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}
