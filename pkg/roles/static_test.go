package roles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
)

func TestStaticProvider_LoadRoles(t *testing.T) {
	p := NewStaticProvider(map[string][]string{
		"Alice": {"Group1", " group2 "},
	})

	got, err := p.LoadRoles(context.Background(), "ALICE")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "group1", got[0].Name)
	assert.Equal(t, authz.RoleSourceFile, got[0].Source)

	// Unknown users are members of nothing on the single-user path.
	got, err = p.LoadRoles(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStaticProvider_MultiLoadRolesOmitsUnknownUsers(t *testing.T) {
	p := NewStaticProvider(map[string][]string{
		"alice": {"group1"},
		"bob":   {},
	})

	got, err := p.MultiLoadRoles(context.Background(), []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	assert.Contains(t, got, "alice")
	// bob is known with no memberships: present with an empty list.
	assert.Contains(t, got, "bob")
	assert.Empty(t, got["bob"])
	// carol is unknown: absent key.
	assert.NotContains(t, got, "carol")
}

func TestCompositeProvider_Union(t *testing.T) {
	a := NewStaticProvider(map[string][]string{"alice": {"group1", "shared"}})
	b := NewStaticProvider(map[string][]string{"alice": {"group2", "shared"}, "bob": {"group3"}})
	c := NewCompositeProvider(a, b)

	single, err := c.LoadRoles(context.Background(), "alice")
	require.NoError(t, err)
	names := make([]string, 0, len(single))
	for _, r := range single {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"group1", "group2", "shared"}, names)

	batch, err := c.MultiLoadRoles(context.Background(), []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Len(t, batch["alice"], 3)
	assert.Len(t, batch["bob"], 1)
}
