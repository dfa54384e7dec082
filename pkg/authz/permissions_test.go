package authz

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissions_GroupNormalization(t *testing.T) {
	p := NewPermissionsBuilder().
		Add(AuthorizationRead, "  GroupOne ", "grouptwo", "GROUPTWO").
		Build()

	assert.Equal(t, []string{"groupone", "grouptwo"}, p.Get(AuthorizationRead))
	assert.Equal(t, []string{"groupone", "grouptwo"}, p.AllGroups())
}

func TestPermissions_IsRestricted(t *testing.T) {
	assert.False(t, Permissions{}.IsRestricted())
	assert.False(t, NewPermissionsBuilder().Build().IsRestricted())
	assert.True(t, NewPermissions(map[Authorization][]string{
		AuthorizationWrite: {"ops"},
	}).IsRestricted())
}

func TestPermissions_GetAuthorizations(t *testing.T) {
	p := NewPermissions(map[Authorization][]string{
		AuthorizationRead:  {"group1", "group2"},
		AuthorizationWrite: {"group2"},
	})

	assert.Equal(t, []Authorization{AuthorizationRead}, p.GetAuthorizations([]string{"group1"}))
	assert.Equal(t, []Authorization{AuthorizationRead, AuthorizationWrite}, p.GetAuthorizations([]string{"Group2"}))
	assert.Empty(t, p.GetAuthorizations([]string{"group3"}))

	// An unrestricted permission grants everything.
	assert.ElementsMatch(t, AllAuthorizations(), Permissions{}.GetAuthorizations(nil))
}

func TestPermissions_Merge(t *testing.T) {
	base := NewPermissions(map[Authorization][]string{
		AuthorizationWrite: {"team_a"},
	})
	extra := NewPermissions(map[Authorization][]string{
		AuthorizationWrite:   {"team_b"},
		AuthorizationExecute: {"team_b"},
	})

	merged := MergePermissions(base, extra)
	assert.Equal(t, []string{"team_a", "team_b"}, merged.Get(AuthorizationWrite))
	assert.Equal(t, []string{"team_b"}, merged.Get(AuthorizationExecute))
	// Inputs are untouched.
	assert.Equal(t, []string{"team_a"}, base.Get(AuthorizationWrite))
}

func TestPermissions_WithFallback(t *testing.T) {
	p := NewPermissions(map[Authorization][]string{
		AuthorizationRead: {"readers"},
	})
	withExec := p.WithFallback(AuthorizationExecute, AuthorizationRead)
	assert.Equal(t, []string{"readers"}, withExec.Get(AuthorizationExecute))

	// A populated target is left alone.
	p2 := NewPermissions(map[Authorization][]string{
		AuthorizationRead:    {"readers"},
		AuthorizationExecute: {"runners"},
	})
	assert.Equal(t, []string{"runners"}, p2.WithFallback(AuthorizationExecute, AuthorizationRead).Get(AuthorizationExecute))

	// Unrestricted stays unrestricted.
	assert.False(t, Permissions{}.WithFallback(AuthorizationExecute, AuthorizationRead).IsRestricted())
}

func TestPermissions_Restrict(t *testing.T) {
	p := NewPermissions(map[Authorization][]string{
		AuthorizationRead:   {"readers"},
		AuthorizationWrite:  {"writers"},
		AuthorizationDelete: {"admins"},
	})
	readOnly := p.Restrict(AuthorizationRead)
	assert.Equal(t, []string{"readers"}, readOnly.Get(AuthorizationRead))
	assert.Empty(t, readOnly.Get(AuthorizationWrite))
	assert.Empty(t, readOnly.Get(AuthorizationDelete))
}

func TestPermissions_JSONRoundTrip(t *testing.T) {
	p := NewPermissions(map[Authorization][]string{
		AuthorizationRead:  {"Group1", "group2"},
		AuthorizationWrite: {"group2"},
	})

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Permissions
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, p.Equal(decoded))
}

func TestPermissions_UnmarshalSkipsUnknownAuthorizations(t *testing.T) {
	var p Permissions
	require.NoError(t, json.Unmarshal([]byte(`{"READ":["a"],"APPROVE":["b"]}`), &p))
	assert.Equal(t, []string{"a"}, p.Get(AuthorizationRead))
	assert.Equal(t, []string{"a"}, p.AllGroups())
}

func TestParseAuthorization(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Authorization
	}{
		{"read", AuthorizationRead},
		{"WRITE", AuthorizationWrite},
		{" execute ", AuthorizationExecute},
		{"Create", AuthorizationCreate},
		{"delete", AuthorizationDelete},
	} {
		got, err := ParseAuthorization(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseAuthorization("approve")
	var invalid *InvalidArgumentError
	assert.ErrorAs(t, err, &invalid)
}
