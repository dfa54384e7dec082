package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
)

func appByName(t *testing.T, resources []authz.Resource, name string) *authz.Application {
	t.Helper()
	for _, r := range resources {
		if r.GetName() == name {
			return r.(*authz.Application)
		}
	}
	t.Fatalf("application %s not in result set", name)
	return nil
}

func TestApplicationProvider_PrefixExtractionAndExecuteFallback(t *testing.T) {
	inventory := []authz.Resource{
		&authz.Application{Name: "unicorn_api"},
		&authz.Application{Name: "new_app_with_permissions", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationExecute: {"new_team"},
			authz.AuthorizationRead:    {"new_team"},
		})},
		&authz.Application{Name: "*", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationCreate:  {"power_group"},
			authz.AuthorizationDelete:  {"power_group"},
			authz.AuthorizationWrite:   {"power_group"},
			authz.AuthorizationExecute: {"power_group"},
		})},
		&authz.Application{Name: "unicorn*", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationWrite:   {"unicorn_team"},
			authz.AuthorizationExecute: {"unicorn_team"},
		})},
	}

	provider := NewApplicationProvider(primedLoader(t, "applications", inventory))
	all, err := provider.All(context.Background())
	require.NoError(t, err)

	// Prefix entries never survive into the final set.
	require.Len(t, all, 2)

	unicorn := appByName(t, all, "unicorn_api")
	assert.ElementsMatch(t, []string{"power_group", "unicorn_team"}, unicorn.Permissions.Get(authz.AuthorizationWrite))
	assert.ElementsMatch(t, []string{"power_group", "unicorn_team"}, unicorn.Permissions.Get(authz.AuthorizationExecute))

	newApp := appByName(t, all, "new_app_with_permissions")
	assert.ElementsMatch(t, []string{"power_group", "new_team"}, newApp.Permissions.Get(authz.AuthorizationExecute))
}

func TestApplicationProvider_ExecuteFallbackSeedsEmptyExecute(t *testing.T) {
	inventory := []authz.Resource{
		&authz.Application{Name: "legacy", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationRead:  {"readers"},
			authz.AuthorizationWrite: {"writers"},
		})},
		&authz.Application{Name: "open"},
	}

	provider := NewApplicationProvider(primedLoader(t, "applications", inventory))
	all, err := provider.All(context.Background())
	require.NoError(t, err)

	legacy := appByName(t, all, "legacy")
	assert.Equal(t, []string{"readers"}, legacy.Permissions.Get(authz.AuthorizationExecute))

	// Pure-unrestricted entries are untouched.
	open := appByName(t, all, "open")
	assert.False(t, open.Permissions.IsRestricted())
}

func TestApplicationProvider_ExecuteFallbackWrite(t *testing.T) {
	inventory := []authz.Resource{
		&authz.Application{Name: "legacy", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationRead:  {"readers"},
			authz.AuthorizationWrite: {"writers"},
		})},
	}

	provider := NewApplicationProvider(primedLoader(t, "applications", inventory),
		WithExecuteFallback(authz.AuthorizationWrite))
	all, err := provider.All(context.Background())
	require.NoError(t, err)

	legacy := appByName(t, all, "legacy")
	assert.Equal(t, []string{"writers"}, legacy.Permissions.Get(authz.AuthorizationExecute))
}

func TestApplicationProvider_SecondaryLoaderUnionPrimaryWins(t *testing.T) {
	primary := []authz.Resource{
		&authz.Application{Name: "shared", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationRead: {"primary_team"},
		})},
	}
	secondary := []authz.Resource{
		&authz.Application{Name: "shared", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationRead: {"secondary_team"},
		})},
		&authz.Application{Name: "secondary_only"},
	}

	provider := NewApplicationProvider(primedLoader(t, "applications", primary),
		WithSecondaryLoader(primedLoader(t, "applications-inventory", secondary)))
	all, err := provider.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	shared := appByName(t, all, "shared")
	assert.Equal(t, []string{"primary_team"}, shared.Permissions.Get(authz.AuthorizationRead))
}

func TestApplicationProvider_AllowUnknownApplications(t *testing.T) {
	inventory := []authz.Resource{
		&authz.Application{Name: "restricted", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationWrite: {"owners"},
		})},
		&authz.Application{Name: "open"},
	}

	provider := NewApplicationProvider(primedLoader(t, "applications", inventory),
		WithAllowUnknownApplications(true))
	ctx := context.Background()

	// Unrestricted entries are dropped (implicit access covers them) and
	// the restriction filter is bypassed entirely.
	all, err := provider.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	restricted, err := provider.AllRestricted(ctx, []string{"some_unrelated_role"}, false)
	require.NoError(t, err)
	assert.Len(t, restricted, 1)

	unrestricted, err := provider.AllUnrestricted(ctx)
	require.NoError(t, err)
	assert.Len(t, unrestricted, 1)
}

func TestApplicationProvider_ConfiguredPrefixSource(t *testing.T) {
	inventory := []authz.Resource{
		&authz.Application{Name: "unicorn_api"},
	}
	source, err := NewPrefixPermissionSource("unicorn*", authz.NewPermissions(map[authz.Authorization][]string{
		authz.AuthorizationWrite: {"unicorn_team"},
	}))
	require.NoError(t, err)

	provider := NewApplicationProvider(primedLoader(t, "applications", inventory),
		WithApplicationPermissionSource(source))
	all, err := provider.All(context.Background())
	require.NoError(t, err)

	unicorn := appByName(t, all, "unicorn_api")
	assert.Equal(t, []string{"unicorn_team"}, unicorn.Permissions.Get(authz.AuthorizationWrite))
}

func TestNewPrefixPermissionSource_RequiresTrailingStar(t *testing.T) {
	_, err := NewPrefixPermissionSource("unicorn", authz.Permissions{})
	var invalid *authz.InvalidArgumentError
	assert.ErrorAs(t, err, &invalid)
}
