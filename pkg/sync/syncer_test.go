package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/providers"
	"github.com/platinummonkey/warden/pkg/repository"
	"github.com/platinummonkey/warden/pkg/resolver"
	"github.com/platinummonkey/warden/pkg/roles"
)

func fastSyncConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	cfg.SyncDelayTimeout = 10 * time.Millisecond
	return cfg
}

func primedProvider(t *testing.T, rt authz.ResourceType, resources []authz.Resource) providers.ResourceProvider {
	t.Helper()
	loader := providers.NewCachedLoader(string(rt), providers.LoaderFunc(func(ctx context.Context) ([]authz.Resource, error) {
		return resources, nil
	}), providers.DefaultCachedLoaderConfig())
	require.NoError(t, loader.Refresh(context.Background()))
	return providers.NewBaseProvider(rt, loader)
}

func syncerFixture(t *testing.T, rolesProvider roles.UserRolesProvider) (*UserRolesSyncer, *repository.InMemoryRepository) {
	t.Helper()
	accounts := primedProvider(t, authz.ResourceTypeAccount, []authz.Resource{
		&authz.Account{Name: "open"},
		&authz.Account{Name: "restricted", Permissions: authz.NewPermissions(map[authz.Authorization][]string{
			authz.AuthorizationRead: {"group1"},
		})},
	})
	serviceAccounts := primedProvider(t, authz.ResourceTypeServiceAccount, []authz.Resource{
		&authz.ServiceAccount{Name: "deploy-bot", MemberOf: []string{"group1"}},
	})

	repo := repository.NewInMemoryRepository()
	res := resolver.New(rolesProvider,
		[]providers.ResourceProvider{accounts, serviceAccounts}, resolver.Config{})
	s := New(NewLocalLockManager(), repo, res, serviceAccounts, nil, fastSyncConfig())
	return s, repo
}

func TestSyncer_SeedsUnrestrictedOnEmptyStore(t *testing.T) {
	s, repo := syncerFixture(t, roles.NewStaticProvider(nil))

	count, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)

	anon, err := repo.Get(context.Background(), authz.UnrestrictedUserID)
	require.NoError(t, err)
	require.NotNil(t, anon)
	require.Len(t, anon.Accounts(), 1)
	assert.Equal(t, "open", anon.Accounts()[0].Name)
}

func TestSyncer_SyncsServiceAccountsFromInventory(t *testing.T) {
	s, repo := syncerFixture(t, roles.NewStaticProvider(nil))

	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	bot, err := repo.Get(context.Background(), "deploy-bot")
	require.NoError(t, err)
	require.NotNil(t, bot)
	assert.Equal(t, []string{"group1"}, bot.RoleNames())

	var accountNames []string
	for _, a := range bot.Accounts() {
		accountNames = append(accountNames, a.Name)
	}
	// restricted via group1, open via the unrestricted merge.
	assert.ElementsMatch(t, []string{"open", "restricted"}, accountNames)
}

func TestSyncer_PreservesExternalRolesAcrossTicks(t *testing.T) {
	rolesProvider := roles.NewStaticProvider(map[string][]string{})
	s, repo := syncerFixture(t, rolesProvider)
	ctx := context.Background()

	// Stored user with an ldap role and an EXTERNAL role; the identity
	// provider now only returns the ldap role.
	stored := authz.NewUserPermission("u")
	stored.AddResources([]authz.Resource{
		&authz.Role{Name: "r_internal", Source: authz.RoleSourceLDAP},
		&authz.Role{Name: "r_external", Source: authz.RoleSourceExternal},
	})
	require.NoError(t, repo.Put(ctx, stored))
	rolesProvider.Set("u", []string{"r_internal"})

	_, err := s.Sync(ctx)
	require.NoError(t, err)

	after, err := repo.Get(ctx, "u")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.ElementsMatch(t, []string{"r_internal", "r_external"}, after.RoleNames())
}

func TestSyncer_PrunesNothingItStillKnows(t *testing.T) {
	rolesProvider := roles.NewStaticProvider(map[string][]string{"alice": {"group1"}})
	s, repo := syncerFixture(t, rolesProvider)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, authz.NewUserPermission("alice")))
	_, err := s.Sync(ctx)
	require.NoError(t, err)

	alice, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, []string{"group1"}, alice.RoleNames())
}

func TestSyncer_RetriesProviderErrors(t *testing.T) {
	failures := 2
	loader := providers.NewCachedLoader("accounts", providers.LoaderFunc(func(ctx context.Context) ([]authz.Resource, error) {
		return []authz.Resource{&authz.Account{Name: "open"}}, nil
	}), providers.DefaultCachedLoaderConfig())
	// Unprimed loader: provider errors until a refresh succeeds.
	flaky := providers.NewBaseProvider(authz.ResourceTypeAccount, loader)

	repo := repository.NewInMemoryRepository()
	res := resolver.New(roles.NewStaticProvider(nil), []providers.ResourceProvider{flaky}, resolver.Config{})

	cfg := fastSyncConfig()
	cfg.SyncDelayTimeout = 500 * time.Millisecond
	s := New(NewLocalLockManager(), repo, res, nil, nil, cfg)

	go func() {
		for i := 0; i < failures; i++ {
			time.Sleep(2 * time.Millisecond)
		}
		_ = loader.Refresh(context.Background())
	}()

	_, err := s.Sync(context.Background())
	require.NoError(t, err)
}

func TestSyncer_DisabledWriteModeNeverSchedules(t *testing.T) {
	s, _ := syncerFixture(t, roles.NewStaticProvider(nil))
	s.config.Enabled = false
	require.NoError(t, s.Start())
	s.cron.Stop()
}
