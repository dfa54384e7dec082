package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, RepositoryInMemory, cfg.Repository.Kind)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, authz.AuthorizationRead, cfg.Providers.ExecuteFallback)
	assert.Equal(t, 30*time.Second, cfg.Providers.RefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.Repository.UnrestrictedCacheTTL)
	assert.True(t, cfg.Sync.WriteModeEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WARDEN_REPOSITORY", "relational")
	t.Setenv("WARDEN_EXECUTE_FALLBACK", "write")
	t.Setenv("WARDEN_ADMIN_ROLES", "platform_admins, superusers")
	t.Setenv("WARDEN_SYNC_DELAY", "600000")
	t.Setenv("WARDEN_PROVIDER_REFRESH_INTERVAL", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, RepositoryRelational, cfg.Repository.Kind)
	assert.Equal(t, authz.AuthorizationWrite, cfg.Providers.ExecuteFallback)
	assert.Equal(t, []string{"platform_admins", "superusers"}, cfg.Resolver.AdminRoles)
	// Raw integers parse as milliseconds.
	assert.Equal(t, 10*time.Minute, cfg.Sync.SyncDelay)
	assert.Equal(t, time.Minute, cfg.Providers.RefreshInterval)
}

func TestLoad_RejectsBadExecuteFallback(t *testing.T) {
	t.Setenv("WARDEN_EXECUTE_FALLBACK", "DELETE")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownRepository(t *testing.T) {
	t.Setenv("WARDEN_REPOSITORY", "dynamo")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsSameDualPair(t *testing.T) {
	t.Setenv("WARDEN_REPOSITORY", "dual")
	t.Setenv("WARDEN_REPOSITORY_DUAL_PRIMARY", "relational")
	t.Setenv("WARDEN_REPOSITORY_DUAL_PREVIOUS", "relational")
	_, err := Load()
	assert.Error(t, err)
}
