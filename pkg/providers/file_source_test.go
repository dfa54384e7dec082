package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/authz"
)

const sourceYAML = `
applications:
  - name: "unicorn*"
    permissions:
      WRITE: [unicorn_team]
  - name: wiki
    permissions:
      READ: [everyone]
accounts:
  - name: prod
    permissions:
      READ: [ops]
`

func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileSource_LoadsPrefixAndStaticRules(t *testing.T) {
	source, err := NewFileSource(writeSourceFile(t, sourceYAML))
	require.NoError(t, err)

	apps := source.SourceFor(authz.ResourceTypeApplication)
	got := apps.PermissionsFor(&authz.Application{Name: "unicorn_api"})
	assert.Equal(t, []string{"unicorn_team"}, got.Get(authz.AuthorizationWrite))

	got = apps.PermissionsFor(&authz.Application{Name: "WIKI"})
	assert.Equal(t, []string{"everyone"}, got.Get(authz.AuthorizationRead))

	got = apps.PermissionsFor(&authz.Application{Name: "other"})
	assert.False(t, got.IsRestricted())

	accounts := source.SourceFor(authz.ResourceTypeAccount)
	got = accounts.PermissionsFor(&authz.Account{Name: "prod"})
	assert.Equal(t, []string{"ops"}, got.Get(authz.AuthorizationRead))
}

func TestFileSource_RejectsUnknownAuthorization(t *testing.T) {
	_, err := NewFileSource(writeSourceFile(t, "applications:\n  - name: x\n    permissions:\n      APPROVE: [a]\n"))
	var invalid *authz.InvalidArgumentError
	assert.ErrorAs(t, err, &invalid)
}

func TestFileSource_RejectsUnknownResourceType(t *testing.T) {
	_, err := NewFileSource(writeSourceFile(t, "pipelines:\n  - name: x\n"))
	var invalid *authz.InvalidArgumentError
	assert.ErrorAs(t, err, &invalid)
}

func TestFileSource_ReloadReplacesRules(t *testing.T) {
	path := writeSourceFile(t, sourceYAML)
	source, err := NewFileSource(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("applications:\n  - name: wiki\n    permissions:\n      WRITE: [editors]\n"), 0o644))
	require.NoError(t, source.reload())

	apps := source.SourceFor(authz.ResourceTypeApplication)
	got := apps.PermissionsFor(&authz.Application{Name: "wiki"})
	assert.Equal(t, []string{"editors"}, got.Get(authz.AuthorizationWrite))
	assert.Empty(t, got.Get(authz.AuthorizationRead))
}
