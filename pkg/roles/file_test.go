package roles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alice: [Group1]\nbob: []\n"), 0o644))

	p, err := NewFileProvider(path)
	require.NoError(t, err)

	got, err := p.LoadRoles(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "group1", got[0].Name)

	batch, err := p.MultiLoadRoles(context.Background(), []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestNewFileProvider_MissingFile(t *testing.T) {
	_, err := NewFileProvider("/nonexistent/roles.yaml")
	assert.Error(t, err)
}
