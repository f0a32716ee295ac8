package enlistment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Layout(t *testing.T) {
	root := t.TempDir()
	e, err := New(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "src"), e.WorkingDirectory)
	assert.Equal(t, filepath.Join(root, ".lazytree", "databases", "RepoMetadata.dat"), e.RepoMetadataPath())
	assert.Equal(t, filepath.Join(root, ".lazytree", "databases", "lazytree.sqlite"), e.PlaceholderDatabasePath())
	assert.Equal(t, filepath.Join(root, "src", ".git", "hooks"), e.HooksDir())
}

func TestFindRoot_WalksUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, DotDirName), 0o755))
	deep := filepath.Join(root, "src", "a", "b")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	e, err := FindRoot(deep)
	require.NoError(t, err)
	assert.Equal(t, root, e.Root)
}

func TestFindRoot_NotEnlistment(t *testing.T) {
	_, err := FindRoot(t.TempDir())
	assert.ErrorIs(t, err, ErrNotEnlistment)
}
