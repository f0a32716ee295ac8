package background

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/lazytree/modifiedpaths"
	"github.com/ghyeongl/lazytree/placeholders"
)

const testSHA = "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"

type applierFixture struct {
	fs       afero.Fs
	table    *placeholders.Table
	modified *modifiedpaths.Feed
	applier  *FSApplier
}

func setupTestApplier(t *testing.T) *applierFixture {
	t.Helper()
	pool := openTestPool(t, filepath.Join(t.TempDir(), "test.sqlite"))
	fs := afero.NewMemMapFs()
	feed, err := modifiedpaths.Open(fs, "/dot/databases/ModifiedPaths.dat")
	require.NoError(t, err)
	t.Cleanup(func() { feed.Close() })

	table := placeholders.NewTable(pool)
	return &applierFixture{
		fs:       fs,
		table:    table,
		modified: feed,
		applier:  NewFSApplier(fs, "/src", table, feed),
	}
}

func (f *applierFixture) write(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, filepath.Join("/src", path), []byte("x"), 0o644))
}

func (f *applierFixture) exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(f.fs, filepath.Join("/src", path))
	require.NoError(t, err)
	return ok
}

func (f *applierFixture) get(t *testing.T, path string) *placeholders.Entry {
	t.Helper()
	e, err := f.table.Get(context.Background(), path)
	require.NoError(t, err)
	return e
}

func TestApplier_FileDeleted(t *testing.T) {
	f := setupTestApplier(t)
	ctx := context.Background()
	f.write(t, "a/b.txt")
	require.NoError(t, f.table.AddFile(ctx, "a/b.txt", testSHA))

	op := Operation{Type: FileDeleted, Path: "a/b.txt"}
	require.NoError(t, f.applier.Apply(ctx, op))
	assert.False(t, f.exists(t, "a/b.txt"))
	assert.Nil(t, f.get(t, "a/b.txt"))
	assert.Equal(t, []string{"a/b.txt"}, f.modified.All())

	// Applying again after a crash is harmless.
	require.NoError(t, f.applier.Apply(ctx, op))
	assert.Equal(t, []string{"a/b.txt"}, f.modified.All())
}

func TestApplier_DirectoryDeleted(t *testing.T) {
	f := setupTestApplier(t)
	ctx := context.Background()
	f.write(t, "a/b/c.txt")
	f.write(t, "a/keep.txt")
	require.NoError(t, f.table.AddPartialFolder(ctx, "a"))
	require.NoError(t, f.table.AddPartialFolder(ctx, "a/b"))
	require.NoError(t, f.table.AddFile(ctx, "a/b/c.txt", testSHA))

	require.NoError(t, f.applier.Apply(ctx, Operation{Type: DirectoryDeleted, Path: "a/b"}))
	assert.False(t, f.exists(t, "a/b"))
	assert.True(t, f.exists(t, "a/keep.txt"))
	assert.Nil(t, f.get(t, "a/b"))
	assert.Nil(t, f.get(t, "a/b/c.txt"))
	assert.NotNil(t, f.get(t, "a"))
	assert.Equal(t, []string{"a/b/"}, f.modified.All())
}

func TestApplier_FileRenamed(t *testing.T) {
	f := setupTestApplier(t)
	ctx := context.Background()
	require.NoError(t, f.table.AddFile(ctx, "old.txt", testSHA))
	require.NoError(t, f.table.AddFile(ctx, "new.txt", testSHA))

	require.NoError(t, f.applier.Apply(ctx, Operation{Type: FileRenamed, OldPath: "old.txt", Path: "new.txt"}))
	assert.Nil(t, f.get(t, "old.txt"))
	assert.Nil(t, f.get(t, "new.txt"))
	assert.Equal(t, []string{"old.txt", "new.txt"}, f.modified.All())
}

func TestApplier_DirectoryRenamed(t *testing.T) {
	f := setupTestApplier(t)
	ctx := context.Background()
	require.NoError(t, f.table.AddPartialFolder(ctx, "old"))
	require.NoError(t, f.table.AddFile(ctx, "old/x.txt", testSHA))

	require.NoError(t, f.applier.Apply(ctx, Operation{Type: DirectoryRenamed, OldPath: "old", Path: "new"}))
	n, err := f.table.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"old/", "new/"}, f.modified.All())
}

func TestApplier_FileCreated(t *testing.T) {
	f := setupTestApplier(t)
	ctx := context.Background()
	require.NoError(t, f.table.AddFile(ctx, "f.txt", testSHA))

	require.NoError(t, f.applier.Apply(ctx, Operation{Type: FileCreated, Path: "f.txt"}))
	assert.Nil(t, f.get(t, "f.txt"))
	assert.Equal(t, []string{"f.txt"}, f.modified.All())
}

func TestApplier_DirectoryMaterialized(t *testing.T) {
	f := setupTestApplier(t)
	ctx := context.Background()
	require.NoError(t, f.table.AddFullFolder(ctx, "a"))

	require.NoError(t, f.applier.Apply(ctx, Operation{Type: DirectoryMaterialized, Path: "a/b/c"}))
	assert.True(t, f.exists(t, "a/b/c"))
	assert.Equal(t, placeholders.FullFolder, f.get(t, "a").Kind, "existing full folder is not downgraded")
	assert.Equal(t, placeholders.PartialFolder, f.get(t, "a/b").Kind)
	assert.Equal(t, placeholders.FullFolder, f.get(t, "a/b/c").Kind)
	assert.Empty(t, f.modified.All())
}

func TestApplier_TombstoneCleanup(t *testing.T) {
	f := setupTestApplier(t)
	ctx := context.Background()

	require.NoError(t, f.fs.MkdirAll("/src/empty", 0o755))
	require.NoError(t, f.table.AddTombstone(ctx, "empty", true))
	f.write(t, "busy/file.txt")
	require.NoError(t, f.table.AddTombstone(ctx, "busy", true))
	require.NoError(t, f.table.AddTombstone(ctx, "gone.txt", false))
	require.NoError(t, f.table.AddPartialFolder(ctx, "live"))

	for _, p := range []string{"empty", "busy", "gone.txt", "live", "missing"} {
		require.NoError(t, f.applier.Apply(ctx, Operation{Type: TombstoneCleanup, Path: p}))
	}

	assert.False(t, f.exists(t, "empty"))
	assert.Nil(t, f.get(t, "empty"))
	assert.True(t, f.exists(t, "busy/file.txt"))
	assert.NotNil(t, f.get(t, "busy"))
	assert.Nil(t, f.get(t, "gone.txt"))
	assert.Equal(t, placeholders.PartialFolder, f.get(t, "live").Kind)
}

func TestApplier_InvalidType(t *testing.T) {
	f := setupTestApplier(t)
	err := f.applier.Apply(context.Background(), Operation{Type: OpType(42), Path: "x"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}
