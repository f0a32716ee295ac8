package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/lazytree/enlistment"
	"github.com/ghyeongl/lazytree/metadata"
	"github.com/ghyeongl/lazytree/placeholders"
	"github.com/ghyeongl/lazytree/upgrade"
)

const testSHA = "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"

// run executes the CLI with args and returns its combined output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setupTestEnlistment(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "repo")
	_, err := run(t, "init", root, "--cache-root", filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return root
}

func TestInit_CreatesEnlistment(t *testing.T) {
	root := setupTestEnlistment(t)
	enl, err := enlistment.New(root)
	require.NoError(t, err)

	assert.DirExists(t, enl.WorkingDirectory)
	assert.DirExists(t, enl.LogsDir())

	md, err := metadata.Load(afero.NewOsFs(), enl.RepoMetadataPath())
	require.NoError(t, err)
	major, minor, err := md.DiskLayoutVersion()
	require.NoError(t, err)
	current := upgrade.ForPlatform(runtime.GOOS).Version()
	assert.Equal(t, current.CurrentMajor, major)
	assert.Equal(t, current.CurrentMinor, minor)
	assert.True(t, strings.HasSuffix(md.GitObjectsRoot(), "gitObjects"))
}

func TestInit_RefusesExisting(t *testing.T) {
	root := setupTestEnlistment(t)
	_, err := run(t, "init", root, "--cache-root", "/cache")
	assert.ErrorIs(t, err, metadata.ErrAlreadyExists)
}

func TestInit_RequiresCacheRoot(t *testing.T) {
	_, err := run(t, "init", t.TempDir())
	assert.Error(t, err)
}

func TestUpgrade_UpToDate(t *testing.T) {
	root := setupTestEnlistment(t)
	out, err := run(t, "upgrade", "--check", "-e", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Up to date")
}

func TestUpgrade_MigratesLegacyList(t *testing.T) {
	enl, err := enlistment.New(t.TempDir())
	require.NoError(t, err)
	fs := afero.NewOsFs()
	_, err = metadata.Create(fs, enl.RepoMetadataPath(), metadata.Values{
		DiskLayoutMajor: 18,
		LocalCacheRoot:  "/cache",
		GitObjectsRoot:  "/cache/objects",
		BlobSizesRoot:   "/cache/sizes",
	})
	require.NoError(t, err)
	legacy := placeholders.FormatLegacyAdd(placeholders.Entry{Path: "docs", Kind: placeholders.PartialFolder}) +
		placeholders.FormatLegacyAdd(placeholders.Entry{Path: filepath.Join("docs", "a.md"), Kind: placeholders.File, ContentID: testSHA})
	require.NoError(t, os.WriteFile(enl.LegacyPlaceholderListPath(), []byte(legacy), 0o644))

	out, err := run(t, "upgrade", "--check", "-e", enl.Root)
	require.NoError(t, err)
	assert.Contains(t, out, "SqlitePlaceholders: 18.0 -> 19.0")
	assert.FileExists(t, enl.LegacyPlaceholderListPath(), "--check must not apply")

	out, err = run(t, "upgrade", "-e", enl.Root)
	require.NoError(t, err)
	assert.Contains(t, out, "Applied 1 step(s)")
	assert.NoFileExists(t, enl.LegacyPlaceholderListPath())

	out, err = run(t, "placeholders", "-e", enl.Root, "--kind", "file")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join("docs", "a.md"))
	assert.NotContains(t, out, "PartialFolder")
}

func TestStatus_NotMounted(t *testing.T) {
	root := setupTestEnlistment(t)
	_, err := run(t, "status", "-e", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not mounted")
}

func TestStatus_OutsideEnlistment(t *testing.T) {
	_, err := run(t, "status", "-e", t.TempDir())
	assert.ErrorIs(t, err, enlistment.ErrNotEnlistment)
}

func TestConfig_PrintsEffectiveYAML(t *testing.T) {
	root := setupTestEnlistment(t)
	out, err := run(t, "config", "-e", root, "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "level: debug")
	assert.Contains(t, out, "initial_connections:")
}

func TestHooks_RequireInstallDir(t *testing.T) {
	root := setupTestEnlistment(t)
	_, err := run(t, "hooks", "install", "-e", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestParseCommand(t *testing.T) {
	got, err := parseCommand(`git   commit -m "two words"`)
	require.NoError(t, err)
	assert.Equal(t, "git commit -m two words", got)

	_, err = parseCommand("   ")
	assert.Error(t, err)
}

func TestFilterAndSortEntries(t *testing.T) {
	entries := []placeholders.Entry{
		{Path: "file10", Kind: placeholders.File},
		{Path: "file2", Kind: placeholders.File},
		{Path: "Dir", Kind: placeholders.PartialFolder},
		{Path: filepath.Join("Dir", "x"), Kind: placeholders.File},
		{Path: "Directory", Kind: placeholders.FullFolder},
		{Path: "gone", Kind: placeholders.TombstoneFile},
	}

	got := filterEntries(entries, "", "", true)
	sortEntries(got)
	paths := make([]string, len(got))
	for i, e := range got {
		paths[i] = e.Path
	}
	assert.Equal(t, []string{"Dir", filepath.Join("Dir", "x"), "Directory", "file2", "file10", "gone"}, paths)

	under := filterEntries(entries, placeholders.Key("dir"), "", true)
	assert.Len(t, under, 2)

	files := filterEntries(entries, "", "FILE", false)
	assert.Len(t, files, 3)

	live := filterEntries(entries, "", "", false)
	assert.Len(t, live, 5)
}
