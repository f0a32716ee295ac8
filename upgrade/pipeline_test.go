package upgrade

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/metadata"
	"github.com/ghyeongl/lazytree/placeholders"
)

const testSHA = "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"

type fixture struct {
	fs      afero.Fs
	dir     string
	env     Env
	mdPath  string
	dbPath  string
	listDat string
}

func setupTestEnv(t *testing.T, major int) *fixture {
	t.Helper()
	dir := t.TempDir()
	fs := afero.NewOsFs()
	f := &fixture{
		fs:      fs,
		dir:     dir,
		mdPath:  filepath.Join(dir, "databases", "RepoMetadata.dat"),
		dbPath:  filepath.Join(dir, "databases", "lazytree.sqlite"),
		listDat: filepath.Join(dir, "databases", "PlaceholderList.dat"),
	}
	md, err := metadata.Create(fs, f.mdPath, metadata.Values{
		DiskLayoutMajor: major,
		LocalCacheRoot:  "/cache",
		GitObjectsRoot:  "/cache/objects",
		BlobSizesRoot:   "/cache/sizes",
	})
	require.NoError(t, err)
	f.env = Env{
		Fs:                    fs,
		Metadata:              md,
		LegacyPlaceholderList: f.listDat,
		Database:              database.Config{Path: f.dbPath, InitialConnections: 1},
	}
	return f
}

func (f *fixture) metadataBytes(t *testing.T) []byte {
	t.Helper()
	raw, err := afero.ReadFile(f.fs, f.mdPath)
	require.NoError(t, err)
	return raw
}

func (f *fixture) version(t *testing.T) LayoutVersion {
	t.Helper()
	md, err := metadata.Load(f.fs, f.mdPath)
	require.NoError(t, err)
	major, minor, err := md.DiskLayoutVersion()
	require.NoError(t, err)
	return LayoutVersion{Major: major, Minor: minor}
}

func (f *fixture) entries(t *testing.T) []placeholders.Entry {
	t.Helper()
	pool, err := database.Open(database.Config{Path: f.dbPath, InitialConnections: 1})
	require.NoError(t, err)
	defer pool.Close()
	all, err := placeholders.NewTable(pool).GetAllEntries(context.Background())
	require.NoError(t, err)
	return all
}

func TestForPlatform(t *testing.T) {
	assert.Equal(t, "windows", ForPlatform("windows").Name())
	assert.Equal(t, "posix", ForPlatform("linux").Name())
	assert.Equal(t, "posix", ForPlatform("darwin").Name())
	assert.Equal(t, DiskLayoutVersion{CurrentMajor: 19, MinimumSupportedMajor: 18}, ForPlatform("linux").Version())
	assert.Equal(t, 7, ForPlatform("windows").Version().MinimumSupportedMajor)
	assert.Empty(t, ForPlatform("windows").Steps())
}

// A current layout mounts without running anything; one below the minimum
// is a breaking change.
func TestPipeline_CurrentAndTooOld(t *testing.T) {
	current := setupTestEnv(t, 19)
	applied, err := NewPipeline(ForPlatform("linux"), current.env).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	old := setupTestEnv(t, 17)
	before := old.metadataBytes(t)
	_, err = NewPipeline(ForPlatform("linux"), old.env).Run(context.Background())
	require.ErrorIs(t, err, ErrBreakingChange)
	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 17, verr.Persisted.Major)
	assert.Equal(t, before, old.metadataBytes(t))
}

func TestPipeline_RefusesDowngradeWithoutWriting(t *testing.T) {
	f := setupTestEnv(t, 20)
	before := f.metadataBytes(t)

	p := NewPipeline(ForPlatform("linux"), f.env)
	err := p.Check()
	require.ErrorIs(t, err, ErrDowngrade)
	assert.False(t, errors.Is(err, ErrBreakingChange))

	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, ErrDowngrade)
	assert.Equal(t, before, f.metadataBytes(t))

	exists, err := afero.Exists(f.fs, f.dbPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPipeline_MigratesLegacyList(t *testing.T) {
	f := setupTestEnv(t, 18)
	content := "A .gitignore\x00" + testSHA + "\x00\r\n" +
		"A Scripts\x00" + placeholders.LegacyPartialFolderValue + "\x00\r\n"
	require.NoError(t, afero.WriteFile(f.fs, f.listDat, []byte(content), 0o644))

	p := NewPipeline(ForPlatform("linux"), f.env)
	pending, err := p.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "SqlitePlaceholders", pending[0].Name())

	applied, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	assert.Equal(t, LayoutVersion{Major: 19}, f.version(t))
	assert.Equal(t, []placeholders.Entry{
		{Path: ".gitignore", Kind: placeholders.File, ContentID: testSHA},
		{Path: "Scripts", Kind: placeholders.PartialFolder},
	}, f.entries(t))

	exists, err := afero.Exists(f.fs, f.listDat)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPipeline_MissingLegacyListJustBumps(t *testing.T) {
	f := setupTestEnv(t, 18)
	applied, err := NewPipeline(ForPlatform("linux"), f.env).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, LayoutVersion{Major: 19}, f.version(t))
}

// Re-running a step on an upgraded store changes nothing.
func TestPipeline_ApplyStepIsIdempotent(t *testing.T) {
	f := setupTestEnv(t, 18)
	content := "A a.txt\x00" + testSHA + "\x00\r\n"
	require.NoError(t, afero.WriteFile(f.fs, f.listDat, []byte(content), 0o644))

	p := NewPipeline(ForPlatform("linux"), f.env)
	step := ForPlatform("linux").Steps()[0]
	require.NoError(t, p.ApplyStep(context.Background(), step))
	afterFirst := f.metadataBytes(t)
	entriesFirst := f.entries(t)

	// Put the legacy file back to prove the second run does not read it.
	require.NoError(t, afero.WriteFile(f.fs, f.listDat, []byte("A b.txt\x00"+testSHA+"\x00\r\n"), 0o644))
	require.NoError(t, p.ApplyStep(context.Background(), step))

	assert.Equal(t, afterFirst, f.metadataBytes(t))
	assert.Equal(t, entriesFirst, f.entries(t))
	assert.Equal(t, LayoutVersion{Major: 19}, f.version(t))
}

func TestPipeline_StepFailureIsWrapped(t *testing.T) {
	f := setupTestEnv(t, 18)
	require.NoError(t, afero.WriteFile(f.fs, f.listDat, []byte("A broken\x00not-a-sha\x00\r\n"), 0o644))

	_, err := NewPipeline(ForPlatform("linux"), f.env).Run(context.Background())
	var serr *StepError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "SqlitePlaceholders", serr.Step.Name())
	assert.ErrorIs(t, err, placeholders.ErrInvalidContentID)
	assert.Equal(t, LayoutVersion{Major: 18}, f.version(t))
}

type stuckStep struct{}

func (stuckStep) Name() string                     { return "Stuck" }
func (stuckStep) From() LayoutVersion              { return LayoutVersion{Major: 5} }
func (stuckStep) To() LayoutVersion                { return LayoutVersion{Major: 6} }
func (stuckStep) Apply(context.Context, Env) error { return nil }

type testLayout struct{ steps []Step }

func (testLayout) Name() string { return "test" }
func (testLayout) Version() DiskLayoutVersion {
	return DiskLayoutVersion{CurrentMajor: 6, MinimumSupportedMajor: 5}
}
func (l testLayout) Steps() []Step { return l.steps }

func TestPipeline_StepMustAdvance(t *testing.T) {
	f := setupTestEnv(t, 5)
	_, err := NewPipeline(testLayout{steps: []Step{stuckStep{}}}, f.env).Run(context.Background())
	assert.ErrorIs(t, err, ErrStepDidNotAdvance)
}

// A major step starts from any minor version of its source major.
func TestPipeline_MajorStepIgnoresSourceMinor(t *testing.T) {
	f := setupTestEnv(t, 18)
	require.NoError(t, f.env.Metadata.SetDiskLayoutVersion(18, 1))

	p := NewPipeline(ForPlatform("linux"), f.env)
	pending, err := p.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "SqlitePlaceholders", pending[0].Name())

	applied, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, LayoutVersion{Major: 19}, f.version(t))
}

type minorStep struct{}

func (minorStep) Name() string        { return "Minor" }
func (minorStep) From() LayoutVersion { return LayoutVersion{Major: 6, Minor: 1} }
func (minorStep) To() LayoutVersion   { return LayoutVersion{Major: 6, Minor: 2} }
func (minorStep) Apply(_ context.Context, env Env) error {
	return bump(env, LayoutVersion{Major: 6, Minor: 2})
}

func TestPipeline_MinorStepNeedsExactMatch(t *testing.T) {
	layout := testLayout{steps: []Step{minorStep{}}}

	f := setupTestEnv(t, 6)
	applied, err := NewPipeline(layout, f.env).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, LayoutVersion{Major: 6}, f.version(t))

	require.NoError(t, f.env.Metadata.SetDiskLayoutVersion(6, 1))
	applied, err = NewPipeline(layout, f.env).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, LayoutVersion{Major: 6, Minor: 2}, f.version(t))
}

func TestPipeline_NoUpgradePath(t *testing.T) {
	f := setupTestEnv(t, 5)
	_, err := NewPipeline(testLayout{}, f.env).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoUpgradePath)
}
