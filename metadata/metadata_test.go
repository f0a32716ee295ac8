package metadata

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/lazytree/filebased"
)

const testPath = "/dot/databases/RepoMetadata.dat"

func testValues() Values {
	return Values{
		DiskLayoutMajor: 19,
		LocalCacheRoot:  "/cache",
		GitObjectsRoot:  "/cache/objects",
		BlobSizesRoot:   "/cache/blobSizes",
	}
}

func TestCreateThenLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Create(fs, testPath, testValues())
	require.NoError(t, err)

	s, err := Load(fs, testPath)
	require.NoError(t, err)

	major, minor, err := s.DiskLayoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 19, major)
	assert.Equal(t, 0, minor)
	assert.Equal(t, "/cache", s.LocalCacheRoot())
	assert.Equal(t, "/cache/objects", s.GitObjectsRoot())
	assert.Equal(t, "/cache/blobSizes", s.BlobSizesRoot())

	raw, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"19\"}\r\n")
}

func TestCreate_RefusesOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Create(fs, testPath, testValues())
	require.NoError(t, err)

	_, err = Create(fs, testPath, testValues())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreate_RequiresRoots(t *testing.T) {
	v := testValues()
	v.GitObjectsRoot = ""
	_, err := Create(afero.NewMemMapFs(), testPath, v)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), testPath)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_FailsFastOnMissingOrEmptyKey(t *testing.T) {
	tests := map[string]string{
		"missing objects root": "A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"19\"}\r\n" +
			"A {\"Key\":\"LocalCacheRoot\",\"Value\":\"/c\"}\r\n" +
			"A {\"Key\":\"BlobSizesRoot\",\"Value\":\"/b\"}\r\n",
		"empty version": "A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"\"}\r\n" +
			"A {\"Key\":\"LocalCacheRoot\",\"Value\":\"/c\"}\r\n" +
			"A {\"Key\":\"GitObjectsRoot\",\"Value\":\"/o\"}\r\n" +
			"A {\"Key\":\"BlobSizesRoot\",\"Value\":\"/b\"}\r\n",
		"deleted later": "A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"19\"}\r\n" +
			"A {\"Key\":\"LocalCacheRoot\",\"Value\":\"/c\"}\r\n" +
			"A {\"Key\":\"GitObjectsRoot\",\"Value\":\"/o\"}\r\n" +
			"A {\"Key\":\"BlobSizesRoot\",\"Value\":\"/b\"}\r\n" +
			"D {\"Key\":\"LocalCacheRoot\"}\r\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, testPath, []byte(content), 0o644))
			_, err := Load(fs, testPath)
			assert.ErrorIs(t, err, ErrMissingKey)
		})
	}
}

func TestLoad_LastWriteWins(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"18\"}\r\n" +
		"A {\"Key\":\"LocalCacheRoot\",\"Value\":\"/c\"}\r\n" +
		"A {\"Key\":\"GitObjectsRoot\",\"Value\":\"/o\"}\r\n" +
		"A {\"Key\":\"BlobSizesRoot\",\"Value\":\"/b\"}\r\n" +
		"A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"19\"}\r\n"
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(content), 0o644))

	s, err := Load(fs, testPath)
	require.NoError(t, err)
	major, _, err := s.DiskLayoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 19, major)
}

func TestLoad_Malformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testPath, []byte("A not-json\r\n"), 0o644))
	_, err := Load(fs, testPath)
	assert.ErrorIs(t, err, filebased.ErrMalformedRecord)
}

func TestLoad_NonNumericVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"nineteen\"}\r\n" +
		"A {\"Key\":\"LocalCacheRoot\",\"Value\":\"/c\"}\r\n" +
		"A {\"Key\":\"GitObjectsRoot\",\"Value\":\"/o\"}\r\n" +
		"A {\"Key\":\"BlobSizesRoot\",\"Value\":\"/b\"}\r\n"
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(content), 0o644))
	_, err := Load(fs, testPath)
	assert.Error(t, err)
}

func TestSetDiskLayoutVersion_Persists(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Create(fs, testPath, Values{
		DiskLayoutMajor: 18,
		LocalCacheRoot:  "/c",
		GitObjectsRoot:  "/o",
		BlobSizesRoot:   "/b",
	})
	require.NoError(t, err)

	require.NoError(t, s.SetDiskLayoutVersion(19, 1))

	reloaded, err := Load(fs, testPath)
	require.NoError(t, err)
	major, minor, err := reloaded.DiskLayoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 19, major)
	assert.Equal(t, 1, minor)
	assert.Equal(t, "/o", reloaded.GitObjectsRoot())
}

func TestSetDiskLayoutVersion_FailedWriteRestoresState(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "A {\"Key\":\"DiskLayoutVersion\",\"Value\":\"18\"}\r\n" +
		"A {\"Key\":\"LocalCacheRoot\",\"Value\":\"/c\"}\r\n" +
		"A {\"Key\":\"GitObjectsRoot\",\"Value\":\"/o\"}\r\n" +
		"A {\"Key\":\"BlobSizesRoot\",\"Value\":\"/b\"}\r\n"
	require.NoError(t, afero.WriteFile(fs, testPath, []byte(content), 0o644))
	s, err := Load(fs, testPath)
	require.NoError(t, err)
	order := append([]string(nil), s.order...)

	s.fs = afero.NewReadOnlyFs(fs)
	require.Error(t, s.SetDiskLayoutVersion(19, 0))

	_, ok := s.Get(KeyDiskLayoutMinorVersion)
	assert.False(t, ok)
	assert.Equal(t, order, s.order)
	major, minor, err := s.DiskLayoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 18, major)
	assert.Equal(t, 0, minor)

	// A later successful write does not carry an empty minor version.
	s.fs = fs
	require.NoError(t, s.SetDiskLayoutVersion(19, 2))
	raw, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "\"Value\":\"\"")
}
