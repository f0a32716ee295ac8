package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/lazytree/background"
	"github.com/ghyeongl/lazytree/config"
	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/enlistment"
	"github.com/ghyeongl/lazytree/gitlock"
	"github.com/ghyeongl/lazytree/metadata"
	"github.com/ghyeongl/lazytree/placeholders"
	"github.com/ghyeongl/lazytree/upgrade"
	"github.com/ghyeongl/lazytree/virtualization"
)

const testSHA = "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"

type fakeProcesses map[int]bool

func (f fakeProcesses) IsAlive(_ context.Context, pid int) (bool, error) {
	return f[pid], nil
}

func setupTestEnlistment(t *testing.T, major int) *enlistment.Enlistment {
	t.Helper()
	enl, err := enlistment.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(enl.WorkingDirectory, 0o755))
	_, err = metadata.Create(afero.NewOsFs(), enl.RepoMetadataPath(), metadata.Values{
		DiskLayoutMajor: major,
		LocalCacheRoot:  "/cache",
		GitObjectsRoot:  "/cache/objects",
		BlobSizesRoot:   "/cache/sizes",
	})
	require.NoError(t, err)
	return enl
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.InitialConnections = 2
	cfg.Background.RetryMinBackoff = time.Millisecond
	cfg.Background.RetryMaxBackoff = 20 * time.Millisecond
	cfg.Background.ReplayTimeout = 5 * time.Second
	cfg.Mount.FailedLinger = 500 * time.Millisecond
	return cfg
}

type running struct {
	m      *Mount
	client *Client
	cancel context.CancelFunc
	done   chan error
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("mount did not shut down")
	}
}

func startMount(t *testing.T, enl *enlistment.Enlistment, procs gitlock.ProcessChecker) *running {
	t.Helper()
	m := New(Options{
		Enlistment: enl,
		Config:     testConfig(),
		Processes:  procs,
		Layout:     upgrade.ForPlatform(runtime.GOOS),
	})
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{m: m, client: NewClient(enl.SocketPath()), cancel: cancel, done: make(chan error, 1)}
	r.client.PollInterval = 10 * time.Millisecond
	go func() { r.done <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

// Operations queued by a previous run are replayed before the mount is
// ready: the table loses both paths and the feed records both.
func TestMount_ReplaysQueuedDeletes(t *testing.T) {
	enl := setupTestEnlistment(t, 19)
	ctx := context.Background()
	file := filepath.Join("a", "b", "c.txt")
	dir := filepath.Join("a", "b")

	pool, err := database.Open(database.Config{Path: enl.PlaceholderDatabasePath(), InitialConnections: 1})
	require.NoError(t, err)
	table := placeholders.NewTable(pool)
	require.NoError(t, table.AddPartialFolder(ctx, "a"))
	require.NoError(t, table.AddPartialFolder(ctx, dir))
	require.NoError(t, table.AddFile(ctx, file, testSHA))
	queue := background.NewQueue(pool)
	_, err = queue.Enqueue(ctx, background.Operation{Type: background.FileDeleted, Path: file})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, background.Operation{Type: background.DirectoryDeleted, Path: dir})
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	require.NoError(t, os.MkdirAll(filepath.Join(enl.WorkingDirectory, dir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(enl.WorkingDirectory, file), []byte("x"), 0o644))

	r := startMount(t, enl, fakeProcesses{})
	require.NoError(t, r.client.WaitUntilMounted(ctx, 10*time.Second))

	remaining, err := r.client.WaitForBackgroundOperations(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	st, err := r.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Ready, st.State)
	assert.Equal(t, r.m.ID(), st.MountID)
	assert.Zero(t, st.QueueLen)
	assert.Equal(t, 2, st.ModifiedPaths)
	require.NotNil(t, st.Worker)
	assert.Equal(t, gitlock.StatusFree, st.LockStatus)
	r.stop(t)

	pool, err = database.Open(database.Config{Path: enl.PlaceholderDatabasePath(), InitialConnections: 1})
	require.NoError(t, err)
	defer pool.Close()
	all, err := placeholders.NewTable(pool).GetAllEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []placeholders.Entry{{Path: "a", Kind: placeholders.PartialFolder}}, all)

	raw, err := os.ReadFile(enl.ModifiedPathsPath())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "A a/b/c.txt\r\n")
	assert.Contains(t, string(raw), "A a/b/\r\n")

	_, err = os.Stat(filepath.Join(enl.WorkingDirectory, dir))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(enl.SocketPath())
	assert.True(t, os.IsNotExist(err))
}

func TestMount_DowngradeFailsWithoutMutation(t *testing.T) {
	enl := setupTestEnlistment(t, 20)
	before, err := os.ReadFile(enl.RepoMetadataPath())
	require.NoError(t, err)

	r := startMount(t, enl, fakeProcesses{})
	err = r.client.WaitUntilMounted(context.Background(), 10*time.Second)
	require.ErrorIs(t, err, ErrMountFailed)
	assert.Contains(t, err.Error(), "disk layout upgrade")

	var runErr error
	select {
	case runErr = <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("failed mount did not return")
	}
	var merr *Error
	require.ErrorAs(t, runErr, &merr)
	assert.Equal(t, "disk layout upgrade", merr.Component)
	assert.ErrorIs(t, runErr, upgrade.ErrDowngrade)
	assert.NotContains(t, runErr.Error(), "\n")

	state, failure := r.m.State()
	assert.Equal(t, Failed, state)
	assert.Equal(t, runErr, failure)

	after, err := os.ReadFile(enl.RepoMetadataPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = os.Stat(enl.PlaceholderDatabasePath())
	assert.True(t, os.IsNotExist(err))
}

func TestMount_LayoutBelowMinimumIsBreaking(t *testing.T) {
	enl := setupTestEnlistment(t, 17)
	cfg := testConfig()
	cfg.Mount.FailedLinger = 0

	err := New(Options{Enlistment: enl, Config: cfg, Layout: upgrade.ForPlatform("linux")}).Run(context.Background())
	assert.ErrorIs(t, err, upgrade.ErrBreakingChange)
}

func TestMount_MissingMetadataIsFatal(t *testing.T) {
	enl, err := enlistment.New(t.TempDir())
	require.NoError(t, err)

	m := New(Options{Enlistment: enl, Config: testConfig()})
	err = m.Run(context.Background())
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "repo metadata", merr.Component)
}

func TestMount_SecondMountRefused(t *testing.T) {
	enl := setupTestEnlistment(t, 19)
	r := startMount(t, enl, fakeProcesses{})
	require.NoError(t, r.client.WaitUntilMounted(context.Background(), 10*time.Second))

	err := New(Options{Enlistment: enl, Config: testConfig()}).Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyMounted)

	// The first mount is unaffected.
	st, err := r.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, st.State)
	r.stop(t)
}

func TestMount_LockProtocol(t *testing.T) {
	enl := setupTestEnlistment(t, 19)
	r := startMount(t, enl, fakeProcesses{100: true, 200: true})
	ctx := context.Background()
	require.NoError(t, r.client.WaitUntilMounted(ctx, 10*time.Second))

	resp, err := r.client.AcquireLock(ctx, gitlock.LockHolder{PID: 100, ParsedCommand: "git commit -m x"})
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, resp.Result)

	resp, err = r.client.AcquireLock(ctx, gitlock.LockHolder{PID: 200, ParsedCommand: "git status"})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, resp.Result)
	require.NotNil(t, resp.ExistingHolder)
	assert.Equal(t, 100, resp.ExistingHolder.PID)
	assert.Equal(t, "Waiting for 'git commit'", resp.Message)

	resp, err = r.client.AcquireLock(ctx, gitlock.LockHolder{PID: 200, CheckAvailabilityOnly: true})
	require.NoError(t, err)
	assert.Equal(t, ResultUnavailable, resp.Result)

	// A tombstone recorded while git runs is cleaned up after it releases.
	cb := r.m.Callbacks()
	require.NotNil(t, cb)
	res, err := cb.OnTombstone(ctx, "gone", true)
	require.NoError(t, err)
	assert.Equal(t, virtualization.Handled, res.Status)

	rel, err := r.client.ReleaseLock(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, ResultNotHolder, rel.Result)

	rel, err = r.client.ReleaseLock(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, rel.Result)

	remaining, err := r.client.WaitForBackgroundOperations(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	res, err = cb.OnDirectoryEnumerate(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, virtualization.Projected, res.Status)

	resp, err = r.client.AcquireLock(ctx, gitlock.LockHolder{PID: 200, CheckAvailabilityOnly: true})
	require.NoError(t, err)
	assert.Equal(t, ResultAvailable, resp.Result)
	r.stop(t)
}

func TestMount_EventStream(t *testing.T) {
	enl := setupTestEnlistment(t, 19)
	r := startMount(t, enl, fakeProcesses{})
	ctx := context.Background()
	require.NoError(t, r.client.WaitUntilMounted(ctx, 10*time.Second))

	stream, err := r.client.Events(ctx)
	require.NoError(t, err)
	defer stream.Close()

	res, err := r.m.Callbacks().OnFileCreated(ctx, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, virtualization.Pending, res.Status)

	var seen []string
	for {
		ev, err := stream.Next()
		require.NoError(t, err)
		if ev.Op.Path != "" {
			assert.Equal(t, background.FileCreated, ev.Op.Type)
			assert.Equal(t, "new.txt", ev.Op.Path)
		}
		seen = append(seen, ev.Type)
		if ev.Type == background.EventCompleted {
			break
		}
	}
	assert.Equal(t, []string{background.EventEnqueued, background.EventCompleted}, seen)

	// Unmounting closes the stream.
	r.stop(t)
	_, err = stream.Next()
	assert.Error(t, err)
}

// Files re-read while their deletes were queued must not stay projected
// once a burst of deletes is applied.
func TestMount_BurstOfDeletesInvalidatesProjection(t *testing.T) {
	enl := setupTestEnlistment(t, 19)
	r := startMount(t, enl, fakeProcesses{100: true})
	ctx := context.Background()
	require.NoError(t, r.client.WaitUntilMounted(ctx, 10*time.Second))
	cb := r.m.Callbacks()
	require.NotNil(t, cb)

	// Hold the lock so every delete stays queued.
	resp, err := r.client.AcquireLock(ctx, gitlock.LockHolder{PID: 100, ParsedCommand: "git checkout"})
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, resp.Result)

	names := make([]string, 40)
	for i := range names {
		names[i] = fmt.Sprintf("f%02d.txt", i)
		res, err := cb.OnFileOpen(ctx, names[i], testSHA)
		require.NoError(t, err)
		require.Equal(t, virtualization.Projected, res.Status)

		res, err = cb.OnFileDelete(ctx, names[i])
		require.NoError(t, err)
		require.Equal(t, virtualization.Pending, res.Status)

		// The row is still there, so this caches it again.
		res, err = cb.OnFileOpen(ctx, names[i], "")
		require.NoError(t, err)
		require.Equal(t, virtualization.Projected, res.Status)
	}

	rel, err := r.client.ReleaseLock(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, rel.Result)
	remaining, err := r.client.WaitForBackgroundOperations(ctx)
	require.NoError(t, err)
	require.Zero(t, remaining)

	for _, name := range names {
		res, err := cb.OnFileOpen(ctx, name, "")
		require.NoError(t, err)
		assert.Equal(t, virtualization.NotFound, res.Status, name)
	}
	r.stop(t)
}

func TestClient_WaitUntilMountedTimesOut(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	c.PollInterval = 5 * time.Millisecond
	err := c.WaitUntilMounted(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrMountTimeout)
}

func TestError_SingleLine(t *testing.T) {
	err := &Error{Component: "hooks", Err: assert.AnError, LogDir: "/x/logs"}
	assert.Equal(t, "mount failed at hooks: "+assert.AnError.Error()+" (logs: /x/logs)", err.Error())
	assert.ErrorIs(t, err, assert.AnError)
}
