// Package mount brings an enlistment online: it validates and upgrades the
// on-disk state, starts the background worker, exposes the git lock over a
// unix socket and tears everything down again on shutdown.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/ghyeongl/lazytree/background"
	"github.com/ghyeongl/lazytree/config"
	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/enlistment"
	"github.com/ghyeongl/lazytree/filelock"
	"github.com/ghyeongl/lazytree/gitlock"
	"github.com/ghyeongl/lazytree/hooks"
	"github.com/ghyeongl/lazytree/logging"
	"github.com/ghyeongl/lazytree/metadata"
	"github.com/ghyeongl/lazytree/modifiedpaths"
	"github.com/ghyeongl/lazytree/placeholders"
	"github.com/ghyeongl/lazytree/upgrade"
	"github.com/ghyeongl/lazytree/virtualization"
)

// Options are the collaborators of one mount. Only Enlistment is required.
type Options struct {
	Enlistment *enlistment.Enlistment
	Config     *config.Config
	Fs         afero.Fs
	Processes  gitlock.ProcessChecker
	Layout     upgrade.LayoutData
	Logger     *slog.Logger
}

// Mount runs one enlistment. Create it with New and call Run once.
type Mount struct {
	id     string
	enl    *enlistment.Enlistment
	cfg    *config.Config
	fs     afero.Fs
	procs  gitlock.ProcessChecker
	layout upgrade.LayoutData
	l      *slog.Logger

	closing chan struct{}

	mu        sync.RWMutex
	state     State
	failure   error
	startedAt time.Time

	lock      *gitlock.Lock
	queue     *background.Queue
	worker    *background.Worker
	feed      *modifiedpaths.Feed
	table     *placeholders.Table
	callbacks *virtualization.Callbacks
}

// New prepares a mount. Nothing is touched until Run.
func New(opts Options) *Mount {
	m := &Mount{
		id:     uuid.NewString(),
		enl:    opts.Enlistment,
		cfg:    opts.Config,
		fs:     opts.Fs,
		procs:  opts.Processes,
		layout: opts.Layout,
		l:      opts.Logger,

		closing: make(chan struct{}),
	}
	if m.cfg == nil {
		m.cfg = config.Default()
	}
	if m.fs == nil {
		m.fs = afero.NewOsFs()
	}
	if m.procs == nil {
		m.procs = gitlock.SystemProcesses{}
	}
	if m.layout == nil {
		m.layout = upgrade.ForPlatform(runtime.GOOS)
	}
	if m.l == nil {
		m.l = logging.Sub("mount")
	}
	return m
}

// ID identifies this mount in status output and logs.
func (m *Mount) ID() string { return m.id }

// State returns the lifecycle state and, when Failed, the cause.
func (m *Mount) State() (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.failure
}

// Callbacks returns the virtualization entry points once the mount is
// Ready, nil before.
func (m *Mount) Callbacks() *virtualization.Callbacks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Ready {
		return nil
	}
	return m.callbacks
}

func (m *Mount) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.l.Info("mount state", "state", s.String(), "mountId", m.id)
}

// closer collects shutdown steps, run in reverse order.
type closer struct {
	fns []func()
}

func (c *closer) add(fn func()) { c.fns = append(c.fns, fn) }

func (c *closer) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
}

// Run mounts the enlistment and blocks until ctx is cancelled. A startup
// failure is reported through the status endpoint for the configured
// linger period and then returned as *Error.
func (m *Mount) Run(ctx context.Context) error {
	var cleanup closer
	defer cleanup.run()

	runCtx, cancel := context.WithCancel(ctx)
	defer close(m.closing)
	var wg sync.WaitGroup
	stop := func() {
		cancel()
		wg.Wait()
	}
	cleanup.add(stop)

	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()

	// 1. One mount per enlistment.
	flock, err := filelock.TryLock(m.enl.MountLockPath())
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			err = fmt.Errorf("%w: %s", ErrAlreadyMounted, m.enl.Root)
		}
		return m.fatal("mount lock", err)
	}
	cleanup.add(func() { flock.Unlock() }) //nolint:errcheck

	// 2. Status endpoint first, so waiting clients can see progress.
	m.setState(Mounting)
	srv, err := m.serve()
	if err != nil {
		return m.fatal("ipc server", err)
	}
	cleanup.add(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
		os.Remove(m.enl.SocketPath())
	})

	if err := m.start(runCtx, &wg, stop, &cleanup); err != nil {
		return m.fail(ctx, err)
	}

	m.setState(Ready)
	m.l.Info("mounted", "enlistment", m.enl.Root, "mountId", m.id)

	<-ctx.Done()
	m.setState(Unmounting)
	return nil
}

// start runs startup steps 3 to 11. Goroutines it starts are tracked by wg
// and stopped by stop, which runs before the pool and feed are closed.
func (m *Mount) start(ctx context.Context, wg *sync.WaitGroup, stop func(), cleanup *closer) error {
	// 3. Repo metadata.
	md, err := metadata.Load(m.fs, m.enl.RepoMetadataPath())
	if err != nil {
		return &Error{Component: "repo metadata", Err: err}
	}

	// 4. Disk layout.
	dbConfig := database.Config{
		Path:               m.enl.PlaceholderDatabasePath(),
		InitialConnections: m.cfg.Database.InitialConnections,
		ConnectionWait:     m.cfg.Database.ConnectionWait,
		BusyTimeout:        m.cfg.Database.BusyTimeout,
	}
	pipeline := upgrade.NewPipeline(m.layout, upgrade.Env{
		Fs:                    m.fs,
		Metadata:              md,
		LegacyPlaceholderList: m.enl.LegacyPlaceholderListPath(),
		Database:              dbConfig,
	})
	if _, err := pipeline.Run(ctx); err != nil {
		return &Error{Component: "disk layout upgrade", Err: err}
	}

	// 5. Placeholder database.
	pool, err := database.Open(dbConfig)
	if err != nil {
		return &Error{Component: "placeholder database", Err: err}
	}
	cleanup.add(func() { pool.Close() }) //nolint:errcheck

	// 6. Table and modified-paths feed.
	table := placeholders.NewTable(pool)
	feed, err := modifiedpaths.Open(m.fs, m.enl.ModifiedPathsPath())
	if err != nil {
		return &Error{Component: "modified paths", Err: err}
	}
	cleanup.add(func() { feed.Close() }) //nolint:errcheck
	cleanup.add(stop)

	// 7. Git command lock.
	lock := gitlock.New(m.procs, m.cfg.Lock.LivenessTimeout)

	// 8. Hooks.
	if m.cfg.Hooks.InstallDir == "" {
		m.l.Info("hooks install directory not configured, skipping hook update")
	} else {
		installer := &hooks.Installer{Fs: m.fs, InstallDir: m.cfg.Hooks.InstallDir, HooksDir: m.enl.HooksDir()}
		if err := installer.Update(ctx); err != nil {
			return &Error{Component: "hooks", Err: err}
		}
	}

	// 9. Queue replay.
	queue := background.NewQueue(pool)
	loaded, err := queue.Load(ctx)
	if err != nil {
		return &Error{Component: "background queue", Err: err}
	}
	applier := background.NewFSApplier(m.fs, m.enl.WorkingDirectory, table, feed)
	worker := background.NewWorker(queue, applier, lock, m.cfg.Background)
	lock.OnExternalRelease(func(holder gitlock.LockHolder) {
		m.scheduleTombstoneCleanup(ctx, table, queue)
		worker.Wake()
	})
	if loaded > 0 {
		m.l.Info("replaying queued operations", "count", loaded)
		remaining, err := worker.Replay(ctx)
		if err != nil {
			return &Error{Component: "background queue", Err: err}
		}
		if remaining > 0 {
			m.l.Warn("replay incomplete, continuing in background", "remaining", remaining)
		}
	}

	// 10. Callbacks, then the worker that invalidates their cache.
	cache := virtualization.NewProjectionCache(m.cfg.Cache.ProjectionTTL, m.cfg.Cache.ProjectionCapacity)
	go cache.Start()
	cleanup.add(cache.Stop)
	callbacks := virtualization.NewCallbacks(table, queue, cache)
	worker.OnApplied(callbacks.Invalidate)

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// 11. Optional watcher.

	if m.cfg.Mount.Watch {
		ignore := virtualization.LoadIgnore(m.fs, filepath.Join(m.enl.DotRoot, virtualization.IgnoreFileName))
		watcher, err := virtualization.NewWatcher(m.enl.WorkingDirectory, callbacks, ignore)
		if err != nil {
			return &Error{Component: "watcher", Err: err}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
				m.l.Warn("watcher stopped unexpectedly", "err", err)
			}
		}()
	}

	m.mu.Lock()
	m.lock = lock
	m.queue = queue
	m.worker = worker
	m.feed = feed
	m.table = table
	m.callbacks = callbacks
	m.mu.Unlock()
	return nil
}

// scheduleTombstoneCleanup queues a TombstoneCleanup for every tombstone
// that does not already have one pending.
func (m *Mount) scheduleTombstoneCleanup(ctx context.Context, table *placeholders.Table, queue *background.Queue) {
	tombstones, err := table.GetTombstones(ctx)
	if err != nil {
		m.l.Error("list tombstones failed", "err", err)
		return
	}
	if len(tombstones) == 0 {
		return
	}

	queued := make(map[string]struct{})
	for _, op := range queue.Peek(queue.Len()) {
		if op.Type == background.TombstoneCleanup {
			queued[placeholders.Key(op.Path)] = struct{}{}
		}
	}

	scheduled := 0
	for _, t := range tombstones {
		if _, ok := queued[placeholders.Key(t.Path)]; ok {
			continue
		}
		if _, err := queue.Enqueue(ctx, background.Operation{Type: background.TombstoneCleanup, Path: t.Path}); err != nil {
			m.l.Error("enqueue tombstone cleanup failed", "path", t.Path, "err", err)
			return
		}
		scheduled++
	}
	m.l.Debug("tombstone cleanup scheduled", "count", scheduled)
}

func (m *Mount) serve() (*http.Server, error) {
	socket := m.enl.SocketPath()
	// Safe while holding the mount lock: any socket left here is stale.
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socket, err)
	}

	srv := &http.Server{
		Handler:           newRouter(m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.l.Error("ipc server stopped", "err", err)
		}
	}()
	m.l.Info("ipc listening", "socket", socket)
	return srv, nil
}

// fatal reports a failure that happened before the status endpoint exists.
func (m *Mount) fatal(component string, err error) error {
	merr := &Error{Component: component, Err: err, LogDir: logging.Dir()}
	m.mu.Lock()
	m.state = Failed
	m.failure = merr
	m.mu.Unlock()
	m.l.Error("mount failed", "component", component, "err", err)
	return merr
}

// fail marks the mount Failed and keeps the status endpoint up for the
// linger period so waiting clients can read the reason.
func (m *Mount) fail(ctx context.Context, err error) error {
	var merr *Error
	if !errors.As(err, &merr) {
		merr = &Error{Component: "mount", Err: err}
	}
	merr.LogDir = logging.Dir()
	m.mu.Lock()
	m.state = Failed
	m.failure = merr
	m.mu.Unlock()
	m.l.Error("mount failed", "component", merr.Component, "err", merr.Err)

	if linger := m.cfg.Mount.FailedLinger; linger > 0 {
		select {
		case <-time.After(linger):
		case <-ctx.Done():
		}
	}
	return merr
}
