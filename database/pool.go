package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ghyeongl/lazytree/logging"
)

const (
	DefaultInitialConnections = 5
	DefaultConnectionWait     = 50 * time.Millisecond
	DefaultBusyTimeout        = 5 * time.Second
)

// ErrDatabase is matched by every pool construction or connection-open failure.
var ErrDatabase = errors.New("database error")

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("database: connection pool is closed")

// Error wraps a pool failure with the operation and database path.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("database %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrDatabase, e.Err}
}

// Config holds the parameters for opening a Pool. Path is required.
type Config struct {
	Path string
	// InitialConnections is both the number of pre-warmed connections and
	// the number of idle connections the pool retains.
	InitialConnections int
	// ConnectionWait bounds how long Get waits for an idle connection
	// before opening a fresh one.
	ConnectionWait time.Duration
	BusyTimeout    time.Duration
	// Opener replaces sqlite.OpenConn.
	Opener func(path string) (*sqlite.Conn, error)
}

// Pool is a bounded set of reusable SQLite connections with overflow.
// Get never blocks longer than ConnectionWait; when no idle connection
// shows up in time a new one is opened. Released connections beyond the
// pool's capacity are closed.
type Pool struct {
	path        string
	open        func(path string) (*sqlite.Conn, error)
	wait        time.Duration
	busyTimeout time.Duration

	idle chan *sqlite.Conn

	mu     sync.RWMutex
	closed bool
}

// Open creates the database directory, pre-warms the pool and brings the
// schema up to date. It either returns a fully initialized pool or an
// *Error, never a partial pool.
func Open(cfg Config) (*Pool, error) {
	l := logging.Sub("database")

	if cfg.Path == "" {
		return nil, &Error{Op: "open", Err: errors.New("path is required")}
	}
	if cfg.InitialConnections <= 0 {
		cfg.InitialConnections = DefaultInitialConnections
	}
	if cfg.ConnectionWait <= 0 {
		cfg.ConnectionWait = DefaultConnectionWait
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Opener == nil {
		cfg.Opener = openConn
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, &Error{Op: "create directory", Path: cfg.Path, Err: err}
	}

	p := &Pool{
		path:        cfg.Path,
		open:        cfg.Opener,
		wait:        cfg.ConnectionWait,
		busyTimeout: cfg.BusyTimeout,
		idle:        make(chan *sqlite.Conn, cfg.InitialConnections),
	}

	for i := 0; i < cfg.InitialConnections; i++ {
		conn, err := p.newConn()
		if err != nil {
			p.drainIdle()
			return nil, &Error{Op: "prewarm", Path: cfg.Path, Err: err}
		}
		if i == 0 {
			if err := initialize(conn); err != nil {
				conn.Close() //nolint:errcheck
				p.drainIdle()
				return nil, &Error{Op: "initialize", Path: cfg.Path, Err: err}
			}
		}
		p.idle <- conn
	}

	l.Info("connection pool opened", "path", cfg.Path, "connections", cfg.InitialConnections)
	return p, nil
}

// Conn is a connection checked out of a Pool. Callers must Release it,
// typically via defer.
type Conn struct {
	conn *sqlite.Conn
	pool *Pool
	once sync.Once
}

// SQLite returns the underlying connection. It must not be used after Release.
func (c *Conn) SQLite() *sqlite.Conn {
	return c.conn
}

// Release returns the connection to its pool, or closes it if the pool is
// full or closed. Safe to call more than once.
func (c *Conn) Release() {
	c.once.Do(func() {
		c.pool.put(c.conn)
	})
}

// Get returns an idle connection, waiting at most ConnectionWait, then
// falls back to opening a fresh connection.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case conn := <-p.idle:
		return &Conn{conn: conn, pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if logging.Enabled(slog.LevelDebug) {
		logging.Sub("database").Debug("pool empty, opening overflow connection", "path", p.path)
	}
	conn, err := p.newConn()
	if err != nil {
		return nil, &Error{Op: "open", Path: p.path, Err: err}
	}
	return &Conn{conn: conn, pool: p}, nil
}

// With runs fn on a pooled connection and releases it afterwards.
func (p *Pool) With(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	c, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(c.SQLite())
}

// Idle returns the number of pooled connections waiting to be reused.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// Path returns the database file path.
func (p *Pool) Path() string {
	return p.path
}

// Close closes every idle connection. Connections still checked out are
// closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.drainIdle()
	logging.Sub("database").Info("connection pool closed", "path", p.path)
	return err
}

func (p *Pool) put(conn *sqlite.Conn) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		conn.Close() //nolint:errcheck
		return
	}
	select {
	case p.idle <- conn:
	default:
		conn.Close() //nolint:errcheck
	}
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) drainIdle() error {
	var errs []error
	for {
		select {
		case conn := <-p.idle:
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

// newConn opens a connection and applies the per-connection pragmas.
func (p *Pool) newConn() (*sqlite.Conn, error) {
	conn, err := p.open(p.path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA cache_size=-40000",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", p.busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close() //nolint:errcheck
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

func openConn(path string) (*sqlite.Conn, error) {
	return sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenURI)
}
