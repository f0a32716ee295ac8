package placeholders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/logging"
)

var (
	ErrEmptyPath        = errors.New("placeholder path is empty")
	ErrInvalidContentID = errors.New("placeholder content id must be a 40 character hex sha")
	ErrInvalidKind      = errors.New("invalid placeholder kind")
)

// Table is the Placeholder table: every path the engine has projected
// into the working directory, keyed case-insensitively.
type Table struct {
	pool *database.Pool
}

// NewTable creates a Table backed by the given pool.
func NewTable(pool *database.Pool) *Table {
	return &Table{pool: pool}
}

func (t *Table) AddFile(ctx context.Context, path, contentID string) error {
	return t.AddEntry(ctx, Entry{Path: path, Kind: File, ContentID: contentID})
}

func (t *Table) AddPartialFolder(ctx context.Context, path string) error {
	return t.AddEntry(ctx, Entry{Path: path, Kind: PartialFolder})
}

func (t *Table) AddFullFolder(ctx context.Context, path string) error {
	return t.AddEntry(ctx, Entry{Path: path, Kind: FullFolder})
}

func (t *Table) AddTombstone(ctx context.Context, path string, isFolder bool) error {
	kind := TombstoneFile
	if isFolder {
		kind = TombstoneFolder
	}
	return t.AddEntry(ctx, Entry{Path: path, Kind: kind})
}

// AddEntry upserts e by path. Re-adding the same path replaces its kind
// and content id; the latest spelling of the path is kept for display.
func (t *Table) AddEntry(ctx context.Context, e Entry) error {
	l := logging.Sub("placeholders")
	path := NormalizePath(e.Path)
	if path == "" {
		return ErrEmptyPath
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, int(e.Kind))
	}

	var sha any
	if e.Kind == File {
		if !ValidContentID(e.ContentID) {
			return fmt.Errorf("%s: %w", path, ErrInvalidContentID)
		}
		sha = e.ContentID
	}

	if logging.Enabled(slog.LevelDebug) {
		l.Debug("AddEntry", "path", path, "kind", e.Kind)
	}

	err := t.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO Placeholder (pathKey, path, pathType, sha)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(pathKey) DO UPDATE SET
				path     = excluded.path,
				pathType = excluded.pathType,
				sha      = excluded.sha
		`, &sqlitex.ExecOptions{Args: []any{Key(path), path, int(e.Kind), sha}})
	})
	if err != nil {
		l.Error("AddEntry failed", "path", path, "kind", e.Kind, "err", err)
		return fmt.Errorf("add placeholder %s: %w", path, err)
	}
	return nil
}

// Get returns the entry for path, or nil if there is none.
func (t *Table) Get(ctx context.Context, path string) (*Entry, error) {
	var found *Entry
	err := t.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT path, pathType, sha FROM Placeholder WHERE pathKey = ?`,
			&sqlitex.ExecOptions{
				Args: []any{Key(path)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					e := scanEntry(stmt)
					found = &e
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("get placeholder %s: %w", path, err)
	}
	return found, nil
}

// IsPathProjected reports whether path has a non-tombstone entry. It is a
// primary key lookup.
func (t *Table) IsPathProjected(ctx context.Context, path string) (bool, error) {
	e, err := t.Get(ctx, path)
	if err != nil {
		return false, err
	}
	return e != nil && e.IsProjected(), nil
}

// GetAllEntries returns every entry, ordered by key, read inside a single
// transaction.
func (t *Table) GetAllEntries(ctx context.Context) ([]Entry, error) {
	return t.list(ctx, `SELECT path, pathType, sha FROM Placeholder ORDER BY pathKey`)
}

// GetTombstones returns every tombstone entry.
func (t *Table) GetTombstones(ctx context.Context) ([]Entry, error) {
	return t.list(ctx, fmt.Sprintf(
		`SELECT path, pathType, sha FROM Placeholder WHERE pathType IN (%d, %d) ORDER BY pathKey`,
		int(TombstoneFolder), int(TombstoneFile)))
}

func (t *Table) list(ctx context.Context, query string) ([]Entry, error) {
	var entries []Entry
	err := t.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Transaction(conn)(&err)
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, scanEntry(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list placeholders: %w", err)
	}
	if logging.Enabled(slog.LevelDebug) {
		logging.Sub("placeholders").Debug("list", "count", len(entries))
	}
	return entries, nil
}

// Remove deletes the entry for path. Removing an absent path is not an error.
func (t *Table) Remove(ctx context.Context, path string) error {
	logging.Sub("placeholders").Debug("Remove", "path", path)
	err := t.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM Placeholder WHERE pathKey = ?`,
			&sqlitex.ExecOptions{Args: []any{Key(path)}})
	})
	if err != nil {
		return fmt.Errorf("remove placeholder %s: %w", path, err)
	}
	return nil
}

// RemoveTree deletes path and every entry below it. Returns the number of
// rows removed.
func (t *Table) RemoveTree(ctx context.Context, path string) (int, error) {
	key := Key(path)
	if key == "" {
		return 0, ErrEmptyPath
	}
	lo, hi := childKeyRange(key)

	var removed int
	err := t.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM Placeholder WHERE pathKey = ? OR (pathKey >= ? AND pathKey < ?)`,
			&sqlitex.ExecOptions{Args: []any{key, lo, hi}})
		removed = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("remove placeholder tree %s: %w", path, err)
	}
	logging.Sub("placeholders").Debug("RemoveTree", "path", path, "removed", removed)
	return removed, nil
}

// Count returns the number of entries, tombstones included.
func (t *Table) Count(ctx context.Context) (int, error) {
	var n int
	err := t.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT COUNT(*) FROM Placeholder`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count placeholders: %w", err)
	}
	return n, nil
}

func scanEntry(stmt *sqlite.Stmt) Entry {
	return Entry{
		Path:      stmt.ColumnText(0),
		Kind:      Kind(stmt.ColumnInt(1)),
		ContentID: stmt.ColumnText(2),
	}
}

// childKeyRange returns the half-open key range [lo, hi) holding every
// descendant of key.
func childKeyRange(key string) (lo, hi string) {
	sep := byte(filepath.Separator)
	return key + string(sep), key + string(sep+1)
}
