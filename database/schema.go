package database

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ghyeongl/lazytree/logging"
)

// SchemaVersion is recorded in PRAGMA user_version once the store is initialized.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS Placeholder (
    pathKey  TEXT PRIMARY KEY,
    path     TEXT NOT NULL,
    pathType TINYINT NOT NULL,
    sha      CHAR(40)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS BackgroundOperation (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    opType     TINYINT NOT NULL,
    path       TEXT NOT NULL,
    oldPath    TEXT,
    enqueuedAt INTEGER NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0
);
`

// initialize applies store-level settings and the schema once per store.
// Later opens see user_version at SchemaVersion and skip it.
func initialize(conn *sqlite.Conn) (err error) {
	l := logging.Sub("database")

	version, err := UserVersion(conn)
	if err != nil {
		return err
	}
	if version >= SchemaVersion {
		l.Debug("schema up to date", slog.Int("version", version))
		return nil
	}

	// journal_mode cannot change inside a transaction.
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode=WAL", nil); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer endFn(&err)

	if version < 1 {
		if err := sqlitex.ExecuteScript(conn, schemaV1, nil); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion), nil); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	l.Info("schema initialized", "from", version, "to", SchemaVersion)
	return nil
}

// UserVersion reads PRAGMA user_version.
func UserVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}
