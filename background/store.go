package background

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ghyeongl/lazytree/database"
)

// store persists operations in the BackgroundOperation table.
type store struct {
	pool *database.Pool
}

func (s *store) insert(ctx context.Context, op Operation) (int64, error) {
	var id int64
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var oldPath any
		if op.OldPath != "" {
			oldPath = op.OldPath
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO BackgroundOperation (opType, path, oldPath, enqueuedAt, attempts) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{int(op.Type), op.Path, oldPath, op.EnqueuedAt.UnixNano(), op.Attempts}})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert background operation: %w", err)
	}
	return id, nil
}

func (s *store) list(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, opType, path, oldPath, enqueuedAt, attempts FROM BackgroundOperation ORDER BY id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ops = append(ops, Operation{
						SequenceID: stmt.ColumnInt64(0),
						Type:       OpType(stmt.ColumnInt(1)),
						Path:       stmt.ColumnText(2),
						OldPath:    stmt.ColumnText(3),
						EnqueuedAt: time.Unix(0, stmt.ColumnInt64(4)),
						Attempts:   stmt.ColumnInt(5),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("list background operations: %w", err)
	}
	return ops, nil
}

func (s *store) delete(ctx context.Context, id int64) error {
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM BackgroundOperation WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
	})
	if err != nil {
		return fmt.Errorf("delete background operation %d: %w", id, err)
	}
	return nil
}

func (s *store) bumpAttempts(ctx context.Context, id int64) (int, error) {
	attempts := -1
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`UPDATE BackgroundOperation SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					attempts = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("record attempt for background operation %d: %w", id, err)
	}
	return attempts, nil
}
