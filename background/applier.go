package background

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ghyeongl/lazytree/logging"
	"github.com/ghyeongl/lazytree/placeholders"
)

// Applier performs one operation's effects.
type Applier interface {
	Apply(ctx context.Context, op Operation) error
}

// PlaceholderStore is the part of the placeholder table the applier updates.
type PlaceholderStore interface {
	Get(ctx context.Context, path string) (*placeholders.Entry, error)
	Remove(ctx context.Context, path string) error
	RemoveTree(ctx context.Context, path string) (int, error)
	AddPartialFolder(ctx context.Context, path string) error
	AddFullFolder(ctx context.Context, path string) error
}

// ModifiedPathsFeed records paths Git must re-examine.
type ModifiedPathsFeed interface {
	Add(path string, isFolder bool) (bool, error)
}

// FSApplier applies operations to a working directory on fs. Every step is
// idempotent, so an operation interrupted by a crash can be applied again.
type FSApplier struct {
	fs       afero.Fs
	root     string
	table    PlaceholderStore
	modified ModifiedPathsFeed
}

// NewFSApplier returns an applier rooted at the working directory root.
func NewFSApplier(fsys afero.Fs, root string, table PlaceholderStore, modified ModifiedPathsFeed) *FSApplier {
	return &FSApplier{fs: fsys, root: root, table: table, modified: modified}
}

// Apply runs the filesystem effect first, then the table update, then the
// modified-paths record.
func (a *FSApplier) Apply(ctx context.Context, op Operation) error {
	l := logging.Sub("applier")
	l.Debug("apply", "op", op.String())

	var err error
	switch op.Type {
	case FileDeleted:
		err = a.fileDeleted(ctx, op.Path)
	case DirectoryDeleted:
		err = a.directoryDeleted(ctx, op.Path)
	case FileRenamed:
		err = a.fileRenamed(ctx, op.OldPath, op.Path)
	case DirectoryRenamed:
		err = a.directoryRenamed(ctx, op.OldPath, op.Path)
	case FileCreated:
		err = a.fileCreated(ctx, op.Path)
	case DirectoryMaterialized:
		err = a.directoryMaterialized(ctx, op.Path)
	case TombstoneCleanup:
		err = a.tombstoneCleanup(ctx, op.Path)
	default:
		err = fmt.Errorf("%w: type %d", ErrInvalidOperation, int(op.Type))
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", op, err)
	}
	return nil
}

func (a *FSApplier) abs(path string) string {
	return filepath.Join(a.root, placeholders.NormalizePath(path))
}

func (a *FSApplier) fileDeleted(ctx context.Context, path string) error {
	if err := a.fs.Remove(a.abs(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	if err := a.table.Remove(ctx, path); err != nil {
		return err
	}
	return a.record(path, false)
}

func (a *FSApplier) directoryDeleted(ctx context.Context, path string) error {
	if err := a.fs.RemoveAll(a.abs(path)); err != nil {
		return fmt.Errorf("remove directory: %w", err)
	}
	if _, err := a.table.RemoveTree(ctx, path); err != nil {
		return err
	}
	return a.record(path, true)
}

func (a *FSApplier) fileRenamed(ctx context.Context, oldPath, newPath string) error {
	if err := a.table.Remove(ctx, oldPath); err != nil {
		return err
	}
	if err := a.table.Remove(ctx, newPath); err != nil {
		return err
	}
	if err := a.record(oldPath, false); err != nil {
		return err
	}
	return a.record(newPath, false)
}

func (a *FSApplier) directoryRenamed(ctx context.Context, oldPath, newPath string) error {
	if _, err := a.table.RemoveTree(ctx, oldPath); err != nil {
		return err
	}
	if err := a.record(oldPath, true); err != nil {
		return err
	}
	return a.record(newPath, true)
}

// fileCreated drops any placeholder for path: the file now belongs to the
// user.
func (a *FSApplier) fileCreated(ctx context.Context, path string) error {
	if err := a.table.Remove(ctx, path); err != nil {
		return err
	}
	return a.record(path, false)
}

func (a *FSApplier) directoryMaterialized(ctx context.Context, path string) error {
	if err := a.fs.MkdirAll(a.abs(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	for _, ancestor := range placeholders.Ancestors(path) {
		e, err := a.table.Get(ctx, ancestor)
		if err != nil {
			return err
		}
		if e != nil && e.Kind.IsFolder() && !e.Kind.IsTombstone() {
			continue
		}
		if err := a.table.AddPartialFolder(ctx, ancestor); err != nil {
			return err
		}
	}
	return a.table.AddFullFolder(ctx, path)
}

// tombstoneCleanup drops a tombstone row once nothing is left on disk for
// it. A leftover empty directory is removed; a non-empty one keeps the
// tombstone.
func (a *FSApplier) tombstoneCleanup(ctx context.Context, path string) error {
	e, err := a.table.Get(ctx, path)
	if err != nil {
		return err
	}
	if e == nil || !e.Kind.IsTombstone() {
		return nil
	}

	if e.Kind == placeholders.TombstoneFolder {
		abs := a.abs(path)
		entries, err := afero.ReadDir(a.fs, abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read tombstone directory: %w", err)
		case len(entries) > 0:
			logging.Sub("applier").Info("tombstone directory not empty, keeping", "path", path, "entries", len(entries))
			return nil
		default:
			if err := a.fs.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove tombstone directory: %w", err)
			}
		}
	}
	return a.table.Remove(ctx, path)
}

func (a *FSApplier) record(path string, isFolder bool) error {
	if a.modified == nil {
		return nil
	}
	if _, err := a.modified.Add(path, isFolder); err != nil {
		return err
	}
	return nil
}
