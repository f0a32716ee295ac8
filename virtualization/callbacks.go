// Package virtualization is the entry point for notifications from the
// filesystem provider. Reads are answered from the placeholder table;
// mutations are queued for the background worker.
package virtualization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/ghyeongl/lazytree/background"
	"github.com/ghyeongl/lazytree/logging"
	"github.com/ghyeongl/lazytree/placeholders"
)

// Status is the outcome of a callback.
type Status int

const (
	// Projected: the path is (now) a placeholder the provider may serve.
	Projected Status = iota
	// NotFound: the path is not part of the projection.
	NotFound
	// Pending: the work is durably queued and will be applied later.
	Pending
	// Handled: the callback completed synchronously.
	Handled
)

var statusNames = map[Status]string{
	Projected: "Projected",
	NotFound:  "NotFound",
	Pending:   "Pending",
	Handled:   "Handled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is returned by every callback.
type Result struct {
	Status Status `json:"status"`
	// Entry is the placeholder backing a Projected result.
	Entry *placeholders.Entry `json:"entry,omitempty"`
	// Op is the queued operation of a Pending result.
	Op *background.Operation `json:"op,omitempty"`
}

// ErrNotAFolder is returned when a path's ancestor is recorded as a file.
var ErrNotAFolder = errors.New("ancestor is not a folder")

// Store is the part of the placeholder table the callbacks use.
type Store interface {
	Get(ctx context.Context, path string) (*placeholders.Entry, error)
	AddFile(ctx context.Context, path, contentID string) error
	AddPartialFolder(ctx context.Context, path string) error
	AddTombstone(ctx context.Context, path string, isFolder bool) error
}

// Enqueuer durably queues background operations.
type Enqueuer interface {
	Enqueue(ctx context.Context, op background.Operation) (background.Operation, error)
}

// Callbacks answers provider notifications for one mount.
type Callbacks struct {
	store Store
	queue Enqueuer
	cache *ProjectionCache

	// Serializes ancestor creation so two opens under the same new folder
	// do not race to insert it.
	mu sync.Mutex
}

// NewCallbacks wires the callbacks. cache may be nil.
func NewCallbacks(store Store, queue Enqueuer, cache *ProjectionCache) *Callbacks {
	return &Callbacks{store: store, queue: queue, cache: cache}
}

func (c *Callbacks) lookup(ctx context.Context, path string) (*placeholders.Entry, error) {
	if e, ok := c.cache.Get(path); ok {
		return &e, nil
	}
	e, err := c.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if e != nil {
		c.cache.Set(*e)
	}
	return e, nil
}

// OnFileOpen is called when a file is opened. contentID is the blob the
// projection holds for path, or empty if the projection has no such file.
// An existing placeholder is served as is; otherwise a File placeholder is
// created below ancestors created top-down.
func (c *Callbacks) OnFileOpen(ctx context.Context, path, contentID string) (Result, error) {
	path = placeholders.NormalizePath(path)

	e, err := c.lookup(ctx, path)
	if err != nil {
		return Result{}, err
	}
	if e != nil {
		if e.Kind.IsTombstone() || e.Kind.IsFolder() {
			return Result{Status: NotFound}, nil
		}
		return Result{Status: Projected, Entry: e}, nil
	}
	if contentID == "" {
		return Result{Status: NotFound}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ok, err := c.ensureAncestors(ctx, path)
	if err != nil || !ok {
		return Result{Status: NotFound}, err
	}
	if err := c.store.AddFile(ctx, path, contentID); err != nil {
		return Result{}, err
	}
	created := placeholders.Entry{Path: path, Kind: placeholders.File, ContentID: contentID}
	c.cache.Set(created)

	if logging.Enabled(slog.LevelDebug) {
		logging.Sub("callbacks").Debug("file projected", "path", path)
	}
	return Result{Status: Projected, Entry: &created}, nil
}

// OnDirectoryEnumerate is called when a directory is listed. The directory
// and its ancestors become PartialFolder placeholders unless they already
// are folders; a FullFolder is never downgraded.
func (c *Callbacks) OnDirectoryEnumerate(ctx context.Context, path string) (Result, error) {
	path = placeholders.NormalizePath(path)
	if path == "" {
		return Result{Status: Handled}, nil
	}

	e, err := c.lookup(ctx, path)
	if err != nil {
		return Result{}, err
	}
	if e != nil {
		if !e.Kind.IsFolder() || e.Kind.IsTombstone() {
			return Result{Status: NotFound}, nil
		}
		return Result{Status: Projected, Entry: e}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ok, err := c.ensureAncestors(ctx, path)
	if err != nil || !ok {
		return Result{Status: NotFound}, err
	}
	if err := c.store.AddPartialFolder(ctx, path); err != nil {
		return Result{}, err
	}
	created := placeholders.Entry{Path: path, Kind: placeholders.PartialFolder}
	c.cache.Set(created)
	return Result{Status: Projected, Entry: &created}, nil
}

// ensureAncestors creates the missing parent folders of path, outermost
// first. It reports false if an ancestor is a tombstone or a file. Callers
// hold c.mu.
func (c *Callbacks) ensureAncestors(ctx context.Context, path string) (bool, error) {
	ancestors := placeholders.Ancestors(path)
	existing := make(map[string]*placeholders.Entry, len(ancestors))
	for _, a := range ancestors {
		e, err := c.lookup(ctx, a)
		if err != nil {
			return false, err
		}
		if e == nil {
			continue
		}
		if e.Kind.IsTombstone() {
			return false, nil
		}
		if !e.Kind.IsFolder() {
			return false, fmt.Errorf("%s: %w", a, ErrNotAFolder)
		}
		existing[a] = e
	}

	missing := lo.Filter(ancestors, func(a string, _ int) bool {
		_, ok := existing[a]
		return !ok
	})
	for _, a := range missing {
		if err := c.store.AddPartialFolder(ctx, a); err != nil {
			return false, err
		}
		c.cache.Set(placeholders.Entry{Path: a, Kind: placeholders.PartialFolder})
	}
	return true, nil
}

func (c *Callbacks) enqueue(ctx context.Context, op background.Operation) (Result, error) {
	queued, err := c.queue.Enqueue(ctx, op)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: Pending, Op: &queued}, nil
}

// OnFileDelete queues the deletion of path. It returns Pending once the
// operation is durable.
func (c *Callbacks) OnFileDelete(ctx context.Context, path string) (Result, error) {
	c.cache.Invalidate(path)
	return c.enqueue(ctx, background.Operation{Type: background.FileDeleted, Path: placeholders.NormalizePath(path)})
}

// OnDirectoryDelete queues the deletion of the directory at path.
func (c *Callbacks) OnDirectoryDelete(ctx context.Context, path string) (Result, error) {
	c.cache.InvalidateTree(path)
	return c.enqueue(ctx, background.Operation{Type: background.DirectoryDeleted, Path: placeholders.NormalizePath(path)})
}

// OnRename queues the bookkeeping for a rename the provider already
// performed.
func (c *Callbacks) OnRename(ctx context.Context, oldPath, newPath string, isFolder bool) (Result, error) {
	op := background.Operation{
		Type:    background.FileRenamed,
		Path:    placeholders.NormalizePath(newPath),
		OldPath: placeholders.NormalizePath(oldPath),
	}
	if isFolder {
		op.Type = background.DirectoryRenamed
		c.cache.InvalidateTree(oldPath)
		c.cache.InvalidateTree(newPath)
	} else {
		c.cache.Invalidate(oldPath)
		c.cache.Invalidate(newPath)
	}
	return c.enqueue(ctx, op)
}

// OnFileCreated queues the bookkeeping for a file the user created.
func (c *Callbacks) OnFileCreated(ctx context.Context, path string) (Result, error) {
	c.cache.Invalidate(path)
	return c.enqueue(ctx, background.Operation{Type: background.FileCreated, Path: placeholders.NormalizePath(path)})
}

// OnDirectoryHydrated queues the conversion of a fully listed directory to
// a FullFolder.
func (c *Callbacks) OnDirectoryHydrated(ctx context.Context, path string) (Result, error) {
	c.cache.Invalidate(path)
	return c.enqueue(ctx, background.Operation{Type: background.DirectoryMaterialized, Path: placeholders.NormalizePath(path)})
}

// OnTombstone records that path was deleted and must not be projected
// again. The row is dropped by a TombstoneCleanup operation later.
func (c *Callbacks) OnTombstone(ctx context.Context, path string, isFolder bool) (Result, error) {
	path = placeholders.NormalizePath(path)
	if isFolder {
		c.cache.InvalidateTree(path)
	} else {
		c.cache.Invalidate(path)
	}
	if err := c.store.AddTombstone(ctx, path, isFolder); err != nil {
		return Result{}, err
	}
	logging.Sub("callbacks").Debug("tombstone recorded", "path", path, "folder", isFolder)
	return Result{Status: Handled}, nil
}

// Invalidate drops cached state that op changed. The worker calls it after
// applying each queue operation.
func (c *Callbacks) Invalidate(op background.Operation) {
	switch op.Type {
	case background.DirectoryDeleted, background.DirectoryRenamed:
		c.cache.InvalidateTree(op.Path)
		if op.OldPath != "" {
			c.cache.InvalidateTree(op.OldPath)
		}
	default:
		c.cache.Invalidate(op.Path)
		for _, a := range placeholders.Ancestors(op.Path) {
			c.cache.Invalidate(a)
		}
		if op.OldPath != "" {
			c.cache.Invalidate(op.OldPath)
		}
	}
}
