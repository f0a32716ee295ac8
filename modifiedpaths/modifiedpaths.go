// Package modifiedpaths maintains the feed of paths Git must stop trusting
// the index for. Entries are Git-style paths (forward slashes); folders end
// with a trailing slash.
package modifiedpaths

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/ghyeongl/lazytree/filebased"
	"github.com/ghyeongl/lazytree/logging"
)

// Feed is the append-only ModifiedPaths.dat plus an in-memory set used to
// skip duplicates.
type Feed struct {
	mu    sync.Mutex
	log   *filebased.AppendLog
	paths map[string]struct{}
	order []string
}

// Open loads the existing feed at path and opens it for appending.
func Open(fsys afero.Fs, path string) (*Feed, error) {
	f := &Feed{paths: make(map[string]struct{})}

	records, err := filebased.ReadRecords(fsys, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read modified paths: %w", err)
	}
	for _, r := range records {
		switch r.Op {
		case filebased.OpAdd:
			f.insert(r.Body)
		case filebased.OpDelete:
			f.drop(r.Body)
		}
	}

	log, err := filebased.OpenAppendLog(fsys, path)
	if err != nil {
		return nil, err
	}
	f.log = log

	logging.Sub("modifiedpaths").Debug("loaded", "path", path, "entries", len(f.order))
	return f, nil
}

// GitPath converts a repo-relative OS path to the feed's form.
func GitPath(path string, isFolder bool) string {
	p := strings.Trim(filepath.ToSlash(filepath.Clean(path)), "/")
	if p == "." {
		p = ""
	}
	if isFolder && p != "" {
		p += "/"
	}
	return p
}

// Add records path unless it is already in the feed. It reports whether a
// line was appended.
func (f *Feed) Add(path string, isFolder bool) (bool, error) {
	entry := GitPath(path, isFolder)
	if entry == "" {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.paths[entry]; ok {
		return false, nil
	}
	if err := f.log.Append(filebased.Record{Op: filebased.OpAdd, Body: entry}); err != nil {
		return false, fmt.Errorf("add modified path %s: %w", entry, err)
	}
	f.insert(entry)
	return true, nil
}

// Contains reports whether path (as a file or folder) is already recorded.
func (f *Feed) Contains(path string, isFolder bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.paths[GitPath(path, isFolder)]
	return ok
}

// All returns the recorded entries in the order they were first added.
func (f *Feed) All() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *Feed) Close() error {
	return f.log.Close()
}

func (f *Feed) insert(entry string) {
	if _, ok := f.paths[entry]; ok {
		return
	}
	f.paths[entry] = struct{}{}
	f.order = append(f.order, entry)
}

func (f *Feed) drop(entry string) {
	if _, ok := f.paths[entry]; !ok {
		return
	}
	delete(f.paths, entry)
	for i, e := range f.order {
		if e == entry {
			f.order = append(f.order[:i], f.order[i+1:]...)
			return
		}
	}
}
