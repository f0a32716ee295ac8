// Package filebased reads and writes the line-oriented collection files kept
// in the enlistment's databases directory. Every line is an operation marker,
// a space and a body, terminated by CRLF:
//
//	A <body>
//	D <body>
package filebased

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/ghyeongl/lazytree/logging"
)

const (
	OpAdd    byte = 'A'
	OpDelete byte = 'D'

	lineTerminator = "\r\n"
	tmpSuffix      = ".tmp"
)

var ErrMalformedRecord = errors.New("malformed record")

// Record is one line of a collection file.
type Record struct {
	Op   byte
	Body string
}

func (r Record) String() string {
	return string(r.Op) + " " + r.Body + lineTerminator
}

// ReadRecords returns every complete record in path. A final line without
// a terminator is a torn append and is skipped.
func ReadRecords(fs afero.Fs, path string) ([]Record, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	if last := lines[len(lines)-1]; last != "" {
		logging.Sub("filebased").Warn("skipping torn record", "path", path, "bytes", len(last))
	}
	lines = lines[:len(lines)-1]

	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if len(line) < 2 || line[1] != ' ' || (line[0] != OpAdd && line[0] != OpDelete) {
			return nil, fmt.Errorf("%s line %d: %w", path, i+1, ErrMalformedRecord)
		}
		records = append(records, Record{Op: line[0], Body: line[2:]})
	}
	return records, nil
}

// WriteAtomic replaces path with records. The content goes to a temp file
// that is synced and renamed over path, so readers see either the old or
// the new file.
func WriteAtomic(fs afero.Fs, path string, records []Record) error {
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(r.String())
	}

	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmpPath := path + tmpSuffix
	f, err := fs.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		fs.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fs.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("close tmp: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		fs.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("rename tmp to %s: %w", path, err)
	}
	syncDir(fs, dir)
	return nil
}

// syncDir makes a completed rename durable. Not every platform can open a
// directory for syncing, so failures are ignored.
func syncDir(fs afero.Fs, dir string) {
	d, err := fs.Open(dir)
	if err != nil {
		return
	}
	d.Sync() //nolint:errcheck
	d.Close()
}

// AppendLog appends records to a collection file, syncing after every write.
type AppendLog struct {
	mu   sync.Mutex
	path string
	f    afero.File
}

// OpenAppendLog opens (or creates) path for appending. A torn final record
// is cut off first so the next append starts on a fresh line.
func OpenAppendLog(fs afero.Fs, path string) (*AppendLog, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := truncateTornTail(fs, path); err != nil {
		return nil, err
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &AppendLog{path: path, f: f}, nil
}

// truncateTornTail shrinks path back to its last line terminator.
func truncateTornTail(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}

	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	f, err := fs.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("truncate torn tail of %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	logging.Sub("filebased").Warn("truncated torn record", "path", path, "bytes", int64(len(data))-keep)
	return nil
}

// Append writes records in a single write and syncs the file.
func (a *AppendLog) Append(records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(r.String())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return fmt.Errorf("append to %s: %w", a.path, os.ErrClosed)
	}
	if _, err := a.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to %s: %w", a.path, err)
	}
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", a.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (a *AppendLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}
