// Package metadata stores the per-enlistment key/value settings in
// RepoMetadata.dat: the on-disk layout version and the roots of the object
// caches.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/spf13/afero"

	"github.com/ghyeongl/lazytree/filebased"
	"github.com/ghyeongl/lazytree/logging"
)

const (
	KeyDiskLayoutVersion      = "DiskLayoutVersion"
	KeyDiskLayoutMinorVersion = "DiskLayoutMinorVersion"
	KeyLocalCacheRoot         = "LocalCacheRoot"
	KeyGitObjectsRoot         = "GitObjectsRoot"
	KeyBlobSizesRoot          = "BlobSizesRoot"
)

// requiredKeys must be present and non-empty for a mount to proceed.
var requiredKeys = []string{
	KeyDiskLayoutVersion,
	KeyLocalCacheRoot,
	KeyGitObjectsRoot,
	KeyBlobSizesRoot,
}

var (
	ErrNotFound      = errors.New("repo metadata not found")
	ErrMissingKey    = errors.New("repo metadata key missing")
	ErrAlreadyExists = errors.New("repo metadata already exists")
)

// Values seeds a new metadata file.
type Values struct {
	DiskLayoutMajor int
	DiskLayoutMinor int
	LocalCacheRoot  string
	GitObjectsRoot  string
	BlobSizesRoot   string
}

type keyValue struct {
	Key   string
	Value *string `json:",omitempty"`
}

// Store is a loaded RepoMetadata.dat. Reads are served from memory; every
// write rewrites the file atomically.
type Store struct {
	fs   afero.Fs
	path string

	mu     sync.RWMutex
	values map[string]string
	order  []string
}

// Load reads path and checks that every required key is populated.
func Load(fsys afero.Fs, path string) (*Store, error) {
	records, err := filebased.ReadRecords(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read repo metadata: %w", err)
	}

	s := &Store{fs: fsys, path: path, values: make(map[string]string)}
	for i, r := range records {
		var kv keyValue
		if err := json.Unmarshal([]byte(r.Body), &kv); err != nil || kv.Key == "" {
			return nil, fmt.Errorf("%s record %d: %w", path, i+1, filebased.ErrMalformedRecord)
		}
		switch r.Op {
		case filebased.OpAdd:
			if kv.Value == nil {
				return nil, fmt.Errorf("%s record %d: %w", path, i+1, filebased.ErrMalformedRecord)
			}
			s.set(kv.Key, *kv.Value)
		case filebased.OpDelete:
			s.remove(kv.Key)
		}
	}

	for _, key := range requiredKeys {
		if s.values[key] == "" {
			return nil, fmt.Errorf("%s: %w: %s", path, ErrMissingKey, key)
		}
	}
	if _, _, err := s.DiskLayoutVersion(); err != nil {
		return nil, err
	}

	logging.Sub("metadata").Debug("loaded", "path", path, "keys", len(s.order))
	return s, nil
}

// Create writes a new metadata file. It refuses to overwrite an existing one.
func Create(fsys afero.Fs, path string, v Values) (*Store, error) {
	exists, err := afero.Exists(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("stat repo metadata: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyExists)
	}

	s := &Store{fs: fsys, path: path, values: make(map[string]string)}
	s.set(KeyDiskLayoutVersion, strconv.Itoa(v.DiskLayoutMajor))
	s.set(KeyDiskLayoutMinorVersion, strconv.Itoa(v.DiskLayoutMinor))
	s.set(KeyLocalCacheRoot, v.LocalCacheRoot)
	s.set(KeyGitObjectsRoot, v.GitObjectsRoot)
	s.set(KeyBlobSizesRoot, v.BlobSizesRoot)

	for _, key := range requiredKeys {
		if s.values[key] == "" {
			return nil, fmt.Errorf("create repo metadata: %w: %s", ErrMissingKey, key)
		}
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

func (s *Store) remove(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// flush rewrites the whole file. Callers hold mu (or own s exclusively).
func (s *Store) flush() error {
	records := make([]filebased.Record, 0, len(s.order))
	for _, key := range s.order {
		value := s.values[key]
		body, err := json.Marshal(keyValue{Key: key, Value: &value})
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		records = append(records, filebased.Record{Op: filebased.OpAdd, Body: string(body)})
	}
	if err := filebased.WriteAtomic(s.fs, s.path, records); err != nil {
		return fmt.Errorf("write repo metadata: %w", err)
	}
	return nil
}

// Get returns the raw value stored under key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// DiskLayoutVersion returns the persisted layout version. A missing minor
// version reads as 0; layouts written before minor versions existed lack it.
func (s *Store) DiskLayoutVersion() (major, minor int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	major, err = strconv.Atoi(s.values[KeyDiskLayoutVersion])
	if err != nil {
		return 0, 0, fmt.Errorf("parse %s %q: %w", KeyDiskLayoutVersion, s.values[KeyDiskLayoutVersion], err)
	}
	if raw, ok := s.values[KeyDiskLayoutMinorVersion]; ok && raw != "" {
		minor, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("parse %s %q: %w", KeyDiskLayoutMinorVersion, raw, err)
		}
	}
	return major, minor, nil
}

// SetDiskLayoutVersion persists a new layout version. Only upgrade steps
// call it.
func (s *Store) SetDiskLayoutVersion(major, minor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevValues := maps.Clone(s.values)
	prevOrder := slices.Clone(s.order)
	s.set(KeyDiskLayoutVersion, strconv.Itoa(major))
	s.set(KeyDiskLayoutMinorVersion, strconv.Itoa(minor))
	if err := s.flush(); err != nil {
		s.values, s.order = prevValues, prevOrder
		return err
	}
	logging.Sub("metadata").Info("disk layout version updated", "major", major, "minor", minor)
	return nil
}

func (s *Store) LocalCacheRoot() string {
	v, _ := s.Get(KeyLocalCacheRoot)
	return v
}

func (s *Store) GitObjectsRoot() string {
	v, _ := s.Get(KeyGitObjectsRoot)
	return v
}

func (s *Store) BlobSizesRoot() string {
	v, _ := s.Get(KeyBlobSizesRoot)
	return v
}
