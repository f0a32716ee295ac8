// Package enlistment resolves the directory layout of one managed repository.
//
//	<root>/src             working directory projected to Git and tools
//	<root>/src/.git        git directory; native hooks live in .git/hooks
//	<root>/.lazytree       engine state: databases/, logs/, config.yaml, mount.lock, lazytree.sock
package enlistment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DotDirName       = ".lazytree"
	WorkingDirName   = "src"
	DatabasesDirName = "databases"

	PlaceholderDatabaseName = "lazytree.sqlite"
	RepoMetadataName        = "RepoMetadata.dat"
	ModifiedPathsName       = "ModifiedPaths.dat"
	LegacyPlaceholderList   = "PlaceholderList.dat"
	MountLockName           = "mount.lock"
	SocketName              = "lazytree.sock"
)

// ErrNotEnlistment is returned by FindRoot when no enlistment encloses the directory.
var ErrNotEnlistment = errors.New("not inside a lazytree enlistment")

// Enlistment holds the absolute paths of one enlistment.
type Enlistment struct {
	Root             string
	WorkingDirectory string
	DotRoot          string
}

// New returns the enlistment rooted at root.
func New(root string) (*Enlistment, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve enlistment root: %w", err)
	}
	return &Enlistment{
		Root:             abs,
		WorkingDirectory: filepath.Join(abs, WorkingDirName),
		DotRoot:          filepath.Join(abs, DotDirName),
	}, nil
}

// FindRoot walks up from dir until it finds a directory holding the dot directory.
func FindRoot(dir string) (*Enlistment, error) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	for {
		info, err := os.Stat(filepath.Join(current, DotDirName))
		if err == nil && info.IsDir() {
			return New(current)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return nil, fmt.Errorf("%s: %w", dir, ErrNotEnlistment)
		}
		current = parent
	}
}

func (e *Enlistment) DatabasesDir() string {
	return filepath.Join(e.DotRoot, DatabasesDirName)
}

func (e *Enlistment) PlaceholderDatabasePath() string {
	return filepath.Join(e.DatabasesDir(), PlaceholderDatabaseName)
}

func (e *Enlistment) RepoMetadataPath() string {
	return filepath.Join(e.DatabasesDir(), RepoMetadataName)
}

func (e *Enlistment) ModifiedPathsPath() string {
	return filepath.Join(e.DatabasesDir(), ModifiedPathsName)
}

func (e *Enlistment) LegacyPlaceholderListPath() string {
	return filepath.Join(e.DatabasesDir(), LegacyPlaceholderList)
}

func (e *Enlistment) LogsDir() string {
	return filepath.Join(e.DotRoot, "logs")
}

func (e *Enlistment) MountLockPath() string {
	return filepath.Join(e.DotRoot, MountLockName)
}

func (e *Enlistment) SocketPath() string {
	return filepath.Join(e.DotRoot, SocketName)
}

func (e *Enlistment) GitDir() string {
	return filepath.Join(e.WorkingDirectory, ".git")
}

func (e *Enlistment) HooksDir() string {
	return filepath.Join(e.GitDir(), "hooks")
}
