package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/ghyeongl/lazytree/logging"
)

const (
	installRetries   = 3
	defaultRetryWait = 500 * time.Millisecond
)

// ErrSourceMissing is returned by Update when an installed hook executable
// cannot be found in the install directory.
var ErrSourceMissing = errors.New("hook executable not found in install directory")

// NativeHook is a hook Git runs directly from .git/hooks.
type NativeHook struct {
	Name           string
	ExecutableName string
}

// NativeHooks are copied verbatim from the install directory.
var NativeHooks = []NativeHook{
	{Name: "read-object", ExecutableName: "lazytree-read-object"},
	{Name: "virtual-filesystem", ExecutableName: "lazytree-virtual-filesystem"},
	{Name: "post-index-changed", ExecutableName: "lazytree-post-index-changed"},
}

// CommandHooks get a merged chain file instead of a copied executable.
var CommandHooks = []string{PreCommandHook, PostCommandHook}

func executableExtension() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// Installer copies hooks from InstallDir into HooksDir.
type Installer struct {
	Fs         afero.Fs
	InstallDir string
	HooksDir   string
	// RetryWait is the first backoff of TryInstallAction. Defaults to 500ms.
	RetryWait time.Duration
}

func (i *Installer) sourcePath(h NativeHook) string {
	return filepath.Join(i.InstallDir, h.ExecutableName+executableExtension())
}

func (i *Installer) targetPath(h NativeHook) string {
	return filepath.Join(i.HooksDir, h.Name+executableExtension())
}

// Install copies every native hook and writes the command hook chains.
func (i *Installer) Install(ctx context.Context) error {
	l := logging.Sub("hooks")

	for _, h := range NativeHooks {
		src, dst := i.sourcePath(h), i.targetPath(h)
		err := i.TryInstallAction(ctx, func() error {
			return copyHook(i.Fs, src, dst)
		})
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", src, err)
		}
		l.Debug("installed native hook", "hook", h.Name, "path", dst)
	}

	for _, name := range CommandHooks {
		if err := i.installCommandHook(ctx, name); err != nil {
			return err
		}
	}
	l.Info("hooks installed", "dir", i.HooksDir)
	return nil
}

func (i *Installer) installCommandHook(ctx context.Context, hookName string) error {
	defaults := filepath.Join(i.InstallDir, hookName+ChainSuffix)
	lines, err := ReadChainFile(i.Fs, defaults)
	if err != nil {
		return err
	}
	merged, err := MergeHooksData(lines, defaults, hookName)
	if err != nil {
		return err
	}

	dst := filepath.Join(i.HooksDir, hookName+ChainSuffix)
	return i.TryInstallAction(ctx, func() error {
		if err := writeViaTemp(i.Fs, dst, bytes.NewReader([]byte(merged+"\n")), 0o644); err != nil {
			return Retryable(err)
		}
		return nil
	})
}

// Update brings the enlistment's native hooks in line with the installed
// ones. Missing hooks are copied; present hooks are replaced when their
// content differs.
func (i *Installer) Update(ctx context.Context) error {
	l := logging.Sub("hooks")

	for _, h := range NativeHooks {
		src, dst := i.sourcePath(h), i.targetPath(h)

		exists, err := afero.Exists(i.Fs, src)
		if err != nil {
			return fmt.Errorf("stat %s: %w", src, err)
		}
		if !exists {
			return fmt.Errorf("%s cannot be found at %s: %w", h.ExecutableName, src, ErrSourceMissing)
		}

		copyNeeded := false
		present, err := afero.Exists(i.Fs, dst)
		if err != nil {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
		if !present {
			l.Warn("hook missing from enlistment, copying from install directory", "hook", h.Name, "installed", src, "enlistment", dst)
			copyNeeded = true
		} else {
			same, err := sameContent(i.Fs, src, dst)
			if err != nil {
				return fmt.Errorf("compare %s versions: %w", h.Name, err)
			}
			copyNeeded = !same
		}

		if !copyNeeded {
			continue
		}
		err = i.TryInstallAction(ctx, func() error {
			return copyHook(i.Fs, src, dst)
		})
		if err != nil {
			return fmt.Errorf("copy %s to enlistment: %w", h.Name, err)
		}
		l.Info("hook updated", "hook", h.Name)
	}
	return nil
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as worth another TryInstallAction attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// TryInstallAction runs action, retrying errors marked Retryable up to
// three times with a doubling wait. Other errors fail immediately.
func (i *Installer) TryInstallAction(ctx context.Context, action func() error) error {
	wait := i.RetryWait
	if wait <= 0 {
		wait = defaultRetryWait
	}

	retriesLeft := installRetries
	for {
		err := action()
		if err == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(err, &re) || retriesLeft == 0 {
			return err
		}

		logging.Sub("hooks").Debug("install action failed, retrying", "wait", wait, "retriesLeft", retriesLeft, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		retriesLeft--
		wait *= 2
	}
}

func copyHook(fsys afero.Fs, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("open %s: %w", src, err)
		}
		return Retryable(fmt.Errorf("open %s: %w", src, err))
	}
	defer in.Close()

	if err := writeViaTemp(fsys, dst, in, 0o755); err != nil {
		return Retryable(fmt.Errorf("install %s to %s: %w", src, dst, err))
	}
	return nil
}

// writeViaTemp writes r to a temp file beside dst and renames it into place.
func writeViaTemp(fsys afero.Fs, dst string, r io.Reader, perm fs.FileMode) error {
	dir := filepath.Dir(dst)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fsys, dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		fsys.Remove(tmpPath)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fsys.Remove(tmpPath)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		fsys.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := fsys.Chmod(tmpPath, perm); err != nil {
		fsys.Remove(tmpPath)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := fsys.Rename(tmpPath, dst); err != nil {
		fsys.Remove(tmpPath)
		return fmt.Errorf("rename temp to %s: %w", dst, err)
	}
	return nil
}

func digest(fsys afero.Fs, path string) ([]byte, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

func sameContent(fsys afero.Fs, a, b string) (bool, error) {
	da, err := digest(fsys, a)
	if err != nil {
		return false, err
	}
	db, err := digest(fsys, b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
