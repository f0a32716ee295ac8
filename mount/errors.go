package mount

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyMounted: another process holds the enlistment's mount lock.
	ErrAlreadyMounted = errors.New("enlistment is already mounted")
	// ErrMountFailed: the mount reported state Failed while a client waited.
	ErrMountFailed = errors.New("mount failed")
	// ErrMountTimeout: the mount did not become ready within the wait bound.
	ErrMountTimeout = errors.New("timed out waiting for mount")
)

// Error is a fatal mount failure attributed to one startup component.
type Error struct {
	Component string
	Err       error
	// LogDir points the user at the detailed logs.
	LogDir string
}

// Error renders a single line.
func (e *Error) Error() string {
	msg := strings.ReplaceAll(e.Err.Error(), "\n", " ")
	if e.LogDir == "" {
		return fmt.Sprintf("mount failed at %s: %s", e.Component, msg)
	}
	return fmt.Sprintf("mount failed at %s: %s (logs: %s)", e.Component, msg, e.LogDir)
}

func (e *Error) Unwrap() error { return e.Err }
