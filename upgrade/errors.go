package upgrade

import (
	"errors"
	"fmt"
)

var (
	// ErrDowngrade: the persisted layout is newer than this build.
	ErrDowngrade = errors.New("disk layout is newer than this version of lazytree; upgrade lazytree")
	// ErrBreakingChange: the persisted layout is too old to upgrade in place.
	ErrBreakingChange = errors.New("disk layout is too old to upgrade; re-clone the enlistment")
	// ErrNoUpgradePath: no step leads from the persisted layout to the current one.
	ErrNoUpgradePath = errors.New("no upgrade step for disk layout")
	// ErrStepDidNotAdvance: a step returned without bumping the persisted version.
	ErrStepDidNotAdvance = errors.New("upgrade step did not advance the disk layout version")
)

// VersionError reports a persisted layout that cannot be mounted.
type VersionError struct {
	Persisted LayoutVersion
	Supported DiskLayoutVersion
	Err       error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("disk layout %s (supported %d to %d.%d): %v",
		e.Persisted, e.Supported.MinimumSupportedMajor, e.Supported.CurrentMajor, e.Supported.CurrentMinor, e.Err)
}

func (e *VersionError) Unwrap() error { return e.Err }

// StepError wraps the failure of one upgrade step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("upgrade step %s (%s -> %s): %v", e.Step.Name(), e.Step.From(), e.Step.To(), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
