// Package upgrade brings an enlistment's on-disk layout up to the version
// this build understands, one versioned step at a time, and refuses layouts
// it cannot safely mount.
package upgrade

import (
	"fmt"
)

// LayoutVersion is a persisted disk layout version.
type LayoutVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v LayoutVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// DiskLayoutVersion is what a build supports: it writes Current and can
// upgrade anything from MinimumSupportedMajor onwards.
type DiskLayoutVersion struct {
	CurrentMajor          int `json:"currentMajor"`
	CurrentMinor          int `json:"currentMinor"`
	MinimumSupportedMajor int `json:"minimumSupportedMajor"`
}

func (v DiskLayoutVersion) Current() LayoutVersion {
	return LayoutVersion{Major: v.CurrentMajor, Minor: v.CurrentMinor}
}

// LayoutData is the per-platform upgrade table.
type LayoutData interface {
	Name() string
	Version() DiskLayoutVersion
	Steps() []Step
}

type posixLayout struct{}

func (posixLayout) Name() string { return "posix" }

func (posixLayout) Version() DiskLayoutVersion {
	return DiskLayoutVersion{CurrentMajor: 19, CurrentMinor: 0, MinimumSupportedMajor: 18}
}

func (posixLayout) Steps() []Step {
	return []Step{sqlitePlaceholders{}}
}

type windowsLayout struct{}

func (windowsLayout) Name() string { return "windows" }

func (windowsLayout) Version() DiskLayoutVersion {
	return DiskLayoutVersion{CurrentMajor: 19, CurrentMinor: 0, MinimumSupportedMajor: 7}
}

func (windowsLayout) Steps() []Step {
	return nil
}

// ForPlatform returns the upgrade table for goos.
func ForPlatform(goos string) LayoutData {
	if goos == "windows" {
		return windowsLayout{}
	}
	return posixLayout{}
}
