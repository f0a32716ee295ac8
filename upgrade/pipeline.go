package upgrade

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/logging"
	"github.com/ghyeongl/lazytree/metadata"
)

// Env is what steps may touch.
type Env struct {
	Fs       afero.Fs
	Metadata *metadata.Store
	// LegacyPlaceholderList is the flat-file list replaced by SQLite.
	LegacyPlaceholderList string
	// Database opens the placeholder database.
	Database database.Config
}

// Step moves the layout from one version to the next. Apply must persist
// To() as its last action.
type Step interface {
	Name() string
	From() LayoutVersion
	To() LayoutVersion
	Apply(ctx context.Context, env Env) error
}

// Pipeline checks and upgrades one enlistment's layout.
type Pipeline struct {
	layout LayoutData
	env    Env
}

func NewPipeline(layout LayoutData, env Env) *Pipeline {
	return &Pipeline{layout: layout, env: env}
}

func (p *Pipeline) persisted() (LayoutVersion, error) {
	major, minor, err := p.env.Metadata.DiskLayoutVersion()
	if err != nil {
		return LayoutVersion{}, err
	}
	return LayoutVersion{Major: major, Minor: minor}, nil
}

// Persisted returns the version currently stored in the repo metadata.
func (p *Pipeline) Persisted() (LayoutVersion, error) {
	return p.persisted()
}

// Check refuses layouts newer than this build or older than the minimum it
// can upgrade. It never writes.
func (p *Pipeline) Check() error {
	v, err := p.persisted()
	if err != nil {
		return err
	}
	supported := p.layout.Version()
	switch {
	case v.Major > supported.CurrentMajor:
		return &VersionError{Persisted: v, Supported: supported, Err: ErrDowngrade}
	case v.Major < supported.MinimumSupportedMajor:
		return &VersionError{Persisted: v, Supported: supported, Err: ErrBreakingChange}
	}
	return nil
}

// Pending lists the steps Run would apply, in order.
func (p *Pipeline) Pending() ([]Step, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}
	v, err := p.persisted()
	if err != nil {
		return nil, err
	}
	var pending []Step
	for {
		step := p.stepFrom(v)
		if step == nil {
			return pending, nil
		}
		pending = append(pending, step)
		v = step.To()
	}
}

// Run checks the layout and applies every step that applies to the
// persisted version until none does. It returns the number of steps
// applied.
func (p *Pipeline) Run(ctx context.Context) (int, error) {
	l := logging.Sub("upgrade")
	if err := p.Check(); err != nil {
		return 0, err
	}

	applied := 0
	for {
		v, err := p.persisted()
		if err != nil {
			return applied, err
		}
		step := p.stepFrom(v)
		if step == nil {
			break
		}
		if err := p.ApplyStep(ctx, step); err != nil {
			return applied, err
		}
		after, err := p.persisted()
		if err != nil {
			return applied, err
		}
		if after == v {
			return applied, &StepError{Step: step, Err: ErrStepDidNotAdvance}
		}
		applied++
	}

	v, err := p.persisted()
	if err != nil {
		return applied, err
	}
	if v.Major != p.layout.Version().CurrentMajor {
		return applied, &VersionError{Persisted: v, Supported: p.layout.Version(), Err: ErrNoUpgradePath}
	}
	if applied > 0 {
		l.Info("disk layout upgraded", "layout", p.layout.Name(), "steps", applied, "version", v.String())
	} else {
		l.Debug("disk layout current", "layout", p.layout.Name(), "version", v.String())
	}
	return applied, nil
}

// ApplyStep runs step if it applies to the persisted version, and is a
// no-op otherwise, so a step that already ran is never repeated.
func (p *Pipeline) ApplyStep(ctx context.Context, step Step) error {
	v, err := p.persisted()
	if err != nil {
		return err
	}
	if !applies(step, v) {
		logging.Sub("upgrade").Debug("step not applicable", "step", step.Name(), "from", step.From().String(), "persisted", v.String())
		return nil
	}

	logging.Sub("upgrade").Info("applying upgrade step", "step", step.Name(), "from", step.From().String(), "to", step.To().String())
	if err := step.Apply(ctx, p.env); err != nil {
		return &StepError{Step: step, Err: err}
	}
	return nil
}

func (p *Pipeline) stepFrom(v LayoutVersion) Step {
	for _, step := range p.layout.Steps() {
		if applies(step, v) {
			return step
		}
	}
	return nil
}

// applies reports whether step upgrades v. A step that changes the major
// version starts from any minor of its source major; a minor step needs an
// exact match.
func applies(step Step, v LayoutVersion) bool {
	from := step.From()
	if step.To().Major > from.Major {
		return v.Major == from.Major
	}
	return v == from
}

// bump persists to as the layout version.
func bump(env Env, to LayoutVersion) error {
	if err := env.Metadata.SetDiskLayoutVersion(to.Major, to.Minor); err != nil {
		return fmt.Errorf("set disk layout version %s: %w", to, err)
	}
	return nil
}
