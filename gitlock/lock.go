// Package gitlock arbitrates the working tree between Git commands running
// in other processes and the engine's own background work. At most one side
// holds the lock at a time.
package gitlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flynn/go-shlex"

	"github.com/ghyeongl/lazytree/logging"
)

// ErrEngineLockNotHeld is the panic value of ReleaseHeldByEngine when the
// engine does not hold the lock.
var ErrEngineLockNotHeld = errors.New("gitlock: engine lock not held")

const (
	StatusFree         = "Free"
	StatusHeldByEngine = "Held by lazytree."
)

// LockHolder describes an external process asking for (or holding) the lock.
type LockHolder struct {
	PID                   int    `json:"pid"`
	IsElevated            bool   `json:"isElevated"`
	CheckAvailabilityOnly bool   `json:"checkAvailabilityOnly"`
	ParsedCommand         string `json:"parsedCommand"`
	GitCommandSessionID   string `json:"gitCommandSessionId"`
}

// ReleaseFunc is called after an external holder gives up the lock, either
// by releasing it or by exiting without doing so.
type ReleaseFunc func(holder LockHolder)

// Lock is the lock state machine. The zero value is not usable; call New.
type Lock struct {
	processes       ProcessChecker
	livenessTimeout time.Duration
	log             *slog.Logger

	mu         sync.Mutex
	external   *LockHolder
	engineHeld bool
	onRelease  ReleaseFunc
}

// New returns a free lock that probes holders through processes, waiting at
// most livenessTimeout per probe.
func New(processes ProcessChecker, livenessTimeout time.Duration) *Lock {
	if processes == nil {
		processes = SystemProcesses{}
	}
	if livenessTimeout <= 0 {
		livenessTimeout = time.Second
	}
	return &Lock{
		processes:       processes,
		livenessTimeout: livenessTimeout,
		log:             logging.Sub("gitlock"),
	}
}

// OnExternalRelease registers fn to run after an external holder is gone.
// fn runs without the lock's mutex held.
func (l *Lock) OnExternalRelease(fn ReleaseFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRelease = fn
}

// TryAcquireForExternal grants the lock to req if it is free. While the
// engine holds it the request is denied with a nil holder. While another
// process holds it, that holder is returned unless it has exited, in which
// case it is dropped and the request proceeds. A request with
// CheckAvailabilityOnly set reports availability without changing state.
func (l *Lock) TryAcquireForExternal(ctx context.Context, req LockHolder) (bool, *LockHolder) {
	l.mu.Lock()

	if l.engineHeld {
		l.mu.Unlock()
		l.log.Debug("external request denied, held by engine", "pid", req.PID, "cmd", req.ParsedCommand)
		return false, nil
	}

	var abandoned *LockHolder
	if l.external != nil {
		if l.isAlive(ctx, l.external.PID) {
			existing := *l.external
			l.mu.Unlock()
			l.log.Debug("external request denied", "pid", req.PID, "holder", existing.PID)
			return false, &existing
		}
		if req.CheckAvailabilityOnly {
			l.mu.Unlock()
			return true, nil
		}
		abandoned = l.external
		l.external = nil
	}

	if !req.CheckAvailabilityOnly {
		holder := req
		l.external = &holder
	}
	onRelease := l.onRelease
	l.mu.Unlock()

	if abandoned != nil {
		l.log.Warn("lock holder exited without releasing", "pid", abandoned.PID, "cmd", abandoned.ParsedCommand)
		if onRelease != nil {
			onRelease(*abandoned)
		}
	}
	if !req.CheckAvailabilityOnly {
		l.log.Info("lock acquired", "pid", req.PID, "cmd", req.ParsedCommand, "session", req.GitCommandSessionID)
	}
	return true, nil
}

// TryAcquireForEngine takes the lock for the engine. It is re-entrant and
// fails only while a live external process holds the lock.
func (l *Lock) TryAcquireForEngine(ctx context.Context) bool {
	l.mu.Lock()

	if l.engineHeld {
		l.mu.Unlock()
		return true
	}

	var abandoned *LockHolder
	if l.external != nil {
		if l.isAlive(ctx, l.external.PID) {
			l.mu.Unlock()
			return false
		}
		abandoned = l.external
		l.external = nil
	}
	l.engineHeld = true
	onRelease := l.onRelease
	l.mu.Unlock()

	if abandoned != nil {
		l.log.Warn("lock holder exited without releasing", "pid", abandoned.PID, "cmd", abandoned.ParsedCommand)
		if onRelease != nil {
			onRelease(*abandoned)
		}
	}
	if logging.Enabled(slog.LevelDebug) {
		l.log.Debug("lock acquired by engine")
	}
	return true
}

// ReleaseHeldByExternal releases the lock if pid holds it.
func (l *Lock) ReleaseHeldByExternal(pid int) bool {
	l.mu.Lock()
	if l.external == nil || l.external.PID != pid {
		l.mu.Unlock()
		l.log.Debug("release ignored, not the holder", "pid", pid)
		return false
	}
	released := *l.external
	l.external = nil
	onRelease := l.onRelease
	l.mu.Unlock()

	l.log.Info("lock released", "pid", pid, "cmd", released.ParsedCommand)
	if onRelease != nil {
		onRelease(released)
	}
	return true
}

// ReleaseHeldByEngine releases the engine's hold. Calling it without the
// hold is a programming error and panics with ErrEngineLockNotHeld.
func (l *Lock) ReleaseHeldByEngine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.engineHeld {
		panic(ErrEngineLockNotHeld)
	}
	l.engineHeld = false
}

// IsAvailableForExternal reports whether an external request would be
// granted right now. It does not change state.
func (l *Lock) IsAvailableForExternal(ctx context.Context) (bool, *LockHolder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.engineHeld {
		return false, nil
	}
	if l.external == nil {
		return true, nil
	}
	if !l.isAlive(ctx, l.external.PID) {
		return true, nil
	}
	existing := *l.external
	return false, &existing
}

// Status renders the current state for display.
func (l *Lock) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.engineHeld:
		return StatusHeldByEngine
	case l.external != nil:
		return fmt.Sprintf("Held by %s (PID:%d)", l.external.ParsedCommand, l.external.PID)
	default:
		return StatusFree
	}
}

// ExternalHolder returns a copy of the external holder, or nil.
func (l *Lock) ExternalHolder() *LockHolder {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.external == nil {
		return nil
	}
	h := *l.external
	return &h
}

// LockedGitCommand returns the command of the external holder, or "".
func (l *Lock) LockedGitCommand() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.external == nil {
		return ""
	}
	return l.external.ParsedCommand
}

// IsHeldByEngine reports whether the engine currently holds the lock.
func (l *Lock) IsHeldByEngine() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engineHeld
}

// isAlive probes pid, bounded by the liveness timeout. A failed probe counts
// as alive so a holder is never dropped on uncertain information.
func (l *Lock) isAlive(ctx context.Context, pid int) bool {
	ctx, cancel := context.WithTimeout(ctx, l.livenessTimeout)
	defer cancel()
	alive, err := l.processes.IsAlive(ctx, pid)
	if err != nil {
		l.log.Warn("liveness probe failed", "pid", pid, "err", err)
		return true
	}
	return alive
}

// WaitingMessage tells a blocked command what it is waiting on.
func WaitingMessage(holder *LockHolder) string {
	if holder == nil {
		return "Waiting for lazytree to release the lock"
	}
	return fmt.Sprintf("Waiting for '%s'", commandName(holder.ParsedCommand))
}

// commandName reduces a command line to "git <verb>" for Git commands and to
// the program name otherwise.
func commandName(command string) string {
	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		return strings.TrimSpace(command)
	}
	program := filepath.Base(args[0])
	name := strings.TrimSuffix(program, filepath.Ext(program))
	if strings.EqualFold(name, "git") {
		for i := 1; i < len(args); i++ {
			switch {
			case args[i] == "-C" || args[i] == "-c":
				i++
			case !strings.HasPrefix(args[i], "-"):
				return "git " + args[i]
			}
		}
		return "git"
	}
	return program
}
