package gitlock

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessChecker reports whether a process is still running.
type ProcessChecker interface {
	IsAlive(ctx context.Context, pid int) (bool, error)
}

// SystemProcesses checks the host process table.
type SystemProcesses struct{}

func (SystemProcesses) IsAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}
