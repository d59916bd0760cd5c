package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrStopTimeout is returned when a signaled process is still alive after the stop timeout.
var ErrStopTimeout = errors.New("process still running after stop timeout")

const exitPollInterval = 100 * time.Millisecond

// ProcessAlive reports whether pid names a live process.
// Zombies count as exited: they are dead, just not yet reaped by their parent.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		// gone between NewProcess and Status, or /proc unreadable
		exists, _ := process.PidExists(int32(pid))
		return exists
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// terminate sends SIGTERM to pid.
func terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := p.Terminate(); err != nil {
		return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}
	return nil
}

// waitForExit polls until pid is no longer alive, the timeout passes, or ctx is done.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for {
		if !ProcessAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrStopTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
