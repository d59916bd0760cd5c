package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// GuardFileName is the advisory lock file that serializes start and stop in a directory.
const GuardFileName = "vtkhttp.guard"

const guardRetryDelay = 50 * time.Millisecond

// Guard is an exclusive advisory lock on a working directory.
// The lock record itself cannot carry the flock because stop deletes it.
type Guard struct {
	flock *flock.Flock
}

// AcquireGuard blocks until the directory's guard is held or ctx is done.
func AcquireGuard(ctx context.Context, dir string) (*Guard, error) {
	fl := flock.New(filepath.Join(dir, GuardFileName))
	locked, err := fl.TryLockContext(ctx, guardRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring guard %q: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("acquiring guard %q: lock not obtained", fl.Path())
	}
	return &Guard{flock: fl}, nil
}

// Release releases the guard. The guard file stays on disk.
func (g *Guard) Release() error {
	return g.flock.Unlock()
}
