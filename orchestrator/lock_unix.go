//go:build unix

package orchestrator

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// AcquireSingleInstanceLock takes an exclusive, non-blocking advisory lock
// on path, refusing to start a second process against the same ledger. The
// returned Lock must be held (kept open) for the process lifetime; closing
// it releases the lock.
func AcquireSingleInstanceLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, &AlreadyRunningError{Path: path, Err: err}
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}

	return &Lock{file: f}, nil
}
