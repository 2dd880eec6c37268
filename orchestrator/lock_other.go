//go:build !unix

package orchestrator

import (
	"os"
	"strconv"
)

// AcquireSingleInstanceLock on non-Unix platforms falls back to an
// exclusive-create lock file rather than golang.org/x/sys/unix.Flock
// (Unix-only). This does not survive an unclean process kill the way
// flock/fcntl does — documented in DESIGN.md as a platform-coverage
// simplification, not the primary deployment target.
func AcquireSingleInstanceLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &AlreadyRunningError{Path: path, Err: err}
	}
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	return &Lock{file: f}, nil
}
