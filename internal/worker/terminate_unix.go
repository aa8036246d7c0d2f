//go:build !windows

package worker

import (
	"syscall"

	"golang.org/x/sys/unix"
	"wpwrapperd/internal/osiface"
)

// terminate sends SIGTERM to the child's process group so orphaned
// grandchildren die along with it. If the group signal fails (the child may
// not have become a group leader yet), it falls back to signaling the
// child's pid directly.
func terminate(handle osiface.ProcessHandle) error {
	pid := handle.Pid()
	if pid <= 0 {
		return nil
	}

	if err := unix.Kill(-pid, syscall.SIGTERM); err == nil {
		return nil
	}

	return handle.Signal(syscall.SIGTERM)
}
