//go:build windows

package worker

import "wpwrapperd/internal/osiface"

// terminate kills the child outright. Windows has no SIGTERM equivalent
// that a console-less child reliably honors, so escalation here is a
// direct process kill rather than a polite signal.
func terminate(handle osiface.ProcessHandle) error {
	return handle.Kill()
}
