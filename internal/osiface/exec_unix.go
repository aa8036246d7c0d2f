//go:build !windows

package osiface

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so the worker can
// terminate the whole group (not just the immediate child) on escalation.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
