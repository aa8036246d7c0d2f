//go:build windows

package osiface

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so console control
// events (the Windows analog of SIGTERM) can target it without also
// reaching the daemon itself.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
