//go:build linux

package terminal

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the shell in its own process group so the whole tree
// can be killed together. Pdeathsig ensures the shell dies with the
// daemon even when shutdown is skipped.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// killProcessGroup kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
