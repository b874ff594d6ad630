//go:build unix && !linux

package terminal

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the shell in its own process group so the whole tree
// can be killed together. Pdeathsig is Linux-only; on these platforms
// orphan cleanup relies on explicit close.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
