//go:build !windows

package terminal

import (
	"os/exec"
	"syscall"
)

// waitChild waits for the shell process to exit and returns exit info.
// A signal-terminated shell reports 128+signal and the signal name.
func waitChild(cmd *exec.Cmd) (exitCode int, signalName string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, ""
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, ""
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String()
	}
	return waitStatus.ExitStatus(), ""
}
