//go:build windows

package terminal

import "os/exec"

// waitChild waits for the shell process to exit and returns exit info.
// cmd.Process.Wait is used because ConPTY-started processes never went
// through cmd.Start. Windows has no exit signals.
func waitChild(cmd *exec.Cmd) (exitCode int, signalName string) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, ""
	}
	return state.ExitCode(), ""
}
