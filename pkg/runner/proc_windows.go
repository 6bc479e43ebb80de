//go:build windows

package runner

import (
	"os/exec"
	"strconv"
)

func configureCommandProcess(cmd *exec.Cmd) {}

// signalCommandProcess kills the process tree. Windows has no graceful
// group signal, so both paths are forceful; taskkill /T covers descendants.
func signalCommandProcess(cmd *exec.Cmd, graceful bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	kill := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	_ = kill.Run()
	_ = cmd.Process.Kill()
}
