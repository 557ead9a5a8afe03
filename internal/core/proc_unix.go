//go:build unix

package core

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the client as the leader of its own process group
// so its workers can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(process *os.Process) {
	signalProcessGroup(process, syscall.SIGTERM)
}

func killProcessGroup(process *os.Process) {
	signalProcessGroup(process, syscall.SIGKILL)
}

func signalProcessGroup(process *os.Process, sig syscall.Signal) {
	if process == nil {
		return
	}
	if err := syscall.Kill(-process.Pid, sig); err != nil && err != syscall.ESRCH {
		_ = process.Signal(sig)
	}
}
