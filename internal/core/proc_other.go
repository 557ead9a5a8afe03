//go:build !unix

package core

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func terminateProcessGroup(process *os.Process) {
	killProcessGroup(process)
}

func killProcessGroup(process *os.Process) {
	if process != nil {
		_ = process.Kill()
	}
}
