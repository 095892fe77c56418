//go:build !windows

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so a timeout kill
// can take its descendants with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func baseEnv() []string {
	return os.Environ()
}

// killProcessGroup kills the whole process group so a step's children don't
// outlive a timed-out step.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}
