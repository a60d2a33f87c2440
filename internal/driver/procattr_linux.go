//go:build linux

package driver

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// the whole subprocess tree can be signalled together. Pdeathsig ensures
// the backend dies with the adapter even on an unclean adapter exit.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// terminateProcessGroup sends SIGTERM to the process group for a graceful
// shutdown.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup force-kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
