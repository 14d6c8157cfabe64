//go:build !windows

package service

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttr starts the child in its own process group so that
// framework CLIs and the servers they fork are signalled together.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	// not a group leader, or the group is gone; fall back to the pid itself
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// terminateGroup asks the process group led by pid to exit.
func terminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// killGroup forcefully kills the process group led by pid.
func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// ProcessAlive probes pid with signal 0. EPERM means it exists under another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
