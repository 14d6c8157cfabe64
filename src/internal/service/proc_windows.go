//go:build windows

package service

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/jongio/app-preview/cli/src/internal/executor"
)

const stillActive = 259

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateGroup asks the process tree rooted at pid to close.
func terminateGroup(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), executor.DefaultTimeout)
	defer cancel()
	return executor.RunWithContext(ctx, "taskkill", []string{"/T", "/PID", strconv.Itoa(pid)}, "")
}

// killGroup forcefully kills the process tree rooted at pid.
func killGroup(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), executor.DefaultTimeout)
	defer cancel()
	return executor.RunWithContext(ctx, "taskkill", []string{"/F", "/T", "/PID", strconv.Itoa(pid)}, "")
}

// ProcessAlive reports whether pid is a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
