package reclaim

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/jongio/app-preview/cli/src/internal/executor"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// DefaultFinders returns the discovery strategies for the current OS, most portable first.
func DefaultFinders() []Finder {
	switch runtime.GOOS {
	case "windows":
		return []Finder{SocketTableFinder{}, NetstatFinder{}}
	case "linux":
		return []Finder{SocketTableFinder{}, LsofFinder{}, NewProcNetFinder("/proc"), FuserFinder{}}
	default:
		return []Finder{SocketTableFinder{}, LsofFinder{}}
	}
}

// SocketTableFinder reads the OS socket table through gopsutil.
type SocketTableFinder struct{}

func (SocketTableFinder) Name() string { return "socket-table" }

func (SocketTableFinder) Find(ctx context.Context, port int) ([]int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, c := range conns {
		if int(c.Laddr.Port) == port && c.Status == "LISTEN" && c.Pid > 0 {
			pids = append(pids, int(c.Pid))
		}
	}
	return pids, nil
}

// LsofFinder shells out to lsof.
type LsofFinder struct{}

func (LsofFinder) Name() string { return "lsof" }

func (LsofFinder) Find(ctx context.Context, port int) ([]int, error) {
	if _, err := exec.LookPath("lsof"); err != nil {
		return nil, err
	}
	out, err := executor.RunCommandWithOutput(ctx, "lsof", []string{"-nP", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN"}, "")
	if err != nil {
		// lsof exits 1 with empty output when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return parsePIDList(out), nil
}

// FuserFinder shells out to fuser (psmisc).
type FuserFinder struct{}

func (FuserFinder) Name() string { return "fuser" }

func (FuserFinder) Find(ctx context.Context, port int) ([]int, error) {
	if _, err := exec.LookPath("fuser"); err != nil {
		return nil, err
	}
	// fuser prints "PORT/tcp:" to stderr and the PIDs to stdout.
	out, err := executor.RunCommandWithOutput(ctx, "fuser", []string{"-n", "tcp", strconv.Itoa(port)}, "")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return parsePIDList(out), nil
}

// NetstatFinder parses `netstat -ano` output on Windows.
type NetstatFinder struct{}

func (NetstatFinder) Name() string { return "netstat" }

func (NetstatFinder) Find(ctx context.Context, port int) ([]int, error) {
	out, err := executor.RunCommandWithOutput(ctx, "netstat", []string{"-ano", "-p", "TCP"}, "")
	if err != nil {
		return nil, err
	}
	return parseNetstat(out, port), nil
}

// parsePIDList extracts every integer token from whitespace-separated output.
func parsePIDList(out []byte) []int {
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(strings.TrimSpace(field)); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

// parseNetstat returns PIDs from LISTENING rows whose local address ends in :port.
func parseNetstat(out []byte, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Proto  Local Address  Foreign Address  State  PID
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || fields[3] != "LISTENING" {
			continue
		}
		if pid, err := strconv.Atoi(fields[4]); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
