package reclaim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// tcpListen is the st column value for LISTEN in /proc/net/tcp.
const tcpListen = "0A"

// ProcNetFinder maps listening sockets in /proc/net/tcp{,6} to PIDs by scanning
// /proc/<pid>/fd for the socket inode. Linux only; needs no external tools.
type ProcNetFinder struct {
	root string
}

// NewProcNetFinder returns a finder reading from the given proc mount.
func NewProcNetFinder(root string) ProcNetFinder {
	return ProcNetFinder{root: root}
}

func (ProcNetFinder) Name() string { return "procfs" }

func (f ProcNetFinder) Find(ctx context.Context, port int) ([]int, error) {
	inodes := make(map[string]bool)
	found := false
	for _, name := range []string{"tcp", "tcp6"} {
		file, err := os.Open(filepath.Join(f.root, "net", name))
		if err != nil {
			continue
		}
		found = true
		err = listeningInodes(file, port, inodes)
		file.Close()
		if err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, fmt.Errorf("%s/net/tcp not readable", f.root)
	}
	if len(inodes) == 0 {
		return nil, nil
	}
	return f.pidsForInodes(ctx, inodes)
}

// listeningInodes adds the inode of every LISTEN socket on port to inodes.
func listeningInodes(r io.Reader, port int, inodes map[string]bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Scan() // header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 || fields[3] != tcpListen {
			continue
		}
		idx := strings.LastIndexByte(fields[1], ':')
		if idx < 0 {
			continue
		}
		p, err := strconv.ParseInt(fields[1][idx+1:], 16, 32)
		if err != nil || int(p) != port {
			continue
		}
		if inode := fields[9]; inode != "0" {
			inodes[inode] = true
		}
	}
	return scanner.Err()
}

func (f ProcNetFinder) pidsForInodes(ctx context.Context, inodes map[string]bool) ([]int, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, entry := range entries {
		if ctx.Err() != nil {
			return pids, ctx.Err()
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(f.root, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil || !strings.HasPrefix(link, "socket:[") {
				continue
			}
			if inodes[strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")] {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids, nil
}
