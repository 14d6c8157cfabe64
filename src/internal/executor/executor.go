// Package executor runs short-lived helper commands and splits process output into lines.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// DefaultTimeout bounds helper commands run without a caller deadline.
const DefaultTimeout = 10 * time.Second

// RunWithContext runs a command to completion, discarding its output.
func RunWithContext(ctx context.Context, name string, args []string, dir string) error {
	// #nosec G204 -- callers pass fixed tool names (lsof, fuser, netstat)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

// RunCommandWithOutput runs a command and returns its stdout. If ctx has no
// deadline, DefaultTimeout applies.
func RunCommandWithOutput(ctx context.Context, name string, args []string, dir string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	// #nosec G204 -- callers pass fixed tool names (lsof, fuser, netstat)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return out, fmt.Errorf("%s failed: %w (stderr: %s)", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// LineWriter is an io.Writer that tees bytes to output and calls handler once per
// complete line. Trailing carriage returns are stripped.
type LineWriter struct {
	mu      sync.Mutex
	output  io.Writer
	handler func(string) error
	buffer  []byte
}

// NewLineWriter returns a LineWriter. output may be nil.
func NewLineWriter(output io.Writer, handler func(string) error) *LineWriter {
	if output == nil {
		output = io.Discard
	}
	return &LineWriter{output: output, handler: handler}
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if _, err := lw.output.Write(p); err != nil {
		return 0, err
	}

	lw.buffer = append(lw.buffer, p...)
	for {
		idx := bytes.IndexByte(lw.buffer, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(lw.buffer[:idx], "\r")
		lw.buffer = lw.buffer[idx+1:]
		if lw.handler != nil {
			if err := lw.handler(string(line)); err != nil {
				return len(p), err
			}
		}
	}
	return len(p), nil
}

// Flush delivers any buffered partial line.
func (lw *LineWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if len(lw.buffer) == 0 || lw.handler == nil {
		lw.buffer = nil
		return nil
	}
	line := string(bytes.TrimRight(lw.buffer, "\r"))
	lw.buffer = nil
	return lw.handler(line)
}
