package service

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ANSI color codes for per-job console output.
var colorCodes = []string{
	"\033[36m", // Cyan
	"\033[33m", // Yellow
	"\033[35m", // Magenta
	"\033[32m", // Green
	"\033[34m", // Blue
	"\033[96m", // Bright Cyan
	"\033[93m", // Bright Yellow
	"\033[95m", // Bright Magenta
}

const (
	colorReset = "\033[0m"
	colorGray  = "\033[90m"
)

// ConsoleEcho multiplexes preview output from many jobs onto one writer,
// prefixing each line with a timestamp and a stable per-job color.
type ConsoleEcho struct {
	mu         sync.Mutex
	out        io.Writer
	colors     map[string]string
	colorIndex int
}

// NewConsoleEcho returns an echo writing to out.
func NewConsoleEcho(out io.Writer) *ConsoleEcho {
	return &ConsoleEcho{out: out, colors: make(map[string]string)}
}

// colorFor must be called with mu held.
func (c *ConsoleEcho) colorFor(jobID string) string {
	if color, ok := c.colors[jobID]; ok {
		return color
	}
	color := colorCodes[c.colorIndex%len(colorCodes)]
	c.colors[jobID] = color
	c.colorIndex++
	return color
}

// Format renders one line as "HH:MM:SS job │ message".
func (c *ConsoleEcho) Format(jobID, message string, at time.Time) string {
	c.mu.Lock()
	color := c.colorFor(jobID)
	c.mu.Unlock()

	return fmt.Sprintf("%s%s%s %s%-15s%s %s│%s %s",
		colorGray, at.Format("15:04:05"), colorReset,
		color, truncate(jobID, 15), colorReset,
		colorGray, colorReset,
		message)
}

// Write echoes a log entry.
func (c *ConsoleEcho) Write(entry LogEntry) {
	line := c.Format(entry.JobID, entry.Message, entry.Timestamp)
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
