package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the inferred severity of an output line.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogEntry is one captured line of preview output.
type LogEntry struct {
	JobID     string    `json:"jobId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsStderr  bool      `json:"isStderr"`
	Level     LogLevel  `json:"level"`
}

// inferLogLevel guesses a level from message text.
func inferLogLevel(message string) LogLevel {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "exception"),
		strings.Contains(lower, "fatal"), strings.Contains(lower, "panic"),
		strings.Contains(lower, "eaddrinuse"):
		return LogLevelError
	case strings.Contains(lower, "warn"):
		return LogLevelWarn
	case strings.Contains(lower, "debug"), strings.Contains(lower, "trace"):
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

// LogBuffer keeps the most recent output lines of one preview, fans them out to
// subscribers, and optionally appends them as JSON lines to <dir>/<job>.log.
type LogBuffer struct {
	mu          sync.RWMutex
	jobID       string
	entries     []LogEntry
	maxSize     int
	subscribers map[chan LogEntry]struct{}
	filePath    string
	file        *os.File
	fileLog     zerolog.Logger
	closed      bool
}

// NewLogBuffer creates a buffer holding up to maxSize entries.
func NewLogBuffer(jobID string, maxSize int, enableFileLogging bool, dir string) (*LogBuffer, error) {
	if maxSize <= 0 {
		maxSize = 1000
	}
	lb := &LogBuffer{
		jobID:       jobID,
		entries:     make([]LogEntry, 0, min(maxSize, 256)),
		maxSize:     maxSize,
		subscribers: make(map[chan LogEntry]struct{}),
	}

	if enableFileLogging {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lb.filePath = filepath.Join(dir, sanitizeFileName(jobID)+".log")
		// #nosec G304 -- file name derived from sanitized job id
		file, err := os.OpenFile(lb.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		lb.file = file
		lb.fileLog = zerolog.New(file).With().Str("job", jobID).Logger()
	}
	return lb, nil
}

// FilePath returns the log file path, or "" when file logging is off.
func (lb *LogBuffer) FilePath() string {
	return lb.filePath
}

// Add appends entry, evicting the oldest entry when full.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.entries) >= lb.maxSize {
		copy(lb.entries, lb.entries[1:])
		lb.entries = lb.entries[:len(lb.entries)-1]
	}
	lb.entries = append(lb.entries, entry)

	if lb.closed {
		return
	}

	if lb.file != nil {
		stream := "stdout"
		if entry.IsStderr {
			stream = "stderr"
		}
		lb.fileLog.WithLevel(entry.Level.zerolog()).
			Time("time", entry.Timestamp).
			Str("stream", stream).
			Msg(entry.Message)
	}

	for ch := range lb.subscribers {
		select {
		case ch <- entry:
		default:
			// slow subscriber; drop rather than block the process pipe
		}
	}
}

// GetRecent returns up to n of the newest entries, oldest first.
func (lb *LogBuffer) GetRecent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n <= 0 || n > len(lb.entries) {
		n = len(lb.entries)
	}
	out := make([]LogEntry, n)
	copy(out, lb.entries[len(lb.entries)-n:])
	return out
}

// GetSince returns entries with a timestamp at or after since.
func (lb *LogBuffer) GetSince(since time.Time) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var out []LogEntry
	for _, e := range lb.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// GetByLevel returns entries of exactly level.
func (lb *LogBuffer) GetByLevel(level LogLevel) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var out []LogEntry
	for _, e := range lb.entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel receiving every subsequently added entry.
// The channel is closed by Unsubscribe or Close.
func (lb *LogBuffer) Subscribe() chan LogEntry {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan LogEntry, 100)
	if lb.closed {
		close(ch)
		return ch
	}
	lb.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch.
func (lb *LogBuffer) Unsubscribe(ch chan LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.subscribers[ch]; ok {
		delete(lb.subscribers, ch)
		close(ch)
	}
}

// Clear drops all buffered entries.
func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.entries = lb.entries[:0]
}

// Close closes the log file and all subscriber channels. Buffered entries stay readable.
func (lb *LogBuffer) Close() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.closed {
		return nil
	}
	lb.closed = true

	for ch := range lb.subscribers {
		close(ch)
	}
	lb.subscribers = make(map[chan LogEntry]struct{})

	if lb.file != nil {
		if err := lb.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}
	return nil
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
