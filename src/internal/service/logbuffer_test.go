package service

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestBuffer(t *testing.T, maxSize int, toFile bool) *LogBuffer {
	t.Helper()
	buffer, err := NewLogBuffer("job-1", maxSize, toFile, t.TempDir())
	if err != nil {
		t.Fatalf("NewLogBuffer() error = %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func addN(buffer *LogBuffer, n int, level LogLevel) {
	for i := 0; i < n; i++ {
		buffer.Add(LogEntry{JobID: "job-1", Message: "msg", Timestamp: time.Now(), Level: level})
	}
}

func TestNewLogBuffer(t *testing.T) {
	tests := []struct {
		name              string
		maxSize           int
		enableFileLogging bool
		wantMaxSize       int
	}{
		{name: "memory only", maxSize: 100, wantMaxSize: 100},
		{name: "with file logging", maxSize: 100, enableFileLogging: true, wantMaxSize: 100},
		{name: "zero size uses default", maxSize: 0, wantMaxSize: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buffer := newTestBuffer(t, tt.maxSize, tt.enableFileLogging)

			if buffer.maxSize != tt.wantMaxSize {
				t.Errorf("maxSize = %d, want %d", buffer.maxSize, tt.wantMaxSize)
			}
			if tt.enableFileLogging && (buffer.file == nil || buffer.FilePath() == "") {
				t.Error("file logging enabled but no file opened")
			}
			if !tt.enableFileLogging && buffer.FilePath() != "" {
				t.Errorf("FilePath() = %q with file logging off", buffer.FilePath())
			}
		})
	}
}

func TestLogBuffer_CircularBuffer(t *testing.T) {
	buffer := newTestBuffer(t, 5, false)
	for i := 0; i < 10; i++ {
		buffer.Add(LogEntry{Message: string(rune('a' + i)), Timestamp: time.Now()})
	}

	recent := buffer.GetRecent(100)
	if len(recent) != 5 {
		t.Fatalf("len(GetRecent) = %d, want 5", len(recent))
	}
	if recent[0].Message != "f" || recent[4].Message != "j" {
		t.Errorf("buffer kept %q..%q, want f..j", recent[0].Message, recent[4].Message)
	}
}

func TestLogBuffer_GetRecent(t *testing.T) {
	buffer := newTestBuffer(t, 100, false)
	addN(buffer, 10, LogLevelInfo)

	tests := []struct {
		n    int
		want int
	}{
		{5, 5},
		{10, 10},
		{20, 10},
		{0, 10},
	}
	for _, tt := range tests {
		if got := len(buffer.GetRecent(tt.n)); got != tt.want {
			t.Errorf("GetRecent(%d) returned %d entries, want %d", tt.n, got, tt.want)
		}
	}
}

func TestLogBuffer_GetSince(t *testing.T) {
	buffer := newTestBuffer(t, 100, false)
	now := time.Now()
	for i := 5; i >= 1; i-- {
		buffer.Add(LogEntry{Message: "msg", Timestamp: now.Add(-time.Duration(i) * time.Second)})
	}

	if got := len(buffer.GetSince(now.Add(-3 * time.Second))); got != 3 {
		t.Errorf("GetSince() returned %d entries, want 3", got)
	}
}

func TestLogBuffer_GetByLevel(t *testing.T) {
	buffer := newTestBuffer(t, 100, false)
	for _, level := range []LogLevel{LogLevelInfo, LogLevelError, LogLevelWarn, LogLevelInfo, LogLevelError} {
		buffer.Add(LogEntry{Message: "msg", Timestamp: time.Now(), Level: level})
	}

	tests := []struct {
		level LogLevel
		want  int
	}{
		{LogLevelInfo, 2},
		{LogLevelError, 2},
		{LogLevelWarn, 1},
		{LogLevelDebug, 0},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := len(buffer.GetByLevel(tt.level)); got != tt.want {
				t.Errorf("GetByLevel(%v) returned %d entries, want %d", tt.level, got, tt.want)
			}
		})
	}
}

func TestLogBuffer_Subscribe(t *testing.T) {
	buffer := newTestBuffer(t, 100, false)

	ch1 := buffer.Subscribe()
	ch2 := buffer.Subscribe()
	buffer.Add(LogEntry{Message: "broadcast", Timestamp: time.Now()})

	timeout := time.After(time.Second)
	for i, ch := range []chan LogEntry{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Message != "broadcast" {
				t.Errorf("subscriber %d got %q", i, got.Message)
			}
		case <-timeout:
			t.Fatalf("subscriber %d: timeout waiting for entry", i)
		}
	}

	buffer.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("channel not closed after Unsubscribe")
	}
	buffer.Unsubscribe(ch1) // second call is a no-op
}

func TestLogBuffer_SlowSubscriberDoesNotBlock(t *testing.T) {
	buffer := newTestBuffer(t, 1000, false)
	_ = buffer.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		addN(buffer, 500, LogLevelInfo)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Add blocked on a full subscriber channel")
	}
}

func TestLogBuffer_Clear(t *testing.T) {
	buffer := newTestBuffer(t, 100, false)
	addN(buffer, 5, LogLevelInfo)
	buffer.Clear()

	if got := len(buffer.GetRecent(10)); got != 0 {
		t.Errorf("len after Clear() = %d, want 0", got)
	}
}

func TestLogBuffer_FileLogging(t *testing.T) {
	dir := t.TempDir()
	buffer, err := NewLogBuffer("job/with:odd chars", 100, true, dir)
	if err != nil {
		t.Fatalf("NewLogBuffer() error = %v", err)
	}
	if strings.ContainsAny(buffer.FilePath()[len(dir)+1:], "/: ") {
		t.Errorf("log file name not sanitized: %s", buffer.FilePath())
	}

	buffer.Add(LogEntry{Message: "ready in 20ms", Timestamp: time.Now(), Level: LogLevelInfo})
	buffer.Add(LogEntry{Message: "EADDRINUSE", Timestamp: time.Now(), Level: LogLevelError, IsStderr: true})
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(buffer.FilePath())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var records []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("log line is not JSON: %q", scanner.Text())
		}
		records = append(records, rec)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["message"] != "ready in 20ms" || records[0]["stream"] != "stdout" || records[0]["level"] != "info" {
		t.Errorf("record[0] = %v", records[0])
	}
	if records[1]["stream"] != "stderr" || records[1]["level"] != "error" {
		t.Errorf("record[1] = %v", records[1])
	}
	if records[0]["job"] != "job/with:odd chars" {
		t.Errorf("job field = %v", records[0]["job"])
	}
}

func TestLogBuffer_Close(t *testing.T) {
	buffer, err := NewLogBuffer("job-1", 100, true, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ch := buffer.Subscribe()

	if err := buffer.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed after Close()")
	}

	// Entries added after Close stay readable but are not written or broadcast.
	buffer.Add(LogEntry{Message: "late", Timestamp: time.Now()})
	if got := buffer.GetRecent(1); len(got) != 1 || got[0].Message != "late" {
		t.Errorf("GetRecent after Close = %v", got)
	}
	if _, ok := <-buffer.Subscribe(); ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
	if err := buffer.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestInferLogLevel(t *testing.T) {
	tests := []struct {
		msg  string
		want LogLevel
	}{
		{"Error: listen EADDRINUSE", LogLevelError},
		{"Unhandled exception", LogLevelError},
		{"panic: runtime error", LogLevelError},
		{"warning: deprecated option", LogLevelWarn},
		{"[debug] resolved config", LogLevelDebug},
		{"ready in 120 ms", LogLevelInfo},
	}
	for _, tt := range tests {
		if got := inferLogLevel(tt.msg); got != tt.want {
			t.Errorf("inferLogLevel(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestConsoleEcho(t *testing.T) {
	var out bytes.Buffer
	echo := NewConsoleEcho(&out)

	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	first := echo.Format("job-a", "hello", at)
	again := echo.Format("job-a", "hello", at)
	other := echo.Format("job-b", "hello", at)

	if first != again {
		t.Error("color for a job changed between calls")
	}
	if first == other {
		t.Error("different jobs share a color")
	}
	if !strings.Contains(first, "15:04:05") || !strings.Contains(first, "job-a") {
		t.Errorf("Format() = %q", first)
	}

	echo.Write(LogEntry{JobID: "a-very-long-job-identifier", Message: "line", Timestamp: at})
	if !strings.Contains(out.String(), "a-very-long-...") {
		t.Errorf("long job id not truncated: %q", out.String())
	}
}
