package executor

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func echoCommand() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", []string{"/c", "echo", "test"}
	}
	return "echo", []string{"test"}
}

func sleepCommand() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", []string{"/c", "timeout", "10"}
	}
	return "sleep", []string{"10"}
}

func TestRunWithContext(t *testing.T) {
	name, args := echoCommand()
	if err := RunWithContext(context.Background(), name, args, t.TempDir()); err != nil {
		t.Errorf("RunWithContext() error = %v, want nil", err)
	}
}

func TestRunWithContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	name, args := sleepCommand()
	if err := RunWithContext(ctx, name, args, ""); err == nil {
		t.Error("RunWithContext() with canceled context should fail")
	}
}

func TestRunCommandWithOutput(t *testing.T) {
	name, args := echoCommand()
	out, err := RunCommandWithOutput(context.Background(), name, args, "")
	if err != nil {
		t.Fatalf("RunCommandWithOutput() error = %v, want nil", err)
	}
	if !strings.Contains(string(out), "test") {
		t.Errorf("RunCommandWithOutput() output = %q, want to contain %q", out, "test")
	}
}

func TestRunCommandWithOutputTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	name, args := sleepCommand()
	_, err := RunCommandWithOutput(ctx, name, args, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunCommandWithOutput() error = %v, want deadline exceeded", err)
	}
}

func TestRunCommandWithOutputInvalidCommand(t *testing.T) {
	_, err := RunCommandWithOutput(context.Background(), "nonexistent-command-xyz-123", nil, "")
	if err == nil {
		t.Error("RunCommandWithOutput() with invalid command should fail")
	}
}

func TestLineWriter(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   []string
	}{
		{name: "single line", writes: []string{"line 1\n"}, want: []string{"line 1"}},
		{name: "multiple lines in one write", writes: []string{"a\nb\n"}, want: []string{"a", "b"}},
		{name: "partial line joined", writes: []string{"partial", " line\n"}, want: []string{"partial line"}},
		{name: "crlf stripped", writes: []string{"VITE ready\r\n"}, want: []string{"VITE ready"}},
		{name: "unterminated held back", writes: []string{"done\nwaiting"}, want: []string{"done"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			var tee bytes.Buffer
			lw := NewLineWriter(&tee, func(line string) error {
				lines = append(lines, line)
				return nil
			})

			for _, w := range tt.writes {
				if _, err := lw.Write([]byte(w)); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}

			if strings.Join(lines, "|") != strings.Join(tt.want, "|") {
				t.Errorf("lines = %q, want %q", lines, tt.want)
			}
			if tee.String() != strings.Join(tt.writes, "") {
				t.Errorf("tee output = %q", tee.String())
			}
		})
	}
}

func TestLineWriterFlush(t *testing.T) {
	var lines []string
	lw := NewLineWriter(nil, func(line string) error {
		lines = append(lines, line)
		return nil
	})

	_, _ = lw.Write([]byte("no newline"))
	if len(lines) != 0 {
		t.Fatalf("len(lines) = %d before Flush, want 0", len(lines))
	}
	if err := lw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(lines) != 1 || lines[0] != "no newline" {
		t.Errorf("lines = %q, want [no newline]", lines)
	}
	// Second flush is a no-op.
	_ = lw.Flush()
	if len(lines) != 1 {
		t.Errorf("len(lines) = %d after second Flush, want 1", len(lines))
	}
}

func TestLineWriterHandlerError(t *testing.T) {
	wantErr := errors.New("stop")
	lw := NewLineWriter(nil, func(string) error { return wantErr })

	if _, err := lw.Write([]byte("x\n")); !errors.Is(err, wantErr) {
		t.Errorf("Write() error = %v, want %v", err, wantErr)
	}
}
