package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jongio/app-preview/cli/src/internal/executor"
)

// DefaultSettleDelay is how long to wait after a readiness marker before
// reporting the process ready.
const DefaultSettleDelay = 500 * time.Millisecond

// pipeWaitDelay bounds how long Wait blocks on output pipes held open by
// grandchildren after the child itself exited.
const pipeWaitDelay = 2 * time.Second

// ProcessSpec is everything needed to start one preview process.
type ProcessSpec struct {
	JobID        string
	RunID        string
	Dir          string
	Command      string
	Args         []string
	Env          []string
	Host         string
	Port         int
	Buffer       *LogBuffer
	Echo         *ConsoleEcho
	Readiness    ReadinessDetector
	BindConflict ReadinessDetector
	SettleDelay  time.Duration
}

// ManagedProcess is a running preview child process with captured output.
type ManagedProcess struct {
	JobID     string
	RunID     string
	Host      string
	Port      int
	StartedAt time.Time

	cmd    *exec.Cmd
	pid    int
	buffer *LogBuffer
	echo   *ConsoleEcho
	settle time.Duration

	readiness    ReadinessDetector
	bindConflict ReadinessDetector

	markerOnce   sync.Once
	conflictOnce sync.Once
	marker       chan struct{}
	conflict     chan struct{}
	done         chan struct{}

	mu           sync.Mutex
	markerLine   string
	conflictLine string
	readyAt      time.Time
	exitErr      error

	terminating atomic.Bool
	stdout      *executor.LineWriter
	stderr      *executor.LineWriter
}

// StartProcess launches spec.Command directly (no shell) in spec.Dir.
func StartProcess(spec ProcessSpec) (*ManagedProcess, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: no command for job %s", ErrSpawnFailed, spec.JobID)
	}
	info, err := os.Stat(spec.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory: %v", ErrSpawnFailed, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: working directory %s is not a directory", ErrSpawnFailed, spec.Dir)
	}

	p := &ManagedProcess{
		JobID:        spec.JobID,
		RunID:        spec.RunID,
		Host:         spec.Host,
		Port:         spec.Port,
		buffer:       spec.Buffer,
		echo:         spec.Echo,
		settle:       spec.SettleDelay,
		readiness:    spec.Readiness,
		bindConflict: spec.BindConflict,
		marker:       make(chan struct{}),
		conflict:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	if p.readiness == nil {
		p.readiness = DefaultReadinessDetector()
	}
	if p.bindConflict == nil {
		p.bindConflict = DefaultBindConflictDetector()
	}

	// #nosec G204 -- command resolved from configuration or the project's package.json
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = pipeWaitDelay
	configureProcAttr(cmd)

	p.stdout = executor.NewLineWriter(io.Discard, p.lineHandler(false))
	p.stderr = executor.NewLineWriter(io.Discard, p.lineHandler(true))
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Command, err)
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.StartedAt = time.Now()

	go p.wait()
	return p, nil
}

func (p *ManagedProcess) wait() {
	err := p.cmd.Wait()
	_ = p.stdout.Flush()
	_ = p.stderr.Flush()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *ManagedProcess) lineHandler(isStderr bool) func(string) error {
	return func(line string) error {
		message := StripANSI(line)
		entry := LogEntry{
			JobID:     p.JobID,
			Message:   message,
			Timestamp: time.Now(),
			IsStderr:  isStderr,
			Level:     inferLogLevel(message),
		}
		if p.buffer != nil {
			p.buffer.Add(entry)
		}
		if p.echo != nil {
			p.echo.Write(entry)
		}

		switch {
		case p.bindConflict.DetectReadiness(message):
			p.conflictOnce.Do(func() {
				p.mu.Lock()
				p.conflictLine = message
				p.mu.Unlock()
				close(p.conflict)
			})
		case p.readiness.DetectReadiness(message):
			p.markerOnce.Do(func() {
				p.mu.Lock()
				p.markerLine = message
				p.mu.Unlock()
				close(p.marker)
			})
		}
		return nil
	}
}

// WaitReady blocks until the process printed a readiness marker and survived
// the settle delay. It returns ErrBindConflict, ErrExitedBeforeReady,
// ErrStartupTimeout or the context error otherwise.
func (p *ManagedProcess) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.marker:
	case <-p.conflict:
		return p.conflictError()
	case <-p.done:
		select {
		case <-p.conflict:
			return p.conflictError()
		default:
		}
		return p.exitError()
	case <-timer.C:
		return fmt.Errorf("%w: no readiness output within %s", ErrStartupTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	settle := time.NewTimer(p.settle)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-p.conflict:
		return p.conflictError()
	case <-p.done:
		return p.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-p.done:
		return p.exitError()
	default:
	}

	p.mu.Lock()
	p.readyAt = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *ManagedProcess) conflictError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Errorf("%w: port %d: %s", ErrBindConflict, p.Port, p.conflictLine)
}

func (p *ManagedProcess) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrExitedBeforeReady, p.exitErr)
	}
	return fmt.Errorf("%w: exit status 0", ErrExitedBeforeReady)
}

// PID returns the child's process id.
func (p *ManagedProcess) PID() int {
	return p.pid
}

// Done is closed once the process has exited and its output is drained.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once the process has exited.
func (p *ManagedProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ReadyAt returns when WaitReady succeeded, or the zero time.
func (p *ManagedProcess) ReadyAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyAt
}

// ReadyLine returns the output line that matched a readiness marker.
func (p *ManagedProcess) ReadyLine() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markerLine
}

// Terminating reports whether termination was requested by the supervisor.
func (p *ManagedProcess) Terminating() bool {
	return p.terminating.Load()
}

// URL returns the preview URL for the process's port.
func (p *ManagedProcess) URL() string {
	return PreviewURL(p.Host, p.Port)
}

// PreviewURL derives the public URL for a preview on port. Wildcard hosts
// map to localhost.
func PreviewURL(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}
