package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a terminating process gets before SIGKILL.
const DefaultGracePeriod = 1500 * time.Millisecond

// PortClearer frees a port from whatever process still holds it.
type PortClearer interface {
	ClearPort(ctx context.Context, port int) error
}

// SpawnRequest describes a preview process to start.
type SpawnRequest struct {
	JobID         string
	RunID         string
	Dir           string
	Command       string
	Args          []string
	Host          string
	Port          int
	MemoryLimitMB int
	Env           map[string]string
}

// Supervisor owns at most one child process per job.
type Supervisor struct {
	mu      sync.Mutex
	procs   map[string]*ManagedProcess
	buffers map[string]*LogBuffer

	reclaimer    PortClearer
	gracePeriod  time.Duration
	settleDelay  time.Duration
	logsDir      string
	bufferSize   int
	logToFile    bool
	echo         *ConsoleEcho
	readiness    ReadinessDetector
	bindConflict ReadinessDetector
	baseEnv      func() []string
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithReclaimer sets the port backstop run after every termination.
func WithReclaimer(c PortClearer) SupervisorOption {
	return func(s *Supervisor) { s.reclaimer = c }
}

// WithGracePeriod sets the SIGTERM to SIGKILL delay.
func WithGracePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.gracePeriod = d }
}

// WithSettleDelay sets the post-marker settle delay.
func WithSettleDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.settleDelay = d }
}

// WithLogs configures per-job output buffers and optional log files in dir.
func WithLogs(dir string, bufferSize int, toFile bool) SupervisorOption {
	return func(s *Supervisor) {
		s.logsDir = dir
		s.bufferSize = bufferSize
		s.logToFile = toFile && dir != ""
	}
}

// WithConsoleEcho mirrors every output line to echo.
func WithConsoleEcho(echo *ConsoleEcho) SupervisorOption {
	return func(s *Supervisor) { s.echo = echo }
}

// WithReadinessDetector replaces the default readiness markers.
func WithReadinessDetector(d ReadinessDetector) SupervisorOption {
	return func(s *Supervisor) { s.readiness = d }
}

// WithBindConflictDetector replaces the default bind conflict markers.
func WithBindConflictDetector(d ReadinessDetector) SupervisorOption {
	return func(s *Supervisor) { s.bindConflict = d }
}

// WithBaseEnv replaces os.Environ as the base environment for children.
func WithBaseEnv(env func() []string) SupervisorOption {
	return func(s *Supervisor) { s.baseEnv = env }
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		procs:        make(map[string]*ManagedProcess),
		buffers:      make(map[string]*LogBuffer),
		gracePeriod:  DefaultGracePeriod,
		settleDelay:  DefaultSettleDelay,
		bufferSize:   1000,
		readiness:    DefaultReadinessDetector(),
		bindConflict: DefaultBindConflictDetector(),
		baseEnv:      os.Environ,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts the process described by req. Any process still registered
// for the job is terminated first. Spawn does not wait for readiness.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*ManagedProcess, error) {
	if s.Get(req.JobID) != nil {
		slog.Warn("replacing running process",
			slog.String("job", req.JobID))
		s.Terminate(ctx, req.JobID)
	}

	buffer, err := s.bufferFor(req.JobID)
	if err != nil {
		return nil, err
	}

	env := BuildEnv(s.baseEnv(), EnvOptions{
		Host:          req.Host,
		Port:          req.Port,
		MemoryLimitMB: req.MemoryLimitMB,
		Extra:         req.Env,
	})

	proc, err := StartProcess(ProcessSpec{
		JobID:        req.JobID,
		RunID:        req.RunID,
		Dir:          req.Dir,
		Command:      req.Command,
		Args:         req.Args,
		Env:          env,
		Host:         req.Host,
		Port:         req.Port,
		Buffer:       buffer,
		Echo:         s.echo,
		Readiness:    s.readiness,
		BindConflict: s.bindConflict,
		SettleDelay:  s.settleDelay,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("spawned preview process",
		slog.String("job", req.JobID),
		slog.Int("pid", proc.PID()),
		slog.Int("port", req.Port),
		slog.String("command", req.Command))

	s.mu.Lock()
	s.procs[req.JobID] = proc
	s.mu.Unlock()
	return proc, nil
}

func (s *Supervisor) bufferFor(jobID string) (*LogBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lb, ok := s.buffers[jobID]; ok {
		return lb, nil
	}
	lb, err := NewLogBuffer(jobID, s.bufferSize, s.logToFile, s.logsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create log buffer for %s: %w", jobID, err)
	}
	s.buffers[jobID] = lb
	return lb, nil
}

// Get returns the job's registered process, or nil.
func (s *Supervisor) Get(jobID string) *ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[jobID]
}

// Jobs returns the ids of jobs with a registered process.
func (s *Supervisor) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Terminate stops the job's process: SIGTERM to its process group, SIGKILL
// after the grace period, then the port reclaimer as a backstop. It reports
// whether a process was registered for the job.
func (s *Supervisor) Terminate(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	proc, ok := s.procs[jobID]
	delete(s.procs, jobID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	proc.terminating.Store(true)
	s.stop(proc)

	if s.reclaimer != nil {
		if err := s.reclaimer.ClearPort(ctx, proc.Port); err != nil {
			slog.Warn("port still held after termination",
				slog.String("job", jobID),
				slog.Int("port", proc.Port),
				slog.String("error", err.Error()))
		}
	}
	return true
}

func (s *Supervisor) stop(proc *ManagedProcess) {
	if proc.Exited() {
		// the leader is gone but its group may still hold the port
		if err := killGroup(proc.PID()); err != nil {
			slog.Debug("process group already gone",
				slog.String("job", proc.JobID),
				slog.String("error", err.Error()))
		}
		return
	}

	slog.Info("stopping preview process",
		slog.String("job", proc.JobID),
		slog.Int("pid", proc.PID()),
		slog.Int("port", proc.Port),
		slog.Duration("timeout", s.gracePeriod))

	if err := terminateGroup(proc.PID()); err != nil {
		slog.Debug("graceful shutdown signal failed",
			slog.String("job", proc.JobID),
			slog.String("error", err.Error()))
	}

	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()
	select {
	case <-proc.Done():
		slog.Info("preview process stopped gracefully",
			slog.String("job", proc.JobID))
		return
	case <-grace.C:
	}

	slog.Warn("graceful shutdown timeout, forcing kill",
		slog.String("job", proc.JobID),
		slog.Duration("timeout", s.gracePeriod))
	if err := killGroup(proc.PID()); err != nil {
		slog.Warn("failed to kill process group",
			slog.String("job", proc.JobID),
			slog.String("error", err.Error()))
	}

	select {
	case <-proc.Done():
	case <-time.After(pipeWaitDelay + time.Second):
		slog.Warn("process did not report exit after kill",
			slog.String("job", proc.JobID),
			slog.Int("pid", proc.PID()))
	}
}

// Forget drops the job's process entry and closes its log buffer. The
// process must already be terminated.
func (s *Supervisor) Forget(jobID string) {
	s.mu.Lock()
	lb := s.buffers[jobID]
	delete(s.buffers, jobID)
	delete(s.procs, jobID)
	s.mu.Unlock()
	if lb != nil {
		if err := lb.Close(); err != nil {
			slog.Debug("failed to close log buffer",
				slog.String("job", jobID),
				slog.String("error", err.Error()))
		}
	}
}

// Buffer returns the job's log buffer, or nil if it never ran.
func (s *Supervisor) Buffer(jobID string) *LogBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[jobID]
}

// Logs returns the job's newest n output lines.
func (s *Supervisor) Logs(jobID string, n int) []LogEntry {
	lb := s.Buffer(jobID)
	if lb == nil {
		return nil
	}
	return lb.GetRecent(n)
}

// TerminateAll stops every registered process concurrently.
func (s *Supervisor) TerminateAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range s.Jobs() {
		wg.Go(func() {
			s.Terminate(ctx, id)
		})
	}
	wg.Wait()
}

// Close terminates everything and closes all log buffers.
func (s *Supervisor) Close(ctx context.Context) {
	s.TerminateAll(ctx)
	s.mu.Lock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Forget(id)
	}
}
