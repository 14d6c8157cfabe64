// Package orchestrator maps jobs to running preview dev servers. It owns the
// port pool, the process supervisor and the watchdog, and enforces at most
// one live preview per job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jongio/app-preview/cli/src/internal/config"
	"github.com/jongio/app-preview/cli/src/internal/metrics"
	"github.com/jongio/app-preview/cli/src/internal/portmanager"
	"github.com/jongio/app-preview/cli/src/internal/reclaim"
	"github.com/jongio/app-preview/cli/src/internal/registry"
	"github.com/jongio/app-preview/cli/src/internal/service"
	"github.com/jongio/app-preview/cli/src/internal/watchdog"
)

const (
	// portConfirmTimeout caps the wait for a port to accept connections once
	// the readiness marker is seen.
	portConfirmTimeout = 5 * time.Second
	// crashExitWait bounds how long a crash report waits for the exit status.
	crashExitWait = 500 * time.Millisecond
)

// PortReclaimer frees a port from whatever OS process holds it.
type PortReclaimer interface {
	ClearPort(ctx context.Context, port int) error
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	reclaimer      PortReclaimer
	store          registry.Store
	metrics        metrics.Collector
	portChecker    func(port int) bool
	supervisorOpts []service.SupervisorOption
	watchdogOpts   []watchdog.Option
	now            func() time.Time
}

// WithReclaimer replaces the OS-backed port reclaimer.
func WithReclaimer(r PortReclaimer) Option {
	return func(o *options) { o.reclaimer = r }
}

// WithStore replaces the configured state store.
func WithStore(s registry.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithPortChecker overrides the port pool's bind probe.
func WithPortChecker(checker func(port int) bool) Option {
	return func(o *options) { o.portChecker = checker }
}

// WithSupervisorOptions appends supervisor options.
func WithSupervisorOptions(opts ...service.SupervisorOption) Option {
	return func(o *options) { o.supervisorOpts = append(o.supervisorOpts, opts...) }
}

// WithWatchdogOptions appends watchdog options.
func WithWatchdogOptions(opts ...watchdog.Option) Option {
	return func(o *options) { o.watchdogOpts = append(o.watchdogOpts, opts...) }
}

// WithClock replaces time.Now for activity and idle accounting.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Orchestrator is the preview façade.
type Orchestrator struct {
	cfg        *config.Config
	ports      *portmanager.PortManager
	reclaimer  PortReclaimer
	supervisor *service.Supervisor
	watchdog   *watchdog.Watchdog
	registry   *registry.Registry
	metrics    metrics.Collector
	limiter    *rate.Limiter
	events     *eventBus
	locks      *keyedMutex
	now        func() time.Time

	mu       sync.Mutex
	previews map[string]*Preview
	starts   map[string]*startToken
	history  map[string]string // job -> project path of its last ready run
	closed   bool
}

type startToken struct {
	cancel context.CancelFunc
}

// New validates cfg and wires the components.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, newError(CodeInvalidConfiguration, "", "configuration rejected").withCause(err)
	}

	o := &options{metrics: metrics.NewNoop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	if o.reclaimer == nil {
		collector := o.metrics
		host := cfg.Process.Host
		o.reclaimer = reclaim.New(
			reclaim.WithSettleDelay(cfg.Reclaim.SettleDelay),
			reclaim.WithPortProbe(func(port int) bool { return portmanager.IsPortAvailable(host, port) }),
			reclaim.WithKillHook(func(port, pid int) { collector.ReclaimKill() }),
		)
	}

	portOpts := []portmanager.Option{
		portmanager.WithHost(cfg.Process.Host),
		portmanager.WithClearer(o.reclaimer),
	}
	if o.portChecker != nil {
		portOpts = append(portOpts, portmanager.WithPortChecker(o.portChecker))
	}
	ports, err := portmanager.New(cfg.Ports.Start, cfg.Ports.End, portOpts...)
	if err != nil {
		return nil, newError(CodeInvalidConfiguration, "", "invalid port range").withCause(err)
	}

	if o.store == nil {
		o.store, err = registry.Open(cfg.State.Driver, cfg.State.Path)
		if err != nil {
			return nil, newError(CodeInvalidConfiguration, "", "cannot open state store").withCause(err)
		}
	}

	orch := &Orchestrator{
		cfg:       cfg,
		ports:     ports,
		reclaimer: o.reclaimer,
		registry:  registry.New(o.store),
		metrics:   o.metrics,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Spawn.Rate), cfg.Spawn.Burst),
		events:    newEventBus(),
		locks:     newKeyedMutex(),
		now:       o.now,
		previews:  make(map[string]*Preview),
		starts:    make(map[string]*startToken),
		history:   make(map[string]string),
	}

	supOpts := []service.SupervisorOption{
		service.WithReclaimer(o.reclaimer),
		service.WithGracePeriod(cfg.Process.GracePeriod),
		service.WithSettleDelay(cfg.Startup.SettleDelay),
		service.WithLogs(cfg.Logs.Dir, cfg.Logs.BufferSize, cfg.Logs.ToFile),
	}
	orch.supervisor = service.NewSupervisor(append(supOpts, o.supervisorOpts...)...)

	wdOpts := []watchdog.Option{
		watchdog.WithInterval(cfg.Watchdog.Interval),
		watchdog.WithProbeTimeout(cfg.Watchdog.ProbeTimeout),
		watchdog.WithCrashHandler(orch.handleCrash),
		watchdog.WithHealthHandler(orch.recordHealth),
		watchdog.WithMetrics(o.metrics),
	}
	orch.watchdog = watchdog.New(append(wdOpts, o.watchdogOpts...)...)

	return orch, nil
}

// Config returns the active configuration.
func (o *Orchestrator) Config() *config.Config {
	return o.cfg
}

// Start launches a preview for jobID from projectPath and blocks until it is
// ready or the retry budget is spent. A running preview for the job is
// stopped first, and an in-flight Start for the job is cancelled.
func (o *Orchestrator) Start(ctx context.Context, jobID, projectPath string, onReady ReadyFunc) (Preview, error) {
	begun := o.now()
	p, err := o.start(ctx, jobID, projectPath, begun)
	o.metrics.StartFinished(startResult(err))
	if err != nil {
		return p, err
	}

	o.metrics.TimeToReady(o.now().Sub(begun))
	o.events.publish(Event{Type: EventReady, JobID: jobID, RunID: p.RunID, URL: p.URL, Port: p.Port, At: o.now()})
	if onReady != nil {
		onReady(jobID, p.URL)
	}
	return p, nil
}

func (o *Orchestrator) start(ctx context.Context, jobID, projectPath string, begun time.Time) (Preview, error) {
	if strings.TrimSpace(jobID) == "" {
		return Preview{}, newError(CodeInvalidRequest, "", "job id is required")
	}
	if err := checkProject(projectPath); err != nil {
		return Preview{}, newError(CodeProjectNotReady, jobID, "project path is not available yet").
			withCause(err).
			withSuggestion("retry once the project has been generated")
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	token, err := o.beginStart(jobID, cancel)
	if err != nil {
		return Preview{}, err
	}
	defer o.endStart(jobID, token)

	unlock := o.locks.Lock(jobID)
	defer unlock()

	if attemptCtx.Err() != nil {
		return Preview{}, o.cancelledError(ctx, jobID)
	}
	return o.startLocked(attemptCtx, ctx, jobID, projectPath, begun)
}

func checkProject(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("empty project path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func (o *Orchestrator) beginStart(jobID string, cancel context.CancelFunc) (*startToken, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errOrchestratorClose
	}
	if prev, ok := o.starts[jobID]; ok {
		slog.Info("superseding in-flight start", slog.String("job", jobID))
		prev.cancel()
	}
	token := &startToken{cancel: cancel}
	o.starts[jobID] = token
	return token, nil
}

func (o *Orchestrator) endStart(jobID string, token *startToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.starts[jobID] == token {
		delete(o.starts, jobID)
	}
}

// cancelStart aborts an in-flight Start for the job, if any.
func (o *Orchestrator) cancelStart(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if token, ok := o.starts[jobID]; ok {
		token.cancel()
	}
}

func (o *Orchestrator) cancelledError(parent context.Context, jobID string) *Error {
	if parent.Err() != nil {
		return newError(CodeStopped, jobID, "start cancelled by caller").withCause(parent.Err())
	}
	return newError(CodeStopped, jobID, "start superseded or stopped")
}

// startLocked runs the launch state machine. ctx is cancelled by Stop or a
// superseding Start; parent is the caller's context.
func (o *Orchestrator) startLocked(ctx, parent context.Context, jobID, projectPath string, begun time.Time) (Preview, error) {
	cleanup := context.WithoutCancel(ctx)

	crashes := 0
	if prev := o.lookup(jobID); prev != nil {
		crashes = prev.CrashCount
	}
	o.stopLocked(cleanup, jobID, "superseded")

	p := &Preview{
		JobID:       jobID,
		RunID:       uuid.NewString(),
		State:       StateQueued,
		ProjectPath: projectPath,
		StartedAt:   begun,
		CrashCount:  crashes,
	}
	o.mu.Lock()
	o.previews[jobID] = p
	_, warm := o.history[jobID]
	o.mu.Unlock()
	o.persist(cleanup, p)

	timeout := o.cfg.Startup.Timeout
	if warm {
		timeout = o.cfg.Startup.WarmTimeout
	}

	slog.Info("starting preview",
		slog.String("job", jobID),
		slog.String("run", p.RunID),
		slog.String("project", projectPath),
		slog.Duration("timeout", timeout))

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = o.cfg.Startup.RetryDelay
	retry.MaxInterval = 4 * o.cfg.Startup.RetryDelay
	retry.MaxElapsedTime = 0
	retry.Reset()

	maxAttempts := o.cfg.Startup.MaxRetries + 1
	port := 0
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			o.metrics.Retry(retryReason(lastErr))
			if o.cfg.Startup.RetryDelay > 0 {
				if err := sleepCtx(ctx, retry.NextBackOff()); err != nil {
					return o.fail(cleanup, p, o.cancelledError(parent, jobID))
				}
			}
		}

		o.update(p, func(pv *Preview) {
			pv.State = StateLaunching
			pv.RetryCount = attempt - 1
		})

		if port == 0 {
			previous, hadPort := o.ports.LastPortFor(jobID)
			allocated, err := o.ports.Allocate(jobID)
			if err != nil {
				if errors.Is(err, portmanager.ErrNoPortsAvailable) {
					start, end := o.ports.Range()
					return o.fail(cleanup, p, newError(CodePortsExhausted, jobID,
						fmt.Sprintf("all %d ports in %d-%d are in use", o.ports.Size(), start, end)).
						withCause(err).
						withSuggestion("stop an idle preview or widen ports.start/ports.end"))
				}
				return o.fail(cleanup, p, newError(CodeSpawnFailed, jobID, "port allocation failed").withCause(err))
			}
			port = allocated
			moved := hadPort && previous != port
			if moved {
				slog.Info("preview moved to a new port",
					slog.String("job", jobID),
					slog.Int("previousPort", previous),
					slog.Int("port", port))
			}
			o.update(p, func(pv *Preview) {
				pv.Port = port
				if moved {
					pv.PreviousPort = previous
				}
				pv.UpstreamURL = service.PreviewURL(o.cfg.Process.Host, port)
				pv.URL = o.publicURL(jobID, pv.UpstreamURL)
			})
		}
		o.persist(cleanup, p)
		o.refreshGauges()

		if err := o.reclaimer.ClearPort(ctx, port); err != nil {
			if ctx.Err() != nil {
				return o.fail(cleanup, p, o.cancelledError(parent, jobID))
			}
			slog.Warn("port may still be held before spawn",
				slog.String("job", jobID),
				slog.Int("port", port),
				slog.String("error", err.Error()))
		}

		launch, err := service.ResolveLaunch(projectPath, service.LaunchOptions{
			Command: o.cfg.Process.Command,
			Args:    o.cfg.Process.Args,
			Host:    o.cfg.Process.Host,
			Port:    port,
		})
		if err != nil {
			return o.fail(cleanup, p, newError(CodeSpawnFailed, jobID, "nothing runnable in project").
				withCause(err).
				withSuggestion("add a dev or start script to package.json, or set process.command"))
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return o.fail(cleanup, p, o.cancelledError(parent, jobID))
		}

		o.metrics.SpawnAttempt()
		proc, err := o.supervisor.Spawn(ctx, service.SpawnRequest{
			JobID:         jobID,
			RunID:         p.RunID,
			Dir:           projectPath,
			Command:       launch.Command,
			Args:          launch.Args,
			Host:          o.cfg.Process.Host,
			Port:          port,
			MemoryLimitMB: o.cfg.Process.MemoryLimitMB,
			Env:           o.cfg.Process.Env,
		})
		if err != nil {
			return o.fail(cleanup, p, newError(CodeSpawnFailed, jobID, "failed to launch dev server").withCause(err))
		}

		o.update(p, func(pv *Preview) {
			pv.State = StateStarting
			pv.PID = proc.PID()
			pv.Command = strings.TrimSpace(launch.Command + " " + strings.Join(launch.Args, " "))
			pv.Framework = launch.Framework
		})
		o.persist(cleanup, p)

		err = proc.WaitReady(ctx, timeout)
		if err == nil {
			err = o.confirmListening(ctx, port, timeout)
		}
		if err == nil {
			return o.markReady(cleanup, p, proc), nil
		}

		o.supervisor.Terminate(cleanup, jobID)
		o.update(p, func(pv *Preview) { pv.PID = 0 })
		if ctx.Err() != nil {
			return o.fail(cleanup, p, o.cancelledError(parent, jobID))
		}

		lastErr = err
		slog.Warn("start attempt failed",
			slog.String("job", jobID),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", maxAttempts),
			slog.Int("port", port),
			slog.String("error", err.Error()))

		if errors.Is(err, service.ErrBindConflict) {
			// reclaim the port from whatever holds it, then re-allocate;
			// the pool skips the port if it is still bound
			if ferr := o.ports.ForceFree(cleanup, port); ferr != nil {
				slog.Warn("could not reclaim conflicting port",
					slog.String("job", jobID),
					slog.Int("port", port),
					slog.String("error", ferr.Error()))
			}
			port = 0
		}
	}

	if errors.Is(lastErr, service.ErrStartupTimeout) {
		return o.fail(cleanup, p, newError(CodeStartupTimeout, jobID,
			fmt.Sprintf("not ready after %d attempts", maxAttempts)).
			withCause(lastErr).
			withSuggestion("check the preview logs; raise startup.timeout for slow builds"))
	}
	return o.fail(cleanup, p, newError(CodeSpawnFailed, jobID,
		fmt.Sprintf("dev server failed %d times", maxAttempts)).
		withCause(lastErr).
		withSuggestion("check the preview logs for the failure"))
}

// publicURL is the URL handed to callers. Behind the dashboard it is the
// proxy path, so every request through it counts as activity.
func (o *Orchestrator) publicURL(jobID, upstream string) string {
	base := strings.TrimRight(o.cfg.Server.PublicURL, "/")
	if base == "" {
		return upstream
	}
	return base + "/preview/" + url.PathEscape(jobID) + "/"
}

func (o *Orchestrator) markReady(ctx context.Context, p *Preview, proc *service.ManagedProcess) Preview {
	now := o.now()
	o.update(p, func(pv *Preview) {
		pv.State = StateReady
		pv.ReadyAt = now
		pv.LastActivity = now
		pv.Healthy = true
		pv.Error = ""
	})

	o.mu.Lock()
	o.history[p.JobID] = p.ProjectPath
	o.mu.Unlock()

	if _, ok := o.registry.Get(p.JobID); ok {
		if err := o.registry.UpdateState(ctx, p.JobID, string(StateReady), proc.PID()); err != nil {
			slog.Debug("state not persisted", slog.String("job", p.JobID), slog.String("error", err.Error()))
		}
	} else {
		o.persist(ctx, p)
	}

	snap := o.snapshot(p)
	healthURL := ""
	if o.cfg.Watchdog.HealthPath != "" {
		healthURL = strings.TrimRight(snap.UpstreamURL, "/") + "/" + strings.TrimLeft(o.cfg.Watchdog.HealthPath, "/")
	}
	o.watchdog.Attach(watchdog.Target{
		JobID:     p.JobID,
		RunID:     p.RunID,
		PID:       proc.PID(),
		HealthURL: healthURL,
		Ready:     o.readyCheck(snap.JobID, snap.RunID),
	})
	o.refreshGauges()

	slog.Info("preview ready",
		slog.String("job", snap.JobID),
		slog.String("url", snap.URL),
		slog.Int("pid", snap.PID),
		slog.Int("retries", snap.RetryCount),
		slog.Duration("elapsed", now.Sub(snap.StartedAt)))
	return snap
}

// readyCheck reports whether runID is still the job's ready run.
func (o *Orchestrator) readyCheck(jobID, runID string) func() bool {
	return func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		p, ok := o.previews[jobID]
		return ok && p.RunID == runID && p.State == StateReady
	}
}

// confirmListening waits for the port to accept connections after the
// readiness marker. Some servers print their banner before binding.
func (o *Orchestrator) confirmListening(ctx context.Context, port int, timeout time.Duration) error {
	host := o.cfg.Process.Host
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::", "[::]":
		host = "::1"
	}
	if err := service.WaitForPort(ctx, host, port, min(timeout, portConfirmTimeout)); err != nil {
		return fmt.Errorf("%w: ready marker seen but port %d is not accepting connections: %v",
			service.ErrStartupTimeout, port, err)
	}
	return nil
}

// fail moves p to a terminal state, frees its port and returns err.
func (o *Orchestrator) fail(ctx context.Context, p *Preview, err *Error) (Preview, error) {
	state := StateError
	evType := EventFailed
	if err.Code == CodeStopped {
		state = StateStopped
		evType = EventStopped
	}

	o.watchdog.Detach(p.JobID)
	o.supervisor.Terminate(ctx, p.JobID)
	o.ports.ReleaseJob(p.JobID)
	o.update(p, func(pv *Preview) {
		pv.State = state
		pv.Error = err.Error()
		pv.PID = 0
		pv.EndedAt = o.now()
	})
	o.unpersist(ctx, p.JobID)
	o.refreshGauges()

	snap := o.snapshot(p)
	o.events.publish(Event{Type: evType, JobID: snap.JobID, RunID: snap.RunID, Port: snap.Port, Reason: string(err.Code), At: o.now()})
	slog.Warn("preview start failed",
		slog.String("job", snap.JobID),
		slog.String("code", string(err.Code)),
		slog.String("error", err.Error()))
	return snap, err
}

// Stop terminates the job's preview. It is a no-op when nothing is running.
func (o *Orchestrator) Stop(ctx context.Context, jobID string) error {
	o.cancelStart(jobID)
	unlock := o.locks.Lock(jobID)
	defer unlock()
	o.stopLocked(ctx, jobID, "stopped")
	return nil
}

// stopLocked tears down a live preview and leaves a stopped tombstone.
func (o *Orchestrator) stopLocked(ctx context.Context, jobID, reason string) bool {
	p := o.lookup(jobID)
	if p == nil {
		return false
	}
	snap := o.snapshot(p)
	if snap.State.Terminal() {
		return false
	}

	slog.Info("stopping preview",
		slog.String("job", jobID),
		slog.Int("port", snap.Port),
		slog.Int("pid", snap.PID),
		slog.String("reason", reason))

	o.watchdog.Detach(jobID)
	o.supervisor.Terminate(ctx, jobID)
	o.ports.ReleaseJob(jobID)
	o.update(p, func(pv *Preview) {
		pv.State = StateStopped
		pv.PID = 0
		pv.EndedAt = o.now()
	})
	o.unpersist(ctx, jobID)
	o.refreshGauges()

	o.events.publish(Event{Type: EventStopped, JobID: jobID, RunID: snap.RunID, Port: snap.Port, Reason: reason, At: o.now()})
	return true
}

// Restart stops the job's preview and starts it again from its last project path.
func (o *Orchestrator) Restart(ctx context.Context, jobID string, onReady ReadyFunc) (Preview, error) {
	path := ""
	o.mu.Lock()
	if p, ok := o.previews[jobID]; ok {
		path = p.ProjectPath
	} else if h, ok := o.history[jobID]; ok {
		path = h
	}
	o.mu.Unlock()
	if path == "" {
		return Preview{}, newError(CodeNotFound, jobID, "job has never been started")
	}
	return o.Start(ctx, jobID, path, onReady)
}

// Status returns the job's preview without side effects.
func (o *Orchestrator) Status(jobID string) (Preview, error) {
	p := o.lookup(jobID)
	if p == nil {
		return Preview{}, newError(CodeNotFound, jobID, "no preview for job")
	}
	return o.snapshot(p), nil
}

// List returns every known preview ordered by job id.
func (o *Orchestrator) List() []Preview {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Preview, 0, len(o.previews))
	for _, p := range o.previews {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Touch records activity on the job's ready preview.
func (o *Orchestrator) Touch(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.previews[jobID]
	if !ok || p.State.Terminal() {
		return false
	}
	p.LastActivity = o.now()
	return true
}

// Logs returns the newest n output lines captured for the job.
func (o *Orchestrator) Logs(jobID string, n int) ([]service.LogEntry, error) {
	if o.supervisor.Buffer(jobID) == nil {
		return nil, newError(CodeNotFound, jobID, "no output captured for job")
	}
	return o.supervisor.Logs(jobID, n), nil
}

// LogBuffer exposes the job's live output buffer for streaming, or nil.
func (o *Orchestrator) LogBuffer(jobID string) *service.LogBuffer {
	return o.supervisor.Buffer(jobID)
}

// Ports returns the port pool state.
func (o *Orchestrator) Ports() []portmanager.Entry {
	return o.ports.Snapshot()
}

// Subscribe returns a channel of lifecycle events and its cancel function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.events.subscribe()
}

// handleCrash turns a ready preview whose process vanished into an error
// tombstone. It never restarts the preview.
func (o *Orchestrator) handleCrash(target watchdog.Target) {
	unlock := o.locks.Lock(target.JobID)
	defer unlock()

	p := o.lookup(target.JobID)
	if p == nil {
		return
	}
	snap := o.snapshot(p)
	if snap.RunID != target.RunID || snap.State != StateReady {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Process.GracePeriod+10*time.Second)
	defer cancel()

	reason := "process exited unexpectedly"
	if proc := o.supervisor.Get(target.JobID); proc != nil {
		select {
		case <-proc.Done():
		case <-time.After(crashExitWait):
		}
		if exitErr := proc.ExitErr(); exitErr != nil {
			reason += ": " + exitErr.Error()
		}
	}

	o.supervisor.Terminate(ctx, target.JobID)
	o.ports.ReleaseJob(target.JobID)
	o.update(p, func(pv *Preview) {
		pv.State = StateError
		pv.CrashCount++
		pv.Error = reason
		pv.Healthy = false
		pv.PID = 0
		pv.EndedAt = o.now()
	})
	o.unpersist(ctx, target.JobID)
	o.refreshGauges()

	slog.Error("preview crashed",
		slog.String("job", target.JobID),
		slog.String("reason", reason),
		slog.Int("pid", target.PID),
		slog.Int("port", snap.Port))
	o.events.publish(Event{Type: EventCrashed, JobID: target.JobID, RunID: target.RunID, URL: snap.URL, Port: snap.Port, At: o.now()})
}

func (o *Orchestrator) recordHealth(jobID string, h watchdog.Health) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.previews[jobID]; ok && p.State == StateReady {
		p.LastHealthCheck = h.LastCheck
		p.Healthy = h.Healthy
	}
}

func (o *Orchestrator) lookup(jobID string) *Preview {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previews[jobID]
}

func (o *Orchestrator) update(p *Preview, fn func(*Preview)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(p)
}

func (o *Orchestrator) snapshot(p *Preview) Preview {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *p
}

func (o *Orchestrator) persist(ctx context.Context, p *Preview) {
	snap := o.snapshot(p)
	err := o.registry.Register(ctx, registry.Record{
		JobID:       snap.JobID,
		RunID:       snap.RunID,
		Port:        snap.Port,
		PID:         snap.PID,
		ProjectPath: snap.ProjectPath,
		State:       string(snap.State),
		StartedAt:   snap.StartedAt,
	})
	if err != nil {
		slog.Debug("state not persisted", slog.String("job", snap.JobID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) unpersist(ctx context.Context, jobID string) {
	if err := o.registry.Unregister(ctx, jobID); err != nil {
		slog.Debug("state not persisted", slog.String("job", jobID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) refreshGauges() {
	active := 0
	o.mu.Lock()
	for _, p := range o.previews {
		if !p.State.Terminal() {
			active++
		}
	}
	o.mu.Unlock()
	o.metrics.ActivePreviews(active)
	o.metrics.PortsInUse(o.ports.InUse())
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, service.ErrBindConflict):
		return metrics.RetryBindConflict
	case errors.Is(err, service.ErrStartupTimeout):
		return metrics.RetryStartupTimeout
	default:
		return metrics.RetryExited
	}
}

func startResult(err error) string {
	if err == nil {
		return metrics.ResultReady
	}
	switch CodeOf(err) {
	case CodeProjectNotReady:
		return metrics.ResultProjectNotReady
	case CodePortsExhausted:
		return metrics.ResultPortsExhausted
	case CodeStartupTimeout:
		return metrics.ResultStartupTimeout
	case CodeStopped:
		return metrics.ResultCancelled
	default:
		return metrics.ResultSpawnFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
