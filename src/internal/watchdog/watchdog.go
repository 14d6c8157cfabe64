// Package watchdog periodically checks that ready previews are alive and healthy.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sony/gobreaker"

	"github.com/jongio/app-preview/cli/src/internal/metrics"
	"github.com/jongio/app-preview/cli/src/internal/service"
)

// Defaults.
const (
	DefaultInterval     = 15 * time.Second
	DefaultProbeTimeout = 3 * time.Second
	// breakerTrips is how many consecutive failed probes open the breaker.
	breakerTrips = 3
)

// Target is a preview under watch.
type Target struct {
	JobID string
	RunID string
	PID   int
	// HealthURL is probed while the preview is ready. Empty disables probing.
	HealthURL string
	// Ready reports whether the preview is ready. Nil means always ready.
	Ready func() bool
}

// Health is the latest observation for a watched preview.
type Health struct {
	LastCheck           time.Time `json:"lastCheck"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Breaker             string    `json:"breaker"`
}

// CrashFunc is called once when a watched PID disappears. The target has
// already been detached.
type CrashFunc func(target Target)

// HealthFunc is called after every check.
type HealthFunc func(jobID string, health Health)

// Watchdog runs one ticker goroutine per attached preview.
type Watchdog struct {
	mu      sync.Mutex
	watches map[string]*watch

	interval     time.Duration
	probeTimeout time.Duration
	alive        func(ctx context.Context, pid int) bool
	probe        func(ctx context.Context, url string, timeout time.Duration) error
	onCrash      CrashFunc
	onHealth     HealthFunc
	metrics      metrics.Collector
}

type watch struct {
	target  Target
	cancel  context.CancelFunc
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	health Health
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithInterval sets the check interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.interval = d }
}

// WithProbeTimeout bounds each health probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(w *Watchdog) { w.probeTimeout = d }
}

// WithLivenessCheck replaces the PID existence probe.
func WithLivenessCheck(alive func(ctx context.Context, pid int) bool) Option {
	return func(w *Watchdog) { w.alive = alive }
}

// WithHealthProbe replaces the HTTP health probe.
func WithHealthProbe(probe func(ctx context.Context, url string, timeout time.Duration) error) Option {
	return func(w *Watchdog) { w.probe = probe }
}

// WithCrashHandler sets the crash callback.
func WithCrashHandler(fn CrashFunc) Option {
	return func(w *Watchdog) { w.onCrash = fn }
}

// WithHealthHandler sets the per-check callback.
func WithHealthHandler(fn HealthFunc) Option {
	return func(w *Watchdog) { w.onHealth = fn }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(w *Watchdog) { w.metrics = c }
}

// New creates a watchdog.
func New(opts ...Option) *Watchdog {
	w := &Watchdog{
		watches:      make(map[string]*watch),
		interval:     DefaultInterval,
		probeTimeout: DefaultProbeTimeout,
		alive:        PIDExists,
		probe:        service.HTTPHealthCheck,
		metrics:      metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// PIDExists asks the OS whether pid exists without signalling it.
func PIDExists(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return service.ProcessAlive(pid)
	}
	return exists
}

// Attach starts watching target, replacing any existing watch for the job.
func (w *Watchdog) Attach(target Target) {
	ctx, cancel := context.WithCancel(context.Background())
	wt := &watch{
		target: target,
		cancel: cancel,
		health: Health{Healthy: true, Breaker: gobreaker.StateClosed.String()},
	}
	wt.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target.JobID,
		MaxRequests: 1,
		Timeout:     w.interval * breakerTrips,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("health breaker state changed",
				slog.String("job", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	w.mu.Lock()
	if old, ok := w.watches[target.JobID]; ok {
		old.cancel()
	}
	w.watches[target.JobID] = wt
	w.mu.Unlock()

	slog.Debug("watchdog attached",
		slog.String("job", target.JobID),
		slog.Int("pid", target.PID),
		slog.Duration("interval", w.interval))

	go w.run(ctx, wt)
}

// Detach stops watching the job. It does not wait for an in-flight check.
func (w *Watchdog) Detach(jobID string) bool {
	w.mu.Lock()
	wt, ok := w.watches[jobID]
	delete(w.watches, jobID)
	w.mu.Unlock()
	if !ok {
		return false
	}
	wt.cancel()
	slog.Debug("watchdog detached", slog.String("job", jobID))
	return true
}

// DetachAll stops every watch.
func (w *Watchdog) DetachAll() {
	for _, id := range w.Attached() {
		w.Detach(id)
	}
}

// Attached returns the watched job ids.
func (w *Watchdog) Attached() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.watches))
	for id := range w.watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Health returns the latest observation for the job.
func (w *Watchdog) Health(jobID string) (Health, bool) {
	w.mu.Lock()
	wt, ok := w.watches[jobID]
	w.mu.Unlock()
	if !ok {
		return Health{}, false
	}
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.health, true
}

func (w *Watchdog) run(ctx context.Context, wt *watch) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if crashed := w.check(ctx, wt); crashed {
				return
			}
		}
	}
}

// check runs one liveness and health pass and reports whether the process is gone.
func (w *Watchdog) check(ctx context.Context, wt *watch) bool {
	t := wt.target
	if !w.alive(ctx, t.PID) {
		if ctx.Err() != nil {
			return true
		}
		w.mu.Lock()
		current := w.watches[t.JobID] == wt
		if current {
			delete(w.watches, t.JobID)
		}
		w.mu.Unlock()
		wt.cancel()
		if !current {
			return true
		}

		slog.Warn("preview process exited unexpectedly",
			slog.String("job", t.JobID),
			slog.Int("pid", t.PID))
		w.metrics.Crash()
		if w.onCrash != nil {
			w.onCrash(t)
		}
		return true
	}

	if t.HealthURL == "" || (t.Ready != nil && !t.Ready()) {
		w.record(wt, true, false)
		return false
	}

	_, err := wt.breaker.Execute(func() (interface{}, error) {
		return nil, w.probe(ctx, t.HealthURL, w.probeTimeout)
	})
	if ctx.Err() != nil {
		return true
	}

	switch {
	case err == nil:
		w.record(wt, true, true)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		slog.Debug("health probe suspended",
			slog.String("job", t.JobID),
			slog.String("breaker", wt.breaker.State().String()))
		w.record(wt, false, false)
	default:
		slog.Warn("preview health degraded",
			slog.String("job", t.JobID),
			slog.String("url", t.HealthURL),
			slog.String("error", err.Error()))
		w.record(wt, false, true)
	}
	return false
}

func (w *Watchdog) record(wt *watch, healthy, probed bool) {
	wt.mu.Lock()
	wt.health.LastCheck = time.Now()
	wt.health.Healthy = healthy
	if healthy {
		wt.health.ConsecutiveFailures = 0
	} else {
		wt.health.ConsecutiveFailures++
	}
	wt.health.Breaker = wt.breaker.State().String()
	h := wt.health
	wt.mu.Unlock()

	if probed {
		w.metrics.HealthProbe(healthy)
	}
	if w.onHealth != nil {
		w.onHealth(wt.target.JobID, h)
	}
}
