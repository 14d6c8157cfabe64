// Package reclaim finds and kills OS processes bound to a TCP port.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSettleDelay is the wait after killing holders so the kernel releases the socket.
const DefaultSettleDelay = time.Second

var (
	// ErrNoFinder is returned when every discovery strategy failed and the port is bound.
	ErrNoFinder = errors.New("no port discovery strategy available")
	// ErrStillBound is returned when the port is still bound after its holders were killed.
	ErrStillBound = errors.New("port still bound after reclaim")
)

// Finder discovers the PIDs listening on a TCP port.
type Finder interface {
	Name() string
	Find(ctx context.Context, port int) ([]int, error)
}

// Option configures a Reclaimer.
type Option func(*Reclaimer)

// WithFinders replaces the discovery strategies. They are tried in order.
func WithFinders(finders ...Finder) Option {
	return func(r *Reclaimer) { r.finders = finders }
}

// WithKiller replaces the function used to forcibly terminate a PID.
func WithKiller(kill func(ctx context.Context, pid int) error) Option {
	return func(r *Reclaimer) { r.kill = kill }
}

// WithSettleDelay sets the post-kill wait.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Reclaimer) { r.settle = d }
}

// WithPortProbe sets the check used to confirm the port was released.
func WithPortProbe(free func(port int) bool) Option {
	return func(r *Reclaimer) { r.portFree = free }
}

// WithKillHook registers a callback invoked after each holder is killed.
func WithKillHook(hook func(port, pid int)) Option {
	return func(r *Reclaimer) { r.onKill = hook }
}

// Reclaimer clears ports held by stray processes.
type Reclaimer struct {
	finders  []Finder
	kill     func(ctx context.Context, pid int) error
	settle   time.Duration
	portFree func(port int) bool
	onKill   func(port, pid int)
	self     int
}

// New returns a Reclaimer using the platform's default discovery strategies.
func New(opts ...Option) *Reclaimer {
	r := &Reclaimer{
		finders: DefaultFinders(),
		kill:    KillPID,
		settle:  DefaultSettleDelay,
		self:    os.Getpid(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Holders returns the PIDs bound to port, excluding the current process. The first
// strategy that reports at least one holder wins. If every strategy errors, the
// last error is returned.
func (r *Reclaimer) Holders(ctx context.Context, port int) ([]int, error) {
	var lastErr error
	failures := 0

	for _, f := range r.finders {
		pids, err := f.Find(ctx, port)
		if err != nil {
			failures++
			lastErr = fmt.Errorf("%s: %w", f.Name(), err)
			slog.Debug("port discovery strategy failed",
				slog.String("strategy", f.Name()),
				slog.Int("port", port),
				slog.String("error", err.Error()))
			continue
		}
		pids = r.filter(pids)
		if len(pids) > 0 {
			slog.Debug("found port holders",
				slog.String("strategy", f.Name()),
				slog.Int("port", port),
				slog.Any("pids", pids))
			return pids, nil
		}
	}

	if failures > 0 && failures == len(r.finders) {
		return nil, lastErr
	}
	return nil, nil
}

func (r *Reclaimer) filter(pids []int) []int {
	seen := make(map[int]bool, len(pids))
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		if pid <= 0 || pid == r.self || seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// ClearPort kills every process bound to port and waits for the socket to be
// released. It is a no-op when nothing holds the port.
func (r *Reclaimer) ClearPort(ctx context.Context, port int) error {
	pids, err := r.Holders(ctx, port)
	if err != nil {
		if r.portFree != nil && r.portFree(port) {
			return nil
		}
		return fmt.Errorf("%w for port %d: %v", ErrNoFinder, port, err)
	}
	if len(pids) == 0 {
		return nil
	}

	killed := 0
	for _, pid := range pids {
		slog.Info("killing process bound to port",
			slog.Int("port", port),
			slog.Int("pid", pid),
			slog.String("name", processName(ctx, pid)))

		if err := r.kill(ctx, pid); err != nil {
			slog.Warn("failed to kill port holder",
				slog.Int("port", port),
				slog.Int("pid", pid),
				slog.String("error", err.Error()))
			continue
		}
		killed++
		if r.onKill != nil {
			r.onKill(port, pid)
		}
	}

	if err := sleepCtx(ctx, r.settle); err != nil {
		return err
	}

	if r.portFree == nil {
		if killed == 0 {
			return fmt.Errorf("%w: port %d, no holder could be killed", ErrStillBound, port)
		}
		return nil
	}
	return r.waitReleased(ctx, port)
}

// waitReleased polls the port probe with exponential backoff for up to one more settle period.
func (r *Reclaimer) waitReleased(ctx context.Context, port int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = r.settle
	if b.MaxElapsedTime < 200*time.Millisecond {
		b.MaxElapsedTime = 200 * time.Millisecond
	}

	operation := func() error {
		if r.portFree(port) {
			return nil
		}
		return fmt.Errorf("%w: port %d", ErrStillBound, port)
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// KillPID forcibly terminates pid. A process that is already gone is not an error.
func KillPID(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- PIDs fit in int32
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("failed to look up process %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
			return nil
		}
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}

func processName(ctx context.Context, pid int) string {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- PIDs fit in int32
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
