package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// recoveryParallelism bounds concurrent port reclamation during recovery.
const recoveryParallelism = 4

// RecoveryReport summarizes RecoverOnStartup.
type RecoveryReport struct {
	Entries int      `json:"entries"`
	Cleared []int    `json:"cleared"`
	Failed  []int    `json:"failed,omitempty"`
	Jobs    []string `json:"jobs"`
}

// RecoverOnStartup reclaims every port named in the persisted state record and
// then empties it. Persisted previews are never resumed.
func (o *Orchestrator) RecoverOnStartup(ctx context.Context) (RecoveryReport, error) {
	records, err := o.registry.Persisted(ctx)
	if err != nil {
		return RecoveryReport{}, newError(CodeInvalidConfiguration, "", "cannot read persisted state").withCause(err)
	}

	report := RecoveryReport{Entries: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	ports := make(map[int]string, len(records))
	for jobID, rec := range records {
		report.Jobs = append(report.Jobs, jobID)
		if rec.Port > 0 {
			ports[rec.Port] = jobID
		}
	}
	sort.Strings(report.Jobs)

	type outcome struct {
		port int
		err  error
	}
	results := make(chan outcome, len(ports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for port, jobID := range ports {
		g.Go(func() error {
			slog.Info("reclaiming port from previous run",
				slog.String("job", jobID),
				slog.Int("port", port))
			results <- outcome{port: port, err: o.reclaimer.ClearPort(gctx, port)}
			return gctx.Err()
		})
	}
	waitErr := g.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			slog.Warn("port still held after recovery",
				slog.Int("port", r.port),
				slog.String("error", r.err.Error()))
			report.Failed = append(report.Failed, r.port)
			continue
		}
		report.Cleared = append(report.Cleared, r.port)
	}
	sort.Ints(report.Cleared)
	sort.Ints(report.Failed)

	if waitErr != nil {
		return report, newError(CodeStopped, "", "recovery interrupted").withCause(waitErr)
	}
	if err := o.registry.Clear(ctx); err != nil {
		return report, newError(CodeInvalidConfiguration, "", "cannot reset persisted state").withCause(err)
	}

	slog.Info("recovery complete",
		slog.Int("entries", report.Entries),
		slog.Int("cleared", len(report.Cleared)),
		slog.Int("failed", len(report.Failed)))
	return report, nil
}

// ReapIdle stops every ready preview with no activity for longer than the
// idle timeout, and purges terminal entries older than the same window.
// It returns the ids of the stopped jobs.
func (o *Orchestrator) ReapIdle(ctx context.Context) []string {
	now := o.now()
	idle := o.cfg.Idle.Timeout

	var candidates, expired []string
	o.mu.Lock()
	for id, p := range o.previews {
		switch {
		case p.State == StateReady && now.Sub(p.LastActivity) > idle:
			candidates = append(candidates, id)
		case p.State.Terminal() && !p.EndedAt.IsZero() && now.Sub(p.EndedAt) > idle:
			expired = append(expired, id)
		}
	}
	o.mu.Unlock()
	sort.Strings(candidates)

	var reaped []string
	for _, id := range candidates {
		if o.reapOne(ctx, id, now, idle) {
			reaped = append(reaped, id)
		}
	}
	for _, id := range expired {
		o.purge(id, now, idle)
	}
	return reaped
}

func (o *Orchestrator) reapOne(ctx context.Context, jobID string, now time.Time, idle time.Duration) bool {
	unlock := o.locks.Lock(jobID)
	defer unlock()

	// activity may have arrived while waiting for the lock
	p := o.lookup(jobID)
	if p == nil {
		return false
	}
	snap := o.snapshot(p)
	if snap.State != StateReady || now.Sub(snap.LastActivity) <= idle {
		return false
	}

	slog.Info("reaping idle preview",
		slog.String("job", jobID),
		slog.Duration("idle", now.Sub(snap.LastActivity)))
	if o.stopLocked(ctx, jobID, "idle") {
		o.metrics.Reaped()
		return true
	}
	return false
}

func (o *Orchestrator) purge(jobID string, now time.Time, idle time.Duration) {
	unlock := o.locks.Lock(jobID)
	defer unlock()

	o.mu.Lock()
	p, ok := o.previews[jobID]
	if !ok || !p.State.Terminal() || now.Sub(p.EndedAt) <= idle {
		o.mu.Unlock()
		return
	}
	delete(o.previews, jobID)
	o.mu.Unlock()

	o.supervisor.Forget(jobID)
	slog.Debug("purged preview record", slog.String("job", jobID))
}

// RunReaper calls ReapIdle every reap interval until ctx is done.
func (o *Orchestrator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Idle.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := o.ReapIdle(ctx); len(reaped) > 0 {
				slog.Info("idle reaper pass", slog.Int("stopped", len(reaped)))
			}
		}
	}
}

// Shutdown cancels in-flight starts, stops every preview and closes the
// state store. The orchestrator cannot be used afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, token := range o.starts {
		token.cancel()
	}
	ids := make([]string, 0, len(o.previews))
	for id := range o.previews {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	slog.Info("shutting down previews", slog.Int("count", len(ids)))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			unlock := o.locks.Lock(id)
			defer unlock()
			o.stopLocked(ctx, id, "shutdown")
			return nil
		})
	}
	_ = g.Wait()

	o.watchdog.DetachAll()
	o.supervisor.Close(ctx)
	o.events.close()

	var clearErr error
	if left := o.registry.ListAll(); len(left) > 0 {
		jobs := make([]string, 0, len(left))
		for _, rec := range left {
			jobs = append(jobs, rec.JobID)
		}
		slog.Warn("clearing state records left after shutdown", slog.Any("jobs", jobs))
		clearErr = o.registry.Clear(ctx)
	}
	return errors.Join(clearErr, o.registry.Close())
}
