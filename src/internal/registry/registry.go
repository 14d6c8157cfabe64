// Package registry persists the minimal recovery record of active previews.
// The record is advisory: it is only used to clean up orphaned processes
// after a restart, never to decide whether a preview is live.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Record is the persisted state of one preview.
type Record struct {
	JobID       string    `json:"jobId"`
	RunID       string    `json:"runId,omitempty"`
	Port        int       `json:"port"`
	PID         int       `json:"pid,omitempty"`
	ProjectPath string    `json:"projectPath,omitempty"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"startedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store reads and rewrites the whole persisted record.
type Store interface {
	Load(ctx context.Context) (map[string]Record, error)
	Save(ctx context.Context, records map[string]Record) error
	Close() error
}

// Registry is an in-memory view of the persisted record. Every mutation
// rewrites the store.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	records map[string]Record
	now     func() time.Time
}

// New creates an empty registry backed by store.
func New(store Store) *Registry {
	return &Registry{
		store:   store,
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Persisted returns what the store currently holds, without touching memory.
func (r *Registry) Persisted(ctx context.Context) (map[string]Record, error) {
	return r.store.Load(ctx)
}

// Register adds or replaces the job's record.
func (r *Registry) Register(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.UpdatedAt = r.now()
	r.records[rec.JobID] = rec
	return r.saveLocked(ctx)
}

// Unregister removes the job's record. Unknown jobs are not an error.
func (r *Registry) Unregister(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[jobID]; !ok {
		return nil
	}
	delete(r.records, jobID)
	return r.saveLocked(ctx)
}

// UpdateState changes the job's state and, when pid is non-zero, its PID.
func (r *Registry) UpdateState(ctx context.Context, jobID, state string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jobID]
	if !ok {
		return fmt.Errorf("job %s not found in registry", jobID)
	}
	rec.State = state
	if pid != 0 {
		rec.PID = pid
	}
	rec.UpdatedAt = r.now()
	r.records[jobID] = rec
	return r.saveLocked(ctx)
}

// Get returns the job's record.
func (r *Registry) Get(jobID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[jobID]
	return rec, ok
}

// ListAll returns every record ordered by job id.
func (r *Registry) ListAll() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Clear removes every record and persists the empty record.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]Record)
	return r.saveLocked(ctx)
}

// Close closes the store.
func (r *Registry) Close() error {
	return r.store.Close()
}

func (r *Registry) saveLocked(ctx context.Context) error {
	snapshot := make(map[string]Record, len(r.records))
	for id, rec := range r.records {
		snapshot[id] = rec
	}
	if err := r.store.Save(ctx, snapshot); err != nil {
		slog.Warn("failed to persist preview registry",
			slog.Int("previews", len(snapshot)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to persist registry: %w", err)
	}
	return nil
}

// Open returns the store for driver ("json" or "sqlite") at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "json":
		return NewFileStore(path), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown state driver %q", driver)
	}
}
