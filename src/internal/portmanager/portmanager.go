// Package portmanager hands out ports from a bounded range to preview jobs.
package portmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	// ErrNoPortsAvailable is returned when every port in the range has an owner.
	ErrNoPortsAvailable = errors.New("no ports available")
	// ErrInvalidRange is returned for a range outside 1-65535 or with end < start.
	ErrInvalidRange = errors.New("invalid port range")
)

// DefaultLastPortTTL is how long a job's released port is remembered for reuse.
const DefaultLastPortTTL = 24 * time.Hour

// Entry is the pool's record for one port.
type Entry struct {
	Port     int       `json:"port"`
	Owner    string    `json:"owner,omitempty"`
	LastUsed time.Time `json:"lastUsed"`
}

// Clearer forcibly frees a port held by an OS process.
type Clearer interface {
	ClearPort(ctx context.Context, port int) error
}

// Option configures a PortManager.
type Option func(*PortManager)

// WithPortChecker overrides the bind probe used to prefer ports no foreign process holds.
func WithPortChecker(checker func(port int) bool) Option {
	return func(pm *PortManager) { pm.portChecker = checker }
}

// WithClearer sets the reclaimer ForceFree uses.
func WithClearer(c Clearer) Option {
	return func(pm *PortManager) { pm.clearer = c }
}

// WithLastPortTTL changes how long released ports are remembered per job.
func WithLastPortTTL(ttl time.Duration) Option {
	return func(pm *PortManager) { pm.lastPortTTL = ttl }
}

// WithHost sets the address the default bind probe listens on.
func WithHost(host string) Option {
	return func(pm *PortManager) { pm.host = host }
}

// PortManager tracks ownership of every port in [start, end].
// All operations are serialized behind a single mutex.
type PortManager struct {
	mu          sync.Mutex
	start, end  int
	entries     map[int]*Entry
	owners      map[string]int // job -> port
	lastPort    *cache.Cache   // job -> last port
	lastPortTTL time.Duration
	host        string
	clearer     Clearer

	// portChecker reports whether a port can be bound. Tests override it to
	// avoid real network binding.
	portChecker func(port int) bool
}

// New creates a pool for the inclusive range [start, end].
func New(start, end int, opts ...Option) (*PortManager, error) {
	if start < 1 || end > 65535 || end < start {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}

	pm := &PortManager{
		start:       start,
		end:         end,
		entries:     make(map[int]*Entry, end-start+1),
		owners:      make(map[string]int),
		lastPortTTL: DefaultLastPortTTL,
		host:        "127.0.0.1",
	}
	for _, opt := range opts {
		opt(pm)
	}
	if pm.portChecker == nil {
		pm.portChecker = pm.defaultIsPortAvailable
	}
	pm.lastPort = cache.New(pm.lastPortTTL, pm.lastPortTTL/4+time.Minute)

	for port := start; port <= end; port++ {
		pm.entries[port] = &Entry{Port: port}
	}
	return pm, nil
}

// Range returns the configured bounds.
func (pm *PortManager) Range() (start, end int) {
	return pm.start, pm.end
}

// Size returns the number of ports in the range.
func (pm *PortManager) Size() int {
	return pm.end - pm.start + 1
}

// Allocate assigns a port to jobID. The job's previous port is reused when it is
// free; otherwise the least-recently-released free port is chosen. Ports a foreign
// process is bound to are skipped while an unbound alternative exists.
// A job that already owns a port gets that port back.
func (pm *PortManager) Allocate(jobID string) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if port, ok := pm.owners[jobID]; ok {
		pm.entries[port].LastUsed = time.Now()
		return port, nil
	}

	candidates := pm.freeCandidates(jobID)
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w in range %d-%d (%d in use)", ErrNoPortsAvailable, pm.start, pm.end, len(pm.owners))
	}

	chosen := candidates[0]
	for _, port := range candidates {
		if pm.portChecker(port) {
			chosen = port
			break
		}
		slog.Debug("port bound by another process, trying next", slog.Int("port", port))
	}

	entry := pm.entries[chosen]
	entry.Owner = jobID
	entry.LastUsed = time.Now()
	pm.owners[jobID] = chosen
	pm.lastPort.SetDefault(jobID, chosen)

	slog.Debug("port allocated", slog.String("job", jobID), slog.Int("port", chosen))
	return chosen, nil
}

// freeCandidates returns free ports in preference order: the job's last port,
// then by ascending release time (never-used ports first), then by port number.
// Must be called with mu held.
func (pm *PortManager) freeCandidates(jobID string) []int {
	free := make([]int, 0, len(pm.entries)-len(pm.owners))
	for port, entry := range pm.entries {
		if entry.Owner == "" {
			free = append(free, port)
		}
	}
	sort.Slice(free, func(i, j int) bool {
		a, b := pm.entries[free[i]], pm.entries[free[j]]
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		return a.Port < b.Port
	})

	if v, ok := pm.lastPort.Get(jobID); ok {
		last := v.(int)
		if entry, exists := pm.entries[last]; exists && entry.Owner == "" {
			ordered := make([]int, 0, len(free))
			ordered = append(ordered, last)
			for _, port := range free {
				if port != last {
					ordered = append(ordered, port)
				}
			}
			return ordered
		}
	}
	return free
}

// Release returns port to the free set. Releasing a free or out-of-range port is a no-op.
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.releaseLocked(port)
}

func (pm *PortManager) releaseLocked(port int) {
	entry, ok := pm.entries[port]
	if !ok || entry.Owner == "" {
		return
	}
	pm.lastPort.SetDefault(entry.Owner, port)
	delete(pm.owners, entry.Owner)
	slog.Debug("port released", slog.String("job", entry.Owner), slog.Int("port", port))
	entry.Owner = ""
	entry.LastUsed = time.Now()
}

// ReleaseJob releases whatever port jobID owns.
func (pm *PortManager) ReleaseJob(jobID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if port, ok := pm.owners[jobID]; ok {
		pm.releaseLocked(port)
	}
}

// ForceFree drops any ownership of port and, when a Clearer is configured,
// terminates whatever OS process is bound to it.
func (pm *PortManager) ForceFree(ctx context.Context, port int) error {
	pm.mu.Lock()
	if _, ok := pm.entries[port]; !ok {
		pm.mu.Unlock()
		return fmt.Errorf("port %d is outside range %d-%d", port, pm.start, pm.end)
	}
	pm.releaseLocked(port)
	clearer := pm.clearer
	pm.mu.Unlock()

	if clearer == nil {
		return nil
	}
	if err := clearer.ClearPort(ctx, port); err != nil {
		return fmt.Errorf("failed to clear port %d: %w", port, err)
	}
	return nil
}

// LastPortFor returns the port most recently held by jobID.
func (pm *PortManager) LastPortFor(jobID string) (int, bool) {
	v, ok := pm.lastPort.Get(jobID)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// PortOf returns the port jobID currently owns.
func (pm *PortManager) PortOf(jobID string) (int, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	port, ok := pm.owners[jobID]
	return port, ok
}

// Owner returns the job that owns port.
func (pm *PortManager) Owner(port int) (string, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	entry, ok := pm.entries[port]
	if !ok || entry.Owner == "" {
		return "", false
	}
	return entry.Owner, true
}

// InUse returns the number of owned ports.
func (pm *PortManager) InUse() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.owners)
}

// Snapshot returns the owned entries sorted by port.
func (pm *PortManager) Snapshot() []Entry {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]Entry, 0, len(pm.owners))
	for _, port := range pm.owners {
		out = append(out, *pm.entries[port])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// IsPortAvailable reports whether port can currently be bound on host.
func IsPortAvailable(host string, port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	if err := listener.Close(); err != nil {
		slog.Warn("failed to close probe listener", slog.Int("port", port), slog.String("error", err.Error()))
	}
	return true
}

func (pm *PortManager) defaultIsPortAvailable(port int) bool {
	return IsPortAvailable(pm.host, port)
}
