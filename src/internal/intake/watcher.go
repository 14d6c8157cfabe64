// Package intake turns project-ready signals on disk into preview starts.
//
// Each job is a directory directly under the watched root. A job is ready
// once its ready file (default ".preview-ready") exists; removing the file
// stops the preview.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
)

// DefaultDebounce coalesces bursts of events for the same job.
const DefaultDebounce = 200 * time.Millisecond

// Previews is the orchestrator surface used by the watcher.
type Previews interface {
	Start(ctx context.Context, jobID, projectPath string, onReady orchestrator.ReadyFunc) (orchestrator.Preview, error)
	Stop(ctx context.Context, jobID string) error
}

// Options configures a Watcher.
type Options struct {
	ReadyFile string
	Debounce  time.Duration
	OnReady   orchestrator.ReadyFunc
}

// Watcher watches a root directory for job ready files.
type Watcher struct {
	root     string
	opts     Options
	previews Previews
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over root. Call Run to begin.
func NewWatcher(root string, previews Previews, opts Options) (*Watcher, error) {
	if opts.ReadyFile == "" {
		opts.ReadyFile = ".preview-ready"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create intake dir %s: %w", root, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		root:     filepath.Clean(root),
		opts:     opts,
		previews: previews,
		watcher:  fw,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Run starts previews for jobs that are already ready, then handles events
// until ctx is done. In-flight starts are cancelled on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		w.addJobDir(filepath.Join(w.root, e.Name()))
		if w.isReady(e.Name()) {
			w.schedule(ctx, e.Name())
		}
	}

	slog.Info("watching for ready projects",
		slog.String("dir", w.root),
		slog.String("readyFile", w.opts.ReadyFile))

	defer w.drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch len(parts) {
	case 1:
		// a job directory appeared; the ready file may already be inside
		if ev.Has(fsnotify.Create) {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				w.addJobDir(ev.Name)
				if w.isReady(parts[0]) {
					w.schedule(ctx, parts[0])
				}
			}
		}
	case 2:
		if parts[1] != w.opts.ReadyFile {
			return
		}
		if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			w.schedule(ctx, parts[0])
		}
	}
}

func (w *Watcher) addJobDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		slog.Debug("failed to watch job dir", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

func (w *Watcher) isReady(jobID string) bool {
	_, err := os.Stat(filepath.Join(w.root, jobID, w.opts.ReadyFile))
	return err == nil
}

// schedule debounces work for jobID. When the timer fires the ready file is
// checked again and the job is started or stopped to match.
func (w *Watcher) schedule(ctx context.Context, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[jobID]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.wg.Add(1)
	w.pending[jobID] = time.AfterFunc(w.opts.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, jobID)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.reconcile(ctx, jobID)
	})
}

func (w *Watcher) reconcile(ctx context.Context, jobID string) {
	if !w.isReady(jobID) {
		slog.Info("ready file removed, stopping preview", slog.String("job", jobID))
		if err := w.previews.Stop(ctx, jobID); err != nil {
			slog.Warn("stop failed", slog.String("job", jobID), slog.String("error", err.Error()))
		}
		return
	}

	dir := filepath.Join(w.root, jobID)
	slog.Info("project ready, starting preview", slog.String("job", jobID), slog.String("dir", dir))
	p, err := w.previews.Start(ctx, jobID, dir, w.opts.OnReady)
	if err != nil {
		if errors.Is(err, orchestrator.ErrStartCancelled) {
			return
		}
		slog.Warn("preview start failed",
			slog.String("job", jobID),
			slog.String("code", string(orchestrator.CodeOf(err))),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("preview started from intake", slog.String("job", jobID), slog.String("url", p.URL))
}

func (w *Watcher) drain() {
	w.mu.Lock()
	for id, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
