// Package dashboard serves the preview HTTP API, the preview reverse proxy
// and the live event stream.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
	"github.com/jongio/app-preview/cli/src/internal/portmanager"
	"github.com/jongio/app-preview/cli/src/internal/service"
)

const (
	defaultLogTail  = 200
	maxLogTail      = 5000
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Previews is the orchestrator surface the server exposes.
type Previews interface {
	Start(ctx context.Context, jobID, projectPath string, onReady orchestrator.ReadyFunc) (orchestrator.Preview, error)
	Stop(ctx context.Context, jobID string) error
	Restart(ctx context.Context, jobID string, onReady orchestrator.ReadyFunc) (orchestrator.Preview, error)
	Status(jobID string) (orchestrator.Preview, error)
	List() []orchestrator.Preview
	Touch(jobID string) bool
	Logs(jobID string, n int) ([]service.LogEntry, error)
	LogBuffer(jobID string) *service.LogBuffer
	Subscribe() (<-chan orchestrator.Event, func())
	Ports() []portmanager.Entry
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithNotifier sets the ready-callback notifier used for start requests that
// carry a callbackUrl.
func WithNotifier(n *Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithOriginPatterns sets the accepted websocket origins.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server is the dashboard HTTP server.
type Server struct {
	previews Previews
	mux      *http.ServeMux
	metrics  http.Handler
	notifier *Notifier
	origins  []string
	server   *http.Server
	// base outlives individual requests; background starts run under it
	base   context.Context
	cancel context.CancelFunc
}

// NewServer builds the server and its routes.
func NewServer(previews Previews, opts ...Option) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		previews: previews,
		mux:      http.NewServeMux(),
		origins:  []string{"localhost:*", "127.0.0.1:*"},
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewNotifier(nil)
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	s.mux.HandleFunc("GET /api/previews", s.handleList)
	s.mux.HandleFunc("GET /api/previews/{job}", s.handleStatus)
	s.mux.HandleFunc("POST /api/previews/{job}/start", s.handleStart)
	s.mux.HandleFunc("POST /api/previews/{job}/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/previews/{job}/restart", s.handleRestart)
	s.mux.HandleFunc("POST /api/previews/{job}/touch", s.handleTouch)
	s.mux.HandleFunc("GET /api/previews/{job}/logs", s.handleGetLogs)
	s.mux.HandleFunc("GET /api/previews/{job}/logs/stream", s.handleLogStream)
	s.mux.HandleFunc("GET /api/ports", s.handlePorts)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.HandleFunc("/preview/{job}/", s.handleProxy)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}

	slog.Info("dashboard listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	// websockets and background starts hang off base
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"previews": len(s.previews.List()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.previews.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.previews.Status(r.PathValue("job"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// StartRequest is the body of a start call.
type StartRequest struct {
	ProjectPath string `json:"projectPath"`
	// CallbackURL receives a POST of {jobId, url} once the preview is ready.
	CallbackURL string `json:"callbackUrl,omitempty"`
	// Async returns 202 immediately and starts in the background.
	Async bool `json:"async,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")

	var req StartRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", orchestrator.ErrInvalidRequest, err))
		return
	}
	if req.CallbackURL != "" {
		if u, err := url.Parse(req.CallbackURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			writeError(w, fmt.Errorf("%w: callbackUrl must be an http(s) URL", orchestrator.ErrInvalidRequest))
			return
		}
	}

	onReady := s.readyCallback(req.CallbackURL)

	if req.Async {
		go func() {
			if _, err := s.previews.Start(s.base, jobID, req.ProjectPath, onReady); err != nil {
				slog.Warn("background start failed",
					slog.String("job", jobID),
					slog.String("error", err.Error()))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "state": string(orchestrator.StateQueued)})
		return
	}

	p, err := s.previews.Start(r.Context(), jobID, req.ProjectPath, onReady)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) readyCallback(callbackURL string) orchestrator.ReadyFunc {
	if callbackURL == "" {
		return nil
	}
	return func(jobID, previewURL string) {
		go s.notifier.Notify(s.base, callbackURL, jobID, previewURL)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	if err := s.previews.Stop(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.previews.Status(jobID)
	if err != nil {
		// stopping an unknown job is a no-op
		writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "state": string(orchestrator.StateStopped)})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	p, err := s.previews.Restart(r.Context(), r.PathValue("job"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleTouch records activity for clients that reach the preview directly
// instead of through /preview/{job}/.
func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	if !s.previews.Touch(jobID) {
		writeError(w, fmt.Errorf("%w: no live preview for job %s", orchestrator.ErrNotFound, jobID))
		return
	}
	p, err := s.previews.Status(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleGetLogs returns the newest captured output lines for a preview.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	tail := defaultLogTail
	if v := r.URL.Query().Get("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, fmt.Errorf("%w: n must be a positive integer", orchestrator.ErrInvalidRequest))
			return
		}
		tail = min(n, maxLogTail)
	}

	logs, err := s.previews.Logs(r.PathValue("job"), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleLogStream streams a preview's output over a websocket.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	buffer := s.previews.LogBuffer(jobID)
	if buffer == nil {
		writeError(w, fmt.Errorf("%w: no output captured for %s", orchestrator.ErrNotFound, jobID))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ch := buffer.Subscribe()
	defer buffer.Unsubscribe(ch)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "log stream closed")
				return
			}
			if err := wsjson.Write(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.previews.Ports())
}

// handleEvents streams lifecycle events. The current preview list is sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	events, cancel := s.previews.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	err = wsjson.Write(ctx, conn, map[string]any{
		"type":     "snapshot",
		"previews": s.previews.List(),
	})
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				slog.Debug("websocket send error", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handleProxy forwards /preview/{job}/... to the job's dev server and records activity.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	p, err := s.previews.Status(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.State != orchestrator.StateReady || p.UpstreamURL == "" {
		writeError(w, fmt.Errorf("%w: preview %s is %s", orchestrator.ErrProjectNotReady, jobID, p.State))
		return
	}

	target, err := url.Parse(p.UpstreamURL)
	if err != nil {
		writeError(w, err)
		return
	}
	s.previews.Touch(jobID)

	prefix := "/preview/" + jobID
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = "/" + strings.TrimPrefix(strings.TrimPrefix(pr.In.URL.Path, prefix), "/")
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("preview proxy error",
				slog.String("job", jobID),
				slog.String("error", err.Error()))
			http.Error(w, "preview unreachable", http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
}

// handleIndex renders a plain HTML list of previews.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	previews := s.previews.List()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Previews</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: system-ui, -apple-system, sans-serif; max-width: 1200px; margin: 40px auto; padding: 20px; }
        .preview { background: #f5f5f5; padding: 15px; margin: 10px 0; border-radius: 8px; }
        .status { display: inline-block; width: 12px; height: 12px; border-radius: 50%; margin-right: 8px; }
        .ready { background: #107c10; }
        .starting { background: #ffb900; }
        .error { background: #d13438; }
        .stopped { background: #8a8886; }
    </style>
</head>
<body>
    <h1>Previews</h1>
`)

	if len(previews) == 0 {
		fmt.Fprint(w, `<p>No previews are running.</p>`)
	}
	for _, p := range previews {
		link := "/preview/" + url.PathEscape(p.JobID) + "/"
		fmt.Fprintf(w, `
    <div class="preview">
        <h3><span class="status %s"></span>%s</h3>
        <p><strong>Preview:</strong> <a href="%s" target="_blank">%s</a> (port %d)</p>
        <p><strong>Framework:</strong> %s | <strong>State:</strong> %s | <strong>Crashes:</strong> %d</p>
        <p><strong>Started:</strong> %s</p>
    </div>
`, statusClass(p.State), html.EscapeString(p.JobID), link, link, p.Port,
			html.EscapeString(p.Framework), p.State, p.CrashCount, p.StartedAt.Format(time.RFC822))
	}

	fmt.Fprint(w, `
    <hr>
    <p style="color: #666; font-size: 14px;"><a href="/api/previews">View JSON</a></p>
</body>
</html>`)
}

func statusClass(state orchestrator.State) string {
	switch state {
	case orchestrator.StateReady:
		return "ready"
	case orchestrator.StateError:
		return "error"
	case orchestrator.StateStopped:
		return "stopped"
	default:
		return "starting"
	}
}
