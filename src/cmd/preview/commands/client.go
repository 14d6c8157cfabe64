package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jongio/app-preview/cli/src/internal/config"
	"github.com/jongio/app-preview/cli/src/internal/dashboard"
	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
	"github.com/jongio/app-preview/cli/src/internal/service"
)

// ConfigFile is the --config flag shared by every command.
var ConfigFile string

// serverAddr is the --server flag of the client commands.
var serverAddr string

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// apiClient talks to a running `preview serve`.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if _, err := url.Parse(addr); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	// start blocks until ready or the retry budget is spent
	return &apiClient{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 15 * time.Minute}}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("preview server unreachable at %s (is `preview serve` running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb dashboard.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == "" {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		return &orchestrator.Error{
			Code:       orchestrator.ErrorCode(eb.Error.Code),
			Message:    eb.Error.Message,
			Suggestion: eb.Error.Suggestion,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) start(ctx context.Context, jobID string, req dashboard.StartRequest) (orchestrator.Preview, error) {
	var p orchestrator.Preview
	err := c.do(ctx, http.MethodPost, "/api/previews/"+url.PathEscape(jobID)+"/start", req, &p)
	return p, err
}

func (c *apiClient) stop(ctx context.Context, jobID string) (orchestrator.Preview, error) {
	var p orchestrator.Preview
	err := c.do(ctx, http.MethodPost, "/api/previews/"+url.PathEscape(jobID)+"/stop", nil, &p)
	return p, err
}

func (c *apiClient) restart(ctx context.Context, jobID string) (orchestrator.Preview, error) {
	var p orchestrator.Preview
	err := c.do(ctx, http.MethodPost, "/api/previews/"+url.PathEscape(jobID)+"/restart", nil, &p)
	return p, err
}

func (c *apiClient) touch(ctx context.Context, jobID string) (orchestrator.Preview, error) {
	var p orchestrator.Preview
	err := c.do(ctx, http.MethodPost, "/api/previews/"+url.PathEscape(jobID)+"/touch", nil, &p)
	return p, err
}

func (c *apiClient) status(ctx context.Context, jobID string) (orchestrator.Preview, error) {
	var p orchestrator.Preview
	err := c.do(ctx, http.MethodGet, "/api/previews/"+url.PathEscape(jobID), nil, &p)
	return p, err
}

func (c *apiClient) list(ctx context.Context) ([]orchestrator.Preview, error) {
	var ps []orchestrator.Preview
	err := c.do(ctx, http.MethodGet, "/api/previews", nil, &ps)
	return ps, err
}

func (c *apiClient) logs(ctx context.Context, jobID string, n int) ([]service.LogEntry, error) {
	var entries []service.LogEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/previews/%s/logs?n=%d", url.PathEscape(jobID), n), nil, &entries)
	return entries, err
}
