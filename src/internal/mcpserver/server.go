// Package mcpserver exposes the preview orchestrator as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
	"github.com/jongio/app-preview/cli/src/internal/service"
)

const defaultLogLines = 50

// Previews is the orchestrator surface offered as tools.
type Previews interface {
	Start(ctx context.Context, jobID, projectPath string, onReady orchestrator.ReadyFunc) (orchestrator.Preview, error)
	Stop(ctx context.Context, jobID string) error
	Status(jobID string) (orchestrator.Preview, error)
	List() []orchestrator.Preview
	Touch(jobID string) bool
	Logs(jobID string, n int) ([]service.LogEntry, error)
}

// Server wraps an MCP server bound to an orchestrator.
type Server struct {
	previews Previews
	mcp      *server.MCPServer
}

// New registers the preview tools.
func New(previews Previews, version string) *Server {
	s := &Server{
		previews: previews,
		mcp: server.NewMCPServer("preview", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	s.mcp.AddTool(mcp.NewTool("preview_start",
		mcp.WithDescription("Start a live preview dev server for a job and wait until it is ready. Returns the preview URL."),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("Job identifier")),
		mcp.WithString("projectPath", mcp.Required(), mcp.Description("Directory containing the generated project")),
	), s.handleStart)

	s.mcp.AddTool(mcp.NewTool("preview_stop",
		mcp.WithDescription("Stop a job's preview and free its port. Safe to call when nothing is running."),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("Job identifier")),
	), s.handleStop)

	s.mcp.AddTool(mcp.NewTool("preview_status",
		mcp.WithDescription("Get a job's preview state, URL, port and crash count."),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("Job identifier")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("preview_list",
		mcp.WithDescription("List all known previews."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleList)

	s.mcp.AddTool(mcp.NewTool("preview_touch",
		mcp.WithDescription("Record activity on a job's preview so the idle reaper keeps it running. Call this while using the preview's upstream URL directly."),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("Job identifier")),
	), s.handleTouch)

	s.mcp.AddTool(mcp.NewTool("preview_logs",
		mcp.WithDescription("Return the most recent output lines of a job's dev server."),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("Job identifier")),
		mcp.WithNumber("lines", mcp.Description("Number of lines (default 50)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleLogs)

	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in/out until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	slog.Debug("mcp server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("jobId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("projectPath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p, err := s.previews.Start(ctx, jobID, path, nil)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(p)
}

func (s *Server) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("jobId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.previews.Stop(ctx, jobID); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("preview %s stopped", jobID)), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("jobId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := s.previews.Status(jobID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(p)
}

func (s *Server) handleTouch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("jobId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.previews.Touch(jobID) {
		return toolError(fmt.Errorf("%w: no live preview for job %s", orchestrator.ErrNotFound, jobID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("preview %s touched", jobID)), nil
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.previews.List())
}

func (s *Server) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("jobId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n := req.GetInt("lines", defaultLogLines)
	if n < 1 {
		n = defaultLogLines
	}
	logs, err := s.previews.Logs(jobID, n)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(logs)
}

// toolError reports orchestrator failures as tool errors so the model sees
// the code and suggestion instead of a protocol error.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
