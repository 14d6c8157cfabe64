package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jongio/app-preview/cli/src/internal/logging"
	"github.com/jongio/app-preview/cli/src/internal/mcpserver"

	"github.com/spf13/cobra"
)

// NewMCPCommand creates the mcp command.
func NewMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve preview tools over MCP (stdio)",
		Long:  `Runs an in-process orchestrator and exposes preview_start, preview_stop, preview_status, preview_list and preview_logs as MCP tools on stdin/stdout. Logs go to stderr.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			orch, _, err := newOrchestrator(cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = orch.Shutdown(shutdownCtx)
			}()

			if _, err := orch.RecoverOnStartup(ctx); err != nil {
				logging.Warn("recovery incomplete", "error", err)
			}

			reaperCtx, stopReaper := context.WithCancel(ctx)
			defer stopReaper()
			go orch.RunReaper(reaperCtx)

			start := time.Now()
			err = mcpserver.New(orch, Version).Serve(ctx, os.Stdin, os.Stdout)
			logging.Debug("mcp session ended", "duration", time.Since(start))
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
