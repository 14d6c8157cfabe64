package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jongio/app-preview/cli/src/internal/config"
	"github.com/jongio/app-preview/cli/src/internal/dashboard"
	"github.com/jongio/app-preview/cli/src/internal/intake"
	"github.com/jongio/app-preview/cli/src/internal/logging"
	"github.com/jongio/app-preview/cli/src/internal/metrics"
	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
	"github.com/jongio/app-preview/cli/src/internal/output"
	"github.com/jongio/app-preview/cli/src/internal/service"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var (
	serveAddr      string
	serveIntakeDir string
	serveEcho      bool
	serveNoRecover bool
	servePublicURL string
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the preview orchestrator with its HTTP API",
		Long:  `Recovers ports left behind by a previous run, then serves the preview API, the preview proxy and the event stream until interrupted. All previews are stopped on exit.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Addr = serveAddr
			}
			if serveIntakeDir != "" {
				cfg.Intake.Dir = serveIntakeDir
			}
			if servePublicURL != "" {
				cfg.Server.PublicURL = servePublicURL
			}
			if cfg.Server.PublicURL == "" {
				cfg.Server.PublicURL = publicBase(cfg.Server.Addr)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")
	cmd.Flags().StringVar(&serveIntakeDir, "intake-dir", "", "Start previews for job directories that gain a ready file")
	cmd.Flags().BoolVar(&serveEcho, "echo", false, "Echo dev server output to stderr")
	cmd.Flags().StringVar(&servePublicURL, "public-url", "", "Base URL previews are advertised under (default: http://<addr>)")
	cmd.Flags().BoolVar(&serveNoRecover, "no-recover", false, "Skip reclaiming ports recorded by a previous run")
	return cmd
}

// publicBase derives the proxy base URL from the listen address.
func publicBase(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// newOrchestrator wires the orchestrator with the Prometheus collector.
func newOrchestrator(cfg *config.Config, echo bool) (*orchestrator.Orchestrator, *metrics.PrometheusCollector, error) {
	collector := metrics.NewPrometheus("preview")
	opts := []orchestrator.Option{orchestrator.WithMetrics(collector)}
	if echo {
		opts = append(opts, orchestrator.WithSupervisorOptions(service.WithConsoleEcho(service.NewConsoleEcho(os.Stderr))))
	}
	orch, err := orchestrator.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return orch, collector, nil
}

// runServe runs the API server, idle reaper and intake watcher under one errgroup.
// The first failure or a signal cancels the rest, then every preview is stopped.
func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch, collector, err := newOrchestrator(cfg, serveEcho)
	if err != nil {
		return err
	}

	if !serveNoRecover {
		report, err := orch.RecoverOnStartup(ctx)
		if err != nil {
			logging.Warn("recovery incomplete", "error", err)
		} else if report.Entries > 0 {
			output.Info("Recovered %d port(s) from a previous run", len(report.Cleared))
		}
	}

	var watcher *intake.Watcher
	if cfg.Intake.Dir != "" {
		watcher, err = intake.NewWatcher(cfg.Intake.Dir, orch, intake.Options{ReadyFile: cfg.Intake.ReadyFile})
		if err != nil {
			_ = orch.Shutdown(context.Background())
			return err
		}
	}

	server := dashboard.NewServer(orch, dashboard.WithMetricsHandler(collector.Handler()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.Server.Addr)
	})

	g.Go(func() error {
		orch.RunReaper(ctx)
		return nil
	})

	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	output.Newline()
	output.Info("📡 Preview API: %s", output.URL("http://"+cfg.Server.Addr))
	output.Info("🔌 Ports %d-%d, idle timeout %s", cfg.Ports.Start, cfg.Ports.End, cfg.Idle.Timeout)
	if cfg.Intake.Dir != "" {
		output.Info("👀 Watching %s for ready projects", cfg.Intake.Dir)
	}
	output.Info("💡 Press Ctrl+C to stop all previews")
	output.Newline()

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	output.Newline()
	output.Warning("🛑 Stopping previews...")
	if shutdownErr := orch.Shutdown(shutdownCtx); shutdownErr != nil {
		output.Warning("Shutdown incomplete: %v", shutdownErr)
	} else {
		output.Success("All previews stopped")
	}

	if err != nil {
		return fmt.Errorf("preview server failed: %w", err)
	}
	return nil
}
