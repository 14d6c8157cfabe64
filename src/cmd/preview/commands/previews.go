package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jongio/app-preview/cli/src/internal/dashboard"
	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
	"github.com/jongio/app-preview/cli/src/internal/output"

	"github.com/spf13/cobra"
)

var (
	startCallback string
	startAsync    bool
	logsLines     int
)

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverAddr, "server", "", "Address of the preview server (default: server.addr from config)")
}

// NewStartCommand creates the start command.
func NewStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <job-id> <project-path>",
		Short: "Start a preview for a job and wait until it is ready",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("invalid project path: %w", err)
			}

			if !output.IsJSON() && !startAsync {
				output.Step("🚀", "Starting preview %s", output.Highlight("%s", args[0]))
			}
			p, err := client.start(cmd.Context(), args[0], dashboard.StartRequest{
				ProjectPath: path,
				CallbackURL: startCallback,
				Async:       startAsync,
			})
			if err != nil {
				return err
			}
			return output.Print(p, func() {
				if startAsync {
					output.Success("Start of %s queued", args[0])
					return
				}
				printPreview(p)
			})
		},
	}
	cmd.Flags().StringVar(&startCallback, "callback", "", "URL to POST {jobId, url} to once the preview is ready")
	cmd.Flags().BoolVar(&startAsync, "async", false, "Return immediately instead of waiting for readiness")
	addServerFlag(cmd)
	return cmd
}

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <job-id>",
		Short: "Stop a job's preview and free its port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			p, err := client.stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output.Print(p, func() {
				output.Success("Preview %s stopped", args[0])
			})
		},
	}
	addServerFlag(cmd)
	return cmd
}

// NewRestartCommand creates the restart command.
func NewRestartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <job-id>",
		Short: "Restart a job's preview from its last project path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			p, err := client.restart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output.Print(p, func() { printPreview(p) })
		},
	}
	addServerFlag(cmd)
	return cmd
}

// NewTouchCommand creates the touch command.
func NewTouchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "touch <job-id>",
		Short: "Record activity on a preview so the idle reaper keeps it",
		Long:  `Requests through the /preview/<job-id>/ proxy count as activity on their own. Use touch as a heartbeat when the preview is used through its upstream host:port URL.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			p, err := client.touch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output.Print(p, func() {
				output.Success("Preview %s kept alive", args[0])
			})
		},
	}
	addServerFlag(cmd)
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			p, err := client.status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output.Print(p, func() { printPreview(p) })
		},
	}
	addServerFlag(cmd)
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all previews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			ps, err := client.list(cmd.Context())
			if err != nil {
				return err
			}
			return output.Print(ps, func() {
				if len(ps) == 0 {
					output.Info("No previews")
					return
				}
				output.Section("📋", fmt.Sprintf("Previews (%s)", output.Count(len(ps))))
				for _, p := range ps {
					output.Item("%-24s %-10s %s", p.JobID, output.State(string(p.State)), previewTarget(p))
				}
			})
		},
	}
	addServerFlag(cmd)
	return cmd
}

// NewLogsCommand creates the logs command.
func NewLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show recent dev server output for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			entries, err := client.logs(cmd.Context(), args[0], logsLines)
			if err != nil {
				return err
			}
			return output.Print(entries, func() {
				for _, e := range entries {
					fmt.Printf("%s %s\n", output.Muted("%s", e.Timestamp.Format(time.TimeOnly)), e.Message)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show")
	addServerFlag(cmd)
	return cmd
}

func previewTarget(p orchestrator.Preview) string {
	switch {
	case p.URL != "" && !p.State.Terminal():
		return output.URL(p.URL)
	case p.Error != "":
		return output.Muted("%s", p.Error)
	default:
		return ""
	}
}

func printPreview(p orchestrator.Preview) {
	output.Header("Preview " + p.JobID)
	output.Label("State", output.State(string(p.State)))
	if p.URL != "" && !p.State.Terminal() {
		output.Label("URL", output.URL(p.URL))
		if p.UpstreamURL != "" && p.UpstreamURL != p.URL {
			output.Label("Upstream", output.URL(p.UpstreamURL))
		}
	}
	if p.Port > 0 {
		output.Label("Port", fmt.Sprint(p.Port))
	}
	if p.PreviousPort > 0 {
		output.Label("Previous port", fmt.Sprintf("%d (taken by another job)", p.PreviousPort))
	}
	if p.PID > 0 {
		output.Label("PID", fmt.Sprint(p.PID))
	}
	if p.Framework != "" {
		output.Label("Framework", p.Framework)
	}
	output.Label("Project", p.ProjectPath)
	if !p.ReadyAt.IsZero() {
		output.Label("Ready in", p.ReadyAt.Sub(p.StartedAt).Round(time.Millisecond).String())
	}
	if p.RetryCount > 0 {
		output.Label("Retries", fmt.Sprint(p.RetryCount))
	}
	if p.CrashCount > 0 {
		output.Label("Crashes", fmt.Sprint(p.CrashCount))
	}
	if p.Error != "" {
		output.Label("Error", p.Error)
	}
}
