package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jongio/app-preview/cli/src/cmd/preview/commands"
	"github.com/jongio/app-preview/cli/src/internal/logging"
	"github.com/jongio/app-preview/cli/src/internal/output"

	"github.com/spf13/cobra"
)

var (
	outputFormat   string
	debugMode      bool
	structuredLogs bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview - Run live dev-server previews for generated projects",
		Long:  `Preview launches one local dev server per build job on a pooled port, watches it for crashes, reaps idle previews and cleans up processes orphaned by a previous run.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debugMode {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}

			logging.SetupLogger(debugMode, structuredLogs)

			if debugMode {
				logging.Debug("Starting preview",
					"version", commands.Version,
					"command", cmd.Name(),
					"args", args,
				)
			}

			return output.SetFormat(outputFormat)
		},
	}

	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "default", "Output format (default, json)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&structuredLogs, "structured-logs", false, "Enable structured JSON logging to stderr")
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigFile, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(
		commands.NewServeCommand(),
		commands.NewStartCommand(),
		commands.NewStopCommand(),
		commands.NewRestartCommand(),
		commands.NewTouchCommand(),
		commands.NewStatusCommand(),
		commands.NewListCommand(),
		commands.NewLogsCommand(),
		commands.NewRecoverCommand(),
		commands.NewMCPCommand(),
		commands.NewVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
