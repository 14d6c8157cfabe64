package commands

import (
	"context"
	"fmt"

	"github.com/jongio/app-preview/cli/src/internal/orchestrator"
	"github.com/jongio/app-preview/cli/src/internal/output"

	"github.com/spf13/cobra"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Kill processes still holding ports recorded by a previous run",
		Long:  `Reads the persisted state record, reclaims every port it names and clears the record. Nothing is restarted. Do not run this while 'preview serve' is running.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = orch.Shutdown(context.Background()) }()

			report, err := orch.RecoverOnStartup(cmd.Context())
			if err != nil {
				return err
			}
			return output.Print(report, func() {
				if report.Entries == 0 {
					output.Success("Nothing to recover")
					return
				}
				output.Section("🧹", fmt.Sprintf("Recovered %s entries", output.Count(report.Entries)))
				for _, port := range report.Cleared {
					output.ItemSuccess("port %d is free", port)
				}
				for _, port := range report.Failed {
					output.ItemError("port %d is still held", port)
				}
			})
		},
	}
}
