package commands

import (
	"runtime"

	"github.com/jongio/app-preview/cli/src/internal/output"

	"github.com/spf13/cobra"
)

// Version information, set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// VersionInfo is the JSON shape of the version command.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	Go        string `json:"go"`
	Platform  string `json:"platform"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Version:   Version,
				BuildTime: BuildTime,
				Go:        runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			return output.Print(info, func() {
				output.Label("Version", info.Version)
				output.Label("Built", info.BuildTime)
				output.Label("Go", info.Go)
				output.Label("Platform", info.Platform)
			})
		},
	}
}
