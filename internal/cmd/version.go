package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eventmill/eventmill/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	info := version.Get()
	if versionInfo.Version != "" {
		info.Version = versionInfo.Version
	}
	if versionInfo.Commit != "" {
		info.Commit = versionInfo.Commit
	}
	if versionInfo.BuildDate != "" {
		info.Date = versionInfo.BuildDate
	}

	if versionJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), info.String())
	return nil
}
