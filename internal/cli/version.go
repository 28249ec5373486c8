package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frostdev-ops/shelly-fleet-go/pkg/version"
)

func versionCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(version.GetBuildInfo())
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.GetFullVersion())
			return nil
		},
	}

	// Local flag: version must work before any services initialize, so it
	// cannot rely on the persistent --json plumbing.
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print as JSON")
	return cmd
}
