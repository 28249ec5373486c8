package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (a *App) discoverCommand() *cobra.Command {
	var (
		subnets []string
		ips     string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover Shelly devices on the network",
		Long: `Discover devices via mDNS and chunked HTTP probing, then record them
in the registry. Without --subnet the subnets from the configuration are
scanned; --ips probes explicit addresses instead of whole subnets.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := subnets
			if ips != "" {
				for _, ip := range strings.Split(ips, ",") {
					if ip = strings.TrimSpace(ip); ip != "" {
						targets = append(targets, ip)
					}
				}
			}

			summary, err := a.discovery.Run(cmd.Context(), targets)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d target(s): %d found, %d new, %d updated in %s\n",
				summary.Targets, summary.Found, summary.New, summary.Updated, formatDuration(summary.Duration))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&subnets, "subnet", nil, "Subnet to scan in CIDR notation (repeatable)")
	cmd.Flags().StringVar(&ips, "ips", "", "Comma-separated addresses to probe instead of subnets")
	return cmd
}
