package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

func (a *App) devicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and manage registered devices",
	}
	cmd.AddCommand(
		a.devicesListCommand(),
		a.devicesShowCommand(),
		a.devicesRefreshCommand(),
		a.devicesDeleteCommand(),
	)
	return cmd
}

func (a *App) devicesListCommand() *cobra.Command {
	var (
		generation string
		deviceType string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			devices := a.registry.List()
			filtered := devices[:0]
			for _, d := range devices {
				if generation != "" && string(d.Generation) != generation {
					continue
				}
				if deviceType != "" && d.DeviceType != deviceType {
					continue
				}
				filtered = append(filtered, d)
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), filtered)
			}
			printDeviceRows(cmd.OutOrStdout(), filtered)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d device(s)\n", len(filtered))
			return nil
		},
	}

	cmd.Flags().StringVar(&generation, "generation", "", "Filter by generation (gen1..gen4)")
	cmd.Flags().StringVar(&deviceType, "type", "", "Filter by device type")
	return cmd
}

func (a *App) devicesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device-id>",
		Short: "Show one device, its groups, and what it supports",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := a.device(args[0])
			if err != nil {
				return err
			}
			memberships := a.groups.GroupsFor(device.ID)
			supported := a.engine.Supported(device)

			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"device":    device,
					"groups":    memberships,
					"supported": supported,
				})
			}

			out := cmd.OutOrStdout()
			w := newTable(out)
			fmt.Fprintf(w, "ID\t%s\n", device.ID)
			fmt.Fprintf(w, "Type\t%s\n", orDash(device.DeviceType))
			fmt.Fprintf(w, "Generation\t%s\n", string(device.Generation))
			fmt.Fprintf(w, "IP\t%s\n", orDash(device.IPAddress))
			fmt.Fprintf(w, "Name\t%s\n", orDash(device.Name))
			fmt.Fprintf(w, "Firmware\t%s\n", orDash(device.FirmwareVersion))
			fmt.Fprintf(w, "Discovered via\t%s\n", orDash(string(device.DiscoveryMethod)))
			fmt.Fprintf(w, "Last seen\t%s\n", formatTime(device.LastSeenAt))
			fmt.Fprintf(w, "Groups\t%s\n", joinOrDash(memberships))
			fmt.Fprintf(w, "Parameters\t%s\n", joinOrDash(supported.Parameters))
			fmt.Fprintf(w, "Operations\t%s\n", joinOrDash(supported.Operations))
			w.Flush()
			return nil
		},
	}
}

func (a *App) devicesRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <device-id>",
		Short: "Re-probe a device and update its registry entry",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := a.discovery.Refresh(cmd.Context(), model.NormalizeMAC(args[0]))
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), device)
			}
			printDeviceRows(cmd.OutOrStdout(), []*model.Device{device})
			return nil
		},
	}
}

func (a *App) devicesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <device-id>",
		Short: "Remove a device from the registry",
		Long: `Remove a device from the registry. Group memberships are kept, so a
device rediscovered later rejoins its groups.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := model.NormalizeMAC(args[0])
			if err := a.registry.Delete(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			return nil
		},
	}
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
