package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

func (a *App) capabilitiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Inspect and rebuild the capability catalogue",
	}
	cmd.AddCommand(
		a.capabilitiesListCommand(),
		a.capabilitiesShowCommand(),
		a.capabilitiesDiscoverCommand(),
		a.capabilitiesRefreshCommand(),
		a.capabilitiesCheckCommand(),
		a.capabilitiesStandardizeCommand(),
	)
	return cmd
}

func (a *App) capabilitiesListCommand() *cobra.Command {
	var parameter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached capability definitions",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var types []string
			if parameter != "" {
				types = a.catalogue.DevicesSupporting(parameter)
			} else {
				types = a.catalogue.DeviceTypesList()
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), types)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "TYPE\tNAME\tGEN\tPARAMS\tAPIS")
			for _, t := range types {
				def, ok := a.catalogue.Get(t)
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", def.DeviceType, orDash(def.Name), string(def.Generation), len(def.Parameters), len(def.APIs))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&parameter, "parameter", "p", "", "Only types supporting this parameter")
	return cmd
}

func (a *App) capabilitiesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device-type>",
		Short: "Show one capability definition",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, ok := a.catalogue.Get(args[0])
			if !ok {
				return fmt.Errorf("no capability definition for device type %s", args[0])
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), def)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s, %s)\n", def.DeviceType, orDash(def.Name), string(def.Generation))
			if len(def.TypeMappings) > 0 {
				fmt.Fprintf(out, "Also serves: %s\n", strings.Join(def.TypeMappings, ", "))
			}

			apis := make([]string, 0, len(def.APIs))
			for name := range def.APIs {
				apis = append(apis, name)
			}
			sort.Strings(apis)
			fmt.Fprintf(out, "APIs: %s\n\n", joinOrDash(apis))

			w := newTable(out)
			fmt.Fprintln(w, "PARAMETER\tTYPE\tAPI\tPATH\tRW")
			for _, name := range def.ParameterNames() {
				desc := def.Parameters[name]
				rw := "rw"
				if desc.ReadOnly {
					rw = "ro"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, string(desc.Type), desc.API, desc.ParameterPath, rw)
			}
			w.Flush()
			return nil
		},
	}
}

func (a *App) capabilitiesDiscoverCommand() *cobra.Command {
	var (
		deviceID string
		ip       string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Probe one device and generate its capability definition",
		Long: `Probe a device's API surface and generate a capability definition for
its type. --id probes a registered device; --ip probes and registers an
address first.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := a.resolveProbeTarget(cmd, deviceID, ip)
			if err != nil {
				return err
			}
			if !force {
				if _, exists := a.catalogue.Resolve(device); exists {
					fmt.Fprintf(cmd.OutOrStdout(), "Definition for %s already cached; use --force to regenerate\n", device.DeviceType)
					return nil
				}
			}
			def, err := a.catalogue.DiscoverDevice(cmd.Context(), device)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), def)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated definition %s: %d parameter(s), %d API(s)\n",
				def.DeviceType, len(def.Parameters), len(def.APIs))
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceID, "id", "", "Registered device to probe")
	cmd.Flags().StringVarP(&ip, "ip", "i", "", "Address to probe and register first")
	return cmd
}

// resolveProbeTarget picks the device for a capability probe: a registry
// entry by ID, or a fresh discovery pass against an explicit address.
func (a *App) resolveProbeTarget(cmd *cobra.Command, deviceID, ip string) (*model.Device, error) {
	switch {
	case deviceID != "" && ip != "":
		return nil, fmt.Errorf("%w: --id and --ip are mutually exclusive", ErrUsage)
	case deviceID != "":
		return a.device(deviceID)
	case ip != "":
		if _, err := a.discovery.Run(cmd.Context(), []string{ip}); err != nil {
			return nil, err
		}
		for _, d := range a.registry.List() {
			if d.IPAddress == ip {
				return d, nil
			}
		}
		return nil, operrors.New(operrors.KindUnreachable, "no Shelly device answered at %s", ip)
	default:
		return nil, fmt.Errorf("%w: one of --id or --ip is required", ErrUsage)
	}
}

func (a *App) capabilitiesRefreshCommand() *cobra.Command {
	var (
		deviceIDs []string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-probe capability definitions from live devices",
		Long: `Re-generate capability definitions by probing one representative
device per type. Without --device every registered device is considered.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []model.Device
			if len(deviceIDs) == 0 {
				for _, d := range a.registry.List() {
					devices = append(devices, *d)
				}
			} else {
				for _, id := range deviceIDs {
					device, err := a.device(id)
					if err != nil {
						return err
					}
					devices = append(devices, *device)
				}
			}

			report, err := a.catalogue.Refresh(cmd.Context(), devices, force)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Refreshed: %s\n", joinOrDash(report.Refreshed))
			fmt.Fprintf(out, "Skipped:   %s\n", joinOrDash(report.Skipped))
			for deviceType, reason := range report.Failed {
				fmt.Fprintf(out, "Failed:    %s (%s)\n", deviceType, reason)
			}
			if len(report.Failed) > 0 {
				return ErrDeviceFailure
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&deviceIDs, "device", "d", nil, "Limit to these device IDs (repeatable)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Regenerate even when a definition is cached")
	return cmd
}

func (a *App) capabilitiesCheckCommand() *cobra.Command {
	var (
		deviceID   string
		deviceType string
	)

	cmd := &cobra.Command{
		Use:   "check-parameter <parameter>",
		Short: "Check whether a device or type supports a parameter",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := deviceType
			if deviceID != "" {
				device, err := a.device(deviceID)
				if err != nil {
					return err
				}
				target = device.DeviceType
			}
			if target == "" {
				return fmt.Errorf("%w: one of --id or --type is required", ErrUsage)
			}

			parameter := args[0]
			supported := a.catalogue.HasParameter(target, parameter)
			if a.jsonOut {
				payload := map[string]interface{}{
					"device_type": target,
					"parameter":   parameter,
					"supported":   supported,
				}
				if desc, ok := a.catalogue.ParameterDetails(target, parameter); ok {
					payload["descriptor"] = desc
				}
				return a.printJSON(cmd.OutOrStdout(), payload)
			}
			if supported {
				fmt.Fprintf(cmd.OutOrStdout(), "%s supports %s\n", target, parameter)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s does not support %s\n", target, parameter)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceID, "id", "", "Check for a registered device")
	cmd.Flags().StringVarP(&deviceType, "type", "t", "", "Check for a device type")
	return cmd
}

func (a *App) capabilitiesStandardizeCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "standardize",
		Short: "Rename legacy parameter names to their canonical form",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.catalogue.Standardize(dryRun)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			if len(report.Changes) == 0 {
				fmt.Fprintln(out, "All definitions already use canonical names")
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, "TYPE\tFROM\tTO")
			for _, change := range report.Changes {
				fmt.Fprintf(w, "%s\t%s\t%s\n", change.DeviceType, change.From, change.To)
			}
			w.Flush()
			if report.Applied {
				fmt.Fprintf(out, "\nApplied %d rename(s)\n", len(report.Changes))
			} else {
				fmt.Fprintf(out, "\nDry run: %d rename(s) pending\n", len(report.Changes))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report renames without writing")
	return cmd
}
