package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frostdev-ops/shelly-fleet-go/internal/engine"
	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

func (a *App) parametersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parameters",
		Short: "Read and write logical device parameters",
	}
	cmd.AddCommand(
		a.parametersListCommand(),
		a.parametersGetCommand(),
		a.parametersSetCommand(),
		a.parametersApplyCommand(),
	)
	return cmd
}

func (a *App) parametersListCommand() *cobra.Command {
	var (
		deviceID   string
		generation string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List logical parameters",
		Long: `List the logical parameters of the canonical mapping table. With
--device, list what that specific device supports instead.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID != "" {
				device, err := a.device(deviceID)
				if err != nil {
					return err
				}
				supported := a.engine.Supported(device)
				if a.jsonOut {
					return a.printJSON(cmd.OutOrStdout(), supported)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Parameters: %s\n", joinOrDash(supported.Parameters))
				fmt.Fprintf(out, "Operations: %s\n", joinOrDash(supported.Operations))
				return nil
			}

			gen := model.Generation(generation)
			if generation != "" && !gen.Valid() {
				return fmt.Errorf("%w: unknown generation %q", ErrUsage, generation)
			}

			table := a.catalogue.Mappings()
			type row struct {
				Name        string `json:"name"`
				Type        string `json:"type,omitempty"`
				Unit        string `json:"unit,omitempty"`
				Gen1        bool   `json:"gen1"`
				Gen2        bool   `json:"gen2"`
				Description string `json:"description,omitempty"`
			}
			var rows []row
			for _, name := range table.Names() {
				if generation != "" && !table.SupportsGeneration(name, gen) {
					continue
				}
				entry, _ := table.Lookup(name)
				rows = append(rows, row{
					Name:        name,
					Type:        string(entry.Type),
					Unit:        entry.Unit,
					Gen1:        entry.Gen1 != nil,
					Gen2:        entry.Gen2 != nil,
					Description: entry.Description,
				})
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), rows)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "PARAMETER\tTYPE\tGEN1\tGEN2\tDESCRIPTION")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", r.Name, orDash(r.Type), r.Gen1, r.Gen2, orDash(r.Description))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "List what this device supports")
	cmd.Flags().StringVar(&generation, "generation", "", "Filter by generation (gen1..gen4)")
	return cmd
}

func (a *App) parametersGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <device-id> <parameter>",
		Short: "Read a parameter from a device",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := a.device(args[0])
			if err != nil {
				return err
			}
			value, err := a.engine.Get(cmd.Context(), device, args[1])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), value)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", value.Name, value.Value)
			return nil
		},
	}
}

func (a *App) parametersSetCommand() *cobra.Command {
	var reboot bool

	cmd := &cobra.Command{
		Use:   "set <device-id> <parameter> <value>",
		Short: "Write a parameter on a device",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := a.device(args[0])
			if err != nil {
				return err
			}
			result := a.engine.Set(cmd.Context(), device, args[1], parseValue(args[2]), engine.SetOptions{
				RebootIfNeeded: reboot,
			})
			return a.printOperationResult(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&reboot, "reboot", false, "Reboot the device if the write requires a restart")
	return cmd
}

func (a *App) parametersApplyCommand() *cobra.Command {
	var (
		reboot  bool
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "apply <group> <parameter> <value>",
		Short: "Write a parameter across every device in a group",
		Long: `Write one parameter across every member of a group concurrently.
Wifi parameters against the implicit all-devices group require --yes.`,
		Args: exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.executor.SetParameter(cmd.Context(), args[0], args[1], parseValue(args[2]), engine.SetOptions{
				RebootIfNeeded: reboot,
			}, confirm)
			if err != nil {
				return err
			}
			return a.printGroupResult(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().BoolVar(&reboot, "reboot", false, "Reboot devices whose writes require a restart")
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm a destructive write against all devices")
	return cmd
}
