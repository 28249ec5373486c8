package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

func (a *App) groupsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage device groups and run group operations",
	}
	cmd.AddCommand(
		a.groupsListCommand(),
		a.groupsShowCommand(),
		a.groupsCreateCommand(),
		a.groupsUpdateCommand(),
		a.groupsDeleteCommand(),
		a.groupsAddDeviceCommand(),
		a.groupsRemoveDeviceCommand(),
		a.groupsOperateCommand(),
	)
	return cmd
}

func (a *App) groupsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			all := a.groups.List()
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), all)
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "NAME\tDEVICES\tTAGS\tDESCRIPTION")
			for _, g := range all {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", g.Name, len(g.DeviceIDs), joinOrDash(g.Tags), orDash(g.Description))
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d group(s)\n", len(all))
			return nil
		},
	}
}

func (a *App) groupsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a group and its resolved members",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, ok := a.groups.Get(args[0])
			if !ok {
				return fmt.Errorf("group %s is not defined", args[0])
			}

			var resolved []*model.Device
			var missing []string
			for _, id := range group.DeviceIDs {
				if device, ok := a.registry.Get(id); ok {
					resolved = append(resolved, device)
				} else {
					missing = append(missing, id)
				}
			}

			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"group":   group,
					"devices": resolved,
					"missing": missing,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Group %s", group.Name)
			if group.Description != "" {
				fmt.Fprintf(out, " - %s", group.Description)
			}
			fmt.Fprintln(out)
			if len(group.Tags) > 0 {
				fmt.Fprintf(out, "Tags: %s\n", strings.Join(group.Tags, ", "))
			}
			fmt.Fprintln(out)
			printDeviceRows(out, resolved)
			for _, id := range missing {
				fmt.Fprintf(out, "%s  (member not in registry)\n", id)
			}
			return nil
		},
	}
}

func (a *App) groupsCreateCommand() *cobra.Command {
	var (
		description string
		tags        []string
		deviceIDs   []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := &model.Group{
				Name:        args[0],
				Description: description,
				Tags:        tags,
				DeviceIDs:   deviceIDs,
			}
			created, err := a.groups.Create(group)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), created)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created group %s with %d device(s)\n", created.Name, len(created.DeviceIDs))
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "Group description")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags (repeatable or comma-separated)")
	cmd.Flags().StringSliceVar(&deviceIDs, "devices", nil, "Initial member device IDs")
	return cmd
}

func (a *App) groupsUpdateCommand() *cobra.Command {
	var (
		newName     string
		description string
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update a group's name, description, or tags",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flagSet := cmd.Flags()
			updated, err := a.groups.Update(args[0], func(g *model.Group) error {
				if flagSet.Changed("name") {
					g.Name = newName
				}
				if flagSet.Changed("description") {
					g.Description = description
				}
				if flagSet.Changed("tags") {
					g.Tags = tags
				}
				return nil
			})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), updated)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated group %s\n", updated.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&newName, "name", "", "Rename the group")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Replace the tag list")
	return cmd
}

func (a *App) groupsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a group",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.groups.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted group %s\n", args[0])
			return nil
		},
	}
}

func (a *App) groupsAddDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-device <group> <device-id>",
		Short: "Add a device to a group",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := a.groups.AddDevice(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %s now has %d device(s)\n", group.Name, len(group.DeviceIDs))
			return nil
		},
	}
}

func (a *App) groupsRemoveDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-device <group> <device-id>",
		Short: "Remove a device from a group",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := a.groups.RemoveDevice(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %s now has %d device(s)\n", group.Name, len(group.DeviceIDs))
			return nil
		},
	}
}

func (a *App) groupsOperateCommand() *cobra.Command {
	var (
		argPairs []string
		confirm  bool
	)

	cmd := &cobra.Command{
		Use:   "operate <group> <verb>",
		Short: "Run an operation verb against every device in a group",
		Long: `Run an operation verb (on, off, toggle, status, reboot, check_updates,
update_firmware) against every member of a group concurrently. Results
are reported per device in member order.

Destructive verbs against the implicit all-devices group require --yes.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbArgs, err := parseArgPairs(argPairs)
			if err != nil {
				return err
			}
			result, err := a.executor.Operate(cmd.Context(), args[0], args[1], verbArgs, confirm)
			if err != nil {
				return err
			}
			return a.printGroupResult(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringArrayVar(&argPairs, "arg", nil, "Verb argument as key=value (repeatable)")
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm a destructive operation against all devices")
	return cmd
}
