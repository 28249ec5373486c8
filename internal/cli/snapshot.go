package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/frostdev-ops/shelly-fleet-go/internal/snapshot"
)

func (a *App) snapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export and import fleet state archives",
	}
	cmd.AddCommand(a.snapshotExportCommand(), a.snapshotImportCommand())
	return cmd
}

func (a *App) snapshotExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write registry, groups and capability state to a tar.gz archive",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("create snapshot file: %w", err)
			}
			manifest, err := a.snapshots.Export(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[0])
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), manifest)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d file(s) (%s) to %s\n",
				manifest.Files, strings.Join(manifest.Trees, ", "), args[0])
			return nil
		},
	}
}

func (a *App) snapshotImportCommand() *cobra.Command {
	var (
		overwrite bool
		only      []string
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore fleet state from a snapshot archive",
		Long: `Restore registry, group and capability files from an archive written by
snapshot export. Existing files are kept unless --overwrite is given.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open snapshot file: %w", err)
			}
			defer f.Close()

			report, err := a.snapshots.Import(f, snapshot.ImportOptions{Overwrite: overwrite, Only: only})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d file(s), skipped %d (archive from %s)\n",
				report.Restored, report.Skipped, formatTime(report.Manifest.CreatedAt))
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace files that already exist")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Restore only these trees (config, data)")
	return cmd
}
