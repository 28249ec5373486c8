package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/frostdev-ops/shelly-fleet-go/internal/database"
)

func (a *App) historyCommand() *cobra.Command {
	var (
		deviceID string
		action   string
		since    string
		limit    int
		runs     bool
		runID    string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded operations and group runs",
		Long: `Query the operation history written by the fleet service. The database
is opened read-mostly on demand; the service does not need to be running.`,
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Initialize(a.cfg.Database, a.log)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(db, a.cfg.Database.MigrationsPath); err != nil {
				return err
			}
			store := database.NewHistoryStore(db, a.log)
			out := cmd.OutOrStdout()

			if runID != "" {
				run, ops, err := store.GetGroupRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("group run %s is not recorded", runID)
				}
				if a.jsonOut {
					return a.printJSON(out, map[string]interface{}{"run": run, "operations": ops})
				}
				fmt.Fprintf(out, "%s %s: %d ok, %d failed, %d skipped at %s\n\n",
					run.GroupName, run.Action, run.SuccessCount, run.FailureCount, run.SkippedCount,
					formatTime(run.StartedAt))
				printOperationRows(cmd, ops)
				return nil
			}

			if runs {
				rows, err := store.ListGroupRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(out, rows)
				}
				w := newTable(out)
				fmt.Fprintln(w, "RUN\tGROUP\tACTION\tSTARTED\tOK\tFAILED\tSKIPPED")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
						r.RunID, r.GroupName, r.Action, formatTime(r.StartedAt),
						r.SuccessCount, r.FailureCount, r.SkippedCount)
				}
				w.Flush()
				return nil
			}

			filter := database.HistoryFilter{DeviceID: deviceID, Action: action, Limit: limit}
			if since != "" {
				filter.Since, err = parseSince(since)
				if err != nil {
					return err
				}
			}
			ops, err := store.ListOperations(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(out, ops)
			}
			printOperationRows(cmd, ops)
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Only operations on this device")
	cmd.Flags().StringVar(&action, "action", "", "Only this action (verb or set:<parameter>)")
	cmd.Flags().StringVar(&since, "since", "", "Only operations after this time (RFC 3339 or duration like 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows returned")
	cmd.Flags().BoolVar(&runs, "runs", false, "List group runs instead of operations")
	cmd.Flags().StringVar(&runID, "run", "", "Show one group run with its per-device rows")
	return cmd
}

// parseSince accepts an absolute RFC 3339 timestamp or a relative duration
// counted back from now.
func parseSince(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --since needs an RFC 3339 time or a duration, got %q", ErrUsage, value)
	}
	return time.Now().Add(-d), nil
}

func printOperationRows(cmd *cobra.Command, ops []database.OperationRow) {
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "TIME\tDEVICE\tACTION\tSTATUS\tDETAIL")
	for _, op := range ops {
		status := "ok"
		detail := op.RequestSummary
		switch {
		case op.Skipped:
			status = "skipped"
			detail = op.Warning
		case !op.Success:
			status = "failed"
			detail = op.ErrorMessage
			if op.ErrorKind != "" {
				detail = fmt.Sprintf("%s: %s", op.ErrorKind, op.ErrorMessage)
			}
		case op.Rebooted:
			detail = "rebooted"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			formatTime(op.AttemptedAt), op.DeviceID, op.Action, status, detail)
	}
	w.Flush()
}
