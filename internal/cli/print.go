package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func resultStatus(r *model.OperationResult) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Success:
		return "ok"
	default:
		return "failed"
	}
}

// resultDetail picks the one line worth showing per device: the value for
// reads, the warning or error otherwise.
func resultDetail(r *model.OperationResult) string {
	switch {
	case !r.Success && r.ErrorMessage != "":
		if r.ErrorKind != "" {
			return fmt.Sprintf("%s: %s", r.ErrorKind, r.ErrorMessage)
		}
		return r.ErrorMessage
	case r.Value != nil:
		detail := fmt.Sprintf("%v", r.Value)
		if r.Warning != "" {
			detail += " (" + r.Warning + ")"
		}
		return detail
	case r.Warning != "":
		return r.Warning
	case r.Rebooted:
		return "rebooted"
	case r.RebootRequired:
		return "reboot required"
	case r.ResponseSummary != "":
		return r.ResponseSummary
	default:
		return ""
	}
}

// printOperationResult renders a single-device outcome and translates a
// failure into the exit-status error.
func (a *App) printOperationResult(out io.Writer, r *model.OperationResult) error {
	if a.jsonOut {
		if err := a.printJSON(out, r); err != nil {
			return err
		}
	} else {
		w := newTable(out)
		fmt.Fprintln(w, "DEVICE\tSTATUS\tDURATION\tDETAIL")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.DeviceID, resultStatus(r), formatDuration(r.Duration), resultDetail(r))
		w.Flush()
	}
	if !r.Success && !r.Skipped {
		return ErrDeviceFailure
	}
	return nil
}

// printGroupResult renders per-device rows in input order plus a summary
// line, then maps failures to the exit-status error.
func (a *App) printGroupResult(out io.Writer, g *model.GroupResult) error {
	if a.jsonOut {
		if err := a.printJSON(out, g); err != nil {
			return err
		}
	} else {
		w := newTable(out)
		fmt.Fprintln(w, "DEVICE\tSTATUS\tDURATION\tDETAIL")
		for i := range g.Results {
			r := &g.Results[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.DeviceID, resultStatus(r), formatDuration(r.Duration), resultDetail(r))
		}
		w.Flush()
		fmt.Fprintf(out, "\n%s %s: %d ok, %d failed, %d skipped in %s (run %s)\n",
			g.GroupName, g.Action, g.SuccessCount, g.FailureCount, g.SkippedCount,
			formatDuration(g.Duration), g.RunID)
	}
	if g.FailureCount > 0 {
		return ErrDeviceFailure
	}
	return nil
}

func printDeviceRows(out io.Writer, devices []*model.Device) {
	w := newTable(out)
	fmt.Fprintln(w, "ID\tTYPE\tGEN\tIP\tNAME\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, orDash(d.DeviceType), string(d.Generation), orDash(d.IPAddress),
			orDash(d.Name), formatTime(d.LastSeenAt))
	}
	w.Flush()
}
