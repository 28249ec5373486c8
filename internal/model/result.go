package model

import (
	"time"

	"github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

// WarningClamped marks a write whose value the device silently adjusted. The
// operation still counts as a success.
const WarningClamped = "clamped"

// OperationResult is the per-device outcome of one leaf operation.
type OperationResult struct {
	DeviceID        string        `json:"device_id"`
	Success         bool          `json:"success"`
	Skipped         bool          `json:"skipped,omitempty"`
	AttemptedAt     time.Time     `json:"attempted_at"`
	Duration        time.Duration `json:"duration"`
	RequestSummary  string        `json:"request_summary,omitempty"`
	ResponseSummary string        `json:"response_summary,omitempty"`
	Value           interface{}   `json:"value,omitempty"`
	ErrorKind       errors.Kind   `json:"error_kind,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Warning         string        `json:"warning,omitempty"`
	RebootRequired  bool          `json:"reboot_required,omitempty"`
	Rebooted        bool          `json:"rebooted,omitempty"`
	RebootError     string        `json:"reboot_error,omitempty"`
}

// Fail fills the error fields of the result from err and marks it failed.
func (r *OperationResult) Fail(err error) {
	r.Success = false
	r.ErrorKind = errors.KindOf(err)
	r.ErrorMessage = err.Error()
}

// GroupResult aggregates per-device results of one group run. Results appear
// in the input device order regardless of completion order.
type GroupResult struct {
	RunID        string            `json:"run_id"`
	GroupName    string            `json:"group_name"`
	Action       string            `json:"action"`
	StartedAt    time.Time         `json:"started_at"`
	Duration     time.Duration     `json:"duration"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	SkippedCount int               `json:"skipped_count"`
	Results      []OperationResult `json:"results"`
}

// Tally recomputes the aggregate counts from the per-device results.
func (g *GroupResult) Tally() {
	g.SuccessCount, g.FailureCount, g.SkippedCount = 0, 0, 0
	for _, r := range g.Results {
		switch {
		case r.Skipped:
			g.SkippedCount++
		case r.Success:
			g.SuccessCount++
		default:
			g.FailureCount++
		}
	}
}
