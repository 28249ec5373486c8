package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

// OperationRow is one persisted operation outcome. Rows belonging to a
// group run carry its run id; single-device operations leave it null.
type OperationRow struct {
	ID             int64     `db:"id" json:"id"`
	RunID          *string   `db:"run_id" json:"run_id,omitempty"`
	DeviceID       string    `db:"device_id" json:"device_id"`
	Action         string    `db:"action" json:"action"`
	Success        bool      `db:"success" json:"success"`
	Skipped        bool      `db:"skipped" json:"skipped,omitempty"`
	AttemptedAt    time.Time `db:"attempted_at" json:"attempted_at"`
	DurationMS     int64     `db:"duration_ms" json:"duration_ms"`
	RequestSummary string    `db:"request_summary" json:"request_summary,omitempty"`
	ErrorKind      string    `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage   string    `db:"error_message" json:"error_message,omitempty"`
	Warning        string    `db:"warning" json:"warning,omitempty"`
	Rebooted       bool      `db:"rebooted" json:"rebooted,omitempty"`
}

// GroupRunRow is one persisted group fan-out summary.
type GroupRunRow struct {
	RunID        string    `db:"run_id" json:"run_id"`
	GroupName    string    `db:"group_name" json:"group_name"`
	Action       string    `db:"action" json:"action"`
	StartedAt    time.Time `db:"started_at" json:"started_at"`
	DurationMS   int64     `db:"duration_ms" json:"duration_ms"`
	SuccessCount int       `db:"success_count" json:"success_count"`
	FailureCount int       `db:"failure_count" json:"failure_count"`
	SkippedCount int       `db:"skipped_count" json:"skipped_count"`
}

// HistoryFilter narrows a history listing.
type HistoryFilter struct {
	DeviceID string
	Action   string
	Since    time.Time
	Limit    int
}

// HistoryStore records finished operations and group runs.
type HistoryStore struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewHistoryStore creates a history store over an initialized database.
func NewHistoryStore(db *sqlx.DB, log *logrus.Logger) *HistoryStore {
	return &HistoryStore{db: db, log: log}
}

const insertOperationSQL = `
	INSERT INTO operations (run_id, device_id, action, success, skipped, attempted_at,
		duration_ms, request_summary, error_kind, error_message, warning, rebooted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// RecordOperation persists one single-device operation outcome.
func (s *HistoryStore) RecordOperation(ctx context.Context, action string, result *model.OperationResult) error {
	_, err := s.db.ExecContext(ctx, insertOperationSQL,
		nil,
		result.DeviceID,
		action,
		result.Success,
		result.Skipped,
		attemptedAt(result),
		result.Duration.Milliseconds(),
		result.RequestSummary,
		string(result.ErrorKind),
		result.ErrorMessage,
		result.Warning,
		result.Rebooted,
	)
	if err != nil {
		s.log.WithError(err).WithField("device_id", result.DeviceID).Error("Failed to record operation")
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// RecordGroupRun persists a group fan-out summary and its per-device rows
// in one transaction.
func (s *HistoryStore) RecordGroupRun(ctx context.Context, result *model.GroupResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_runs (run_id, group_name, action, started_at, duration_ms,
			success_count, failure_count, skipped_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID,
		result.GroupName,
		result.Action,
		result.StartedAt.UTC(),
		result.Duration.Milliseconds(),
		result.SuccessCount,
		result.FailureCount,
		result.SkippedCount,
	)
	if err != nil {
		return fmt.Errorf("failed to record group run %s: %w", result.RunID, err)
	}

	for i := range result.Results {
		r := &result.Results[i]
		_, err = tx.ExecContext(ctx, insertOperationSQL,
			result.RunID,
			r.DeviceID,
			result.Action,
			r.Success,
			r.Skipped,
			attemptedAt(r),
			r.Duration.Milliseconds(),
			r.RequestSummary,
			string(r.ErrorKind),
			r.ErrorMessage,
			r.Warning,
			r.Rebooted,
		)
		if err != nil {
			return fmt.Errorf("failed to record result for %s in run %s: %w", r.DeviceID, result.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit group run %s: %w", result.RunID, err)
	}
	return nil
}

// ListOperations returns operations newest first, optionally narrowed by
// device, action and age. Limit defaults to 100.
func (s *HistoryStore) ListOperations(ctx context.Context, filter HistoryFilter) ([]OperationRow, error) {
	conditions := []string{}
	args := []interface{}{}

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, model.NormalizeMAC(filter.DeviceID))
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "attempted_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT id, run_id, device_id, action, success, skipped, attempted_at,
		duration_ms, request_summary, error_kind, error_message, warning, rebooted
		FROM operations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY attempted_at DESC, id DESC LIMIT ?"
	args = append(args, limitOf(filter.Limit))

	var rows []OperationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return rows, nil
}

// ListGroupRuns returns group run summaries newest first.
func (s *HistoryStore) ListGroupRuns(ctx context.Context, limit int) ([]GroupRunRow, error) {
	var rows []GroupRunRow
	query := `SELECT run_id, group_name, action, started_at, duration_ms,
		success_count, failure_count, skipped_count
		FROM group_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, limitOf(limit)); err != nil {
		return nil, fmt.Errorf("failed to list group runs: %w", err)
	}
	return rows, nil
}

// GetGroupRun returns one run summary with its per-device rows in insert
// order, or nil when the run id is unknown.
func (s *HistoryStore) GetGroupRun(ctx context.Context, runID string) (*GroupRunRow, []OperationRow, error) {
	var run GroupRunRow
	err := s.db.GetContext(ctx, &run, `SELECT run_id, group_name, action, started_at,
		duration_ms, success_count, failure_count, skipped_count
		FROM group_runs WHERE run_id = ?`, runID)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get group run %s: %w", runID, err)
	}

	var rows []OperationRow
	err = s.db.SelectContext(ctx, &rows, `SELECT id, run_id, device_id, action, success,
		skipped, attempted_at, duration_ms, request_summary, error_kind, error_message,
		warning, rebooted
		FROM operations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get results for run %s: %w", runID, err)
	}
	return &run, rows, nil
}

// Purge removes history older than the retention horizon and reports how
// many rows were dropped.
func (s *HistoryStore) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	ops, err := s.db.ExecContext(ctx, "DELETE FROM operations WHERE attempted_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", err)
	}
	runs, err := s.db.ExecContext(ctx, "DELETE FROM group_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge group runs: %w", err)
	}

	opCount, _ := ops.RowsAffected()
	runCount, _ := runs.RowsAffected()
	purged := opCount + runCount
	if purged > 0 {
		s.log.WithFields(logrus.Fields{
			"rows":   purged,
			"cutoff": cutoff,
		}).Info("Purged old operation history")
	}
	return purged, nil
}

func attemptedAt(r *model.OperationResult) time.Time {
	if r.AttemptedAt.IsZero() {
		return time.Now().UTC()
	}
	return r.AttemptedAt.UTC()
}

func limitOf(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
