// Package store implements all persistence on top of the sqlite schema:
// run lifecycle, immutable raw payloads, canonical event upserts and the
// ledger read/write paths.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/timeline"
)

// ErrRunAlreadyActive is returned when a run is requested while another run
// for the same account has not finalized yet.
var ErrRunAlreadyActive = errors.New("an ingestion run is already active for this account")

const timeLayout = time.RFC3339

// runSortColumns is the allow-list for run list ordering.
var runSortColumns = map[string]string{
	"started_at":   "started_at_utc",
	"completed_at": "completed_at_utc",
	"status":       "status",
}

// RunStore manages ingestion_run rows and the single-active-run lock.
type RunStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, now: time.Now}
}

// CreateStarted acquires the per-account run lock and inserts the run row in
// one transaction. The lock acquisition never blocks: a second caller gets
// ErrRunAlreadyActive immediately, before any run row exists for it.
func (s *RunStore) CreateStarted(accountID, runType, periodKey, flexQueryID string) (*models.IngestionRun, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	run := &models.IngestionRun{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		RunType:      runType,
		Status:       models.RunStatusStarted,
		PeriodKey:    periodKey,
		FlexQueryID:  flexQueryID,
		StartedAtUTC: s.now().UTC(),
	}

	_, err = tx.Exec(
		`INSERT INTO ingestion_run_lock (account_id, ingestion_run_id, locked_at_utc) VALUES (?, ?, ?)`,
		accountID, run.ID, run.StartedAtUTC.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRunAlreadyActive
		}
		return nil, fmt.Errorf("error acquiring run lock: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO ingestion_run (id, account_id, run_type, status, period_key, flex_query_id, started_at_utc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AccountID, run.RunType, run.Status, run.PeriodKey, run.FlexQueryID,
		run.StartedAtUTC.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRunAlreadyActive
		}
		return nil, fmt.Errorf("error inserting ingestion run: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing run creation: %w", err)
	}
	return run, nil
}

// Finalize writes the terminal state exactly once and releases the lock.
func (s *RunStore) Finalize(runID, status string, errorCode, errorMessage, reportDateLocal *string, diagnostics []timeline.StageEvent) error {
	if status != models.RunStatusSuccess && status != models.RunStatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	diagnosticsJSON, err := timeline.MarshalEvents(diagnostics)
	if err != nil {
		return fmt.Errorf("error encoding diagnostics: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var accountID, startedAt string
	err = tx.QueryRow(`SELECT account_id, started_at_utc FROM ingestion_run WHERE id = ?`, runID).
		Scan(&accountID, &startedAt)
	if err != nil {
		return fmt.Errorf("error loading run %s: %w", runID, err)
	}

	completedAt := s.now().UTC()
	var durationMS int64
	if started, parseErr := time.Parse(timeLayout, startedAt); parseErr == nil {
		durationMS = completedAt.Sub(started).Milliseconds()
	}

	_, err = tx.Exec(
		`UPDATE ingestion_run
		 SET status = ?, error_code = ?, error_message = ?, report_date_local = ?,
		     completed_at_utc = ?, duration_ms = ?, diagnostics = ?
		 WHERE id = ? AND status = ?`,
		status, errorCode, errorMessage, reportDateLocal,
		completedAt.Format(timeLayout), durationMS, diagnosticsJSON,
		runID, models.RunStatusStarted,
	)
	if err != nil {
		return fmt.Errorf("error finalizing run %s: %w", runID, err)
	}

	if _, err = tx.Exec(`DELETE FROM ingestion_run_lock WHERE ingestion_run_id = ?`, runID); err != nil {
		return fmt.Errorf("error releasing run lock: %w", err)
	}

	return tx.Commit()
}

// GetByID loads one run including its decoded diagnostics timeline.
func (s *RunStore) GetByID(runID string) (*models.IngestionRun, error) {
	row := s.db.QueryRow(
		`SELECT id, account_id, run_type, status, period_key, flex_query_id, report_date_local,
		        started_at_utc, completed_at_utc, duration_ms, error_code, error_message, diagnostics
		 FROM ingestion_run WHERE id = ?`, runID)
	return scanRun(row)
}

// ListRunsFilter narrows and pages the run list.
type ListRunsFilter struct {
	AccountID string
	Status    string
	SortBy    string
	Order     string
	Limit     int
	Offset    int
}

// List returns runs matching the filter. Sort column and order come from an
// allow-list; anything else falls back to started_at descending.
func (s *RunStore) List(filter ListRunsFilter) ([]models.IngestionRun, error) {
	column, ok := runSortColumns[filter.SortBy]
	if !ok {
		column = "started_at_utc"
	}
	order := "DESC"
	if strings.EqualFold(filter.Order, "asc") {
		order = "ASC"
	}

	query := `SELECT id, account_id, run_type, status, period_key, flex_query_id, report_date_local,
	                 started_at_utc, completed_at_utc, duration_ms, error_code, error_message, diagnostics
	          FROM ingestion_run WHERE 1=1`
	args := []any{}
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += fmt.Sprintf(` ORDER BY %s %s LIMIT ? OFFSET ?`, column, order)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	defer rows.Close()

	var runs []models.IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.IngestionRun, error) {
	var run models.IngestionRun
	var startedAt string
	var completedAt, diagnosticsJSON sql.NullString
	var durationMS sql.NullInt64

	err := row.Scan(
		&run.ID, &run.AccountID, &run.RunType, &run.Status, &run.PeriodKey, &run.FlexQueryID,
		&run.ReportDateLocal, &startedAt, &completedAt, &durationMS, &run.ErrorCode,
		&run.ErrorMessage, &diagnosticsJSON,
	)
	if err != nil {
		return nil, err
	}

	if run.StartedAtUTC, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("error parsing started_at for run %s: %w", run.ID, err)
	}
	if completedAt.Valid {
		parsed, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("error parsing completed_at for run %s: %w", run.ID, err)
		}
		run.CompletedAtUTC = &parsed
	}
	if durationMS.Valid {
		run.DurationMS = &durationMS.Int64
	}
	if diagnosticsJSON.Valid && diagnosticsJSON.String != "" {
		events, err := timeline.UnmarshalEvents(diagnosticsJSON.String)
		if err != nil {
			return nil, fmt.Errorf("error decoding diagnostics for run %s: %w", run.ID, err)
		}
		run.Diagnostics = events
	}
	return &run, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
