package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/username/flexledger/backend/src/models"
)

// PayloadSHA256 returns the lowercase hex digest used as artifact identity.
func PayloadSHA256(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

// RawRowInsert is one extracted row queued for persistence under an artifact.
type RawRowInsert struct {
	SectionName  string
	SourceRowRef string
	Payload      map[string]string
}

// RawStore persists immutable payload artifacts and their extracted rows.
type RawStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRawStore(db *sql.DB) *RawStore {
	return &RawStore{db: db, now: time.Now}
}

// UpsertArtifact inserts the payload blob under its content-addressed key.
// First writer wins: when the key already exists the stored artifact is
// returned unchanged and the second return value reports the dedup hit.
func (s *RawStore) UpsertArtifact(runID string, key models.ArtifactKey, reportDateLocal *string, payload []byte) (*models.RawArtifact, bool, error) {
	artifact := &models.RawArtifact{
		ID:              uuid.NewString(),
		IngestionRunID:  runID,
		Key:             key,
		ReportDateLocal: reportDateLocal,
		Payload:         payload,
		CreatedAtUTC:    s.now().UTC(),
	}

	result, err := s.db.Exec(
		`INSERT INTO raw_artifact (id, ingestion_run_id, account_id, period_key, flex_query_id, payload_sha256, report_date_local, payload, created_at_utc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, period_key, flex_query_id, payload_sha256) DO NOTHING`,
		artifact.ID, runID, key.AccountID, key.PeriodKey, key.FlexQueryID, key.PayloadSHA256,
		reportDateLocal, payload, artifact.CreatedAtUTC.Format(timeLayout),
	)
	if err != nil {
		return nil, false, fmt.Errorf("error inserting raw artifact: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("error checking artifact insert: %w", err)
	}
	if affected > 0 {
		return artifact, false, nil
	}

	// Someone persisted this exact payload before; reuse their artifact.
	var createdAt string
	existing := &models.RawArtifact{Key: key, Payload: payload}
	err = s.db.QueryRow(
		`SELECT id, ingestion_run_id, report_date_local, created_at_utc FROM raw_artifact
		 WHERE account_id = ? AND period_key = ? AND flex_query_id = ? AND payload_sha256 = ?`,
		key.AccountID, key.PeriodKey, key.FlexQueryID, key.PayloadSHA256,
	).Scan(&existing.ID, &existing.IngestionRunID, &existing.ReportDateLocal, &createdAt)
	if err != nil {
		return nil, false, fmt.Errorf("error loading deduplicated artifact: %w", err)
	}
	if existing.CreatedAtUTC, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, false, fmt.Errorf("error parsing artifact created_at: %w", err)
	}
	return existing, true, nil
}

// InsertRows persists extracted rows under an artifact, attributed to the
// inserting run. Rows whose (artifact, section, row ref) identity already
// exists are skipped and counted, never modified.
func (s *RawStore) InsertRows(runID string, artifact *models.RawArtifact, rows []RawRowInsert) (inserted, skipped int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO raw_record (id, raw_artifact_id, ingestion_run_id, account_id, period_key, flex_query_id, report_date_local, section_name, source_row_ref, source_payload, created_at_utc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (raw_artifact_id, section_name, source_row_ref) DO NOTHING`)
	if err != nil {
		return 0, 0, fmt.Errorf("error preparing raw record insert: %w", err)
	}
	defer stmt.Close()

	createdAt := s.now().UTC().Format(timeLayout)
	for _, row := range rows {
		payloadJSON, err := json.Marshal(row.Payload)
		if err != nil {
			return 0, 0, fmt.Errorf("error encoding row payload for %s: %w", row.SourceRowRef, err)
		}
		result, err := stmt.Exec(
			uuid.NewString(), artifact.ID, runID,
			artifact.Key.AccountID, artifact.Key.PeriodKey, artifact.Key.FlexQueryID,
			artifact.ReportDateLocal, row.SectionName, row.SourceRowRef, string(payloadJSON), createdAt,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("error inserting raw record %s: %w", row.SourceRowRef, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("error checking raw record insert: %w", err)
		}
		if affected > 0 {
			inserted++
		} else {
			skipped++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("error committing raw records: %w", err)
	}
	return inserted, skipped, nil
}

// ListRowsForRun returns the rows first inserted by the given run, in
// insertion order. Deduplicated runs get an empty slice.
func (s *RawStore) ListRowsForRun(runID string) ([]models.RawRecord, error) {
	return s.listRows(`WHERE ingestion_run_id = ?`, runID)
}

// ListRowsForScope returns every persisted row for the reprocess scope
// (account, period key, query id), regardless of which run inserted it.
func (s *RawStore) ListRowsForScope(accountID, periodKey, flexQueryID string) ([]models.RawRecord, error) {
	return s.listRows(`WHERE account_id = ? AND period_key = ? AND flex_query_id = ?`, accountID, periodKey, flexQueryID)
}

// ListRowsForArtifactSection returns an artifact's rows for one section.
// Used to read broker valuations even when the run deduplicated.
func (s *RawStore) ListRowsForArtifactSection(artifactID, sectionName string) ([]models.RawRecord, error) {
	return s.listRows(`WHERE raw_artifact_id = ? AND section_name = ?`, artifactID, sectionName)
}

func (s *RawStore) listRows(where string, args ...any) ([]models.RawRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, raw_artifact_id, ingestion_run_id, account_id, period_key, flex_query_id, report_date_local, section_name, source_row_ref, source_payload
		 FROM raw_record `+where+` ORDER BY created_at_utc, source_row_ref`, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing raw records: %w", err)
	}
	defer rows.Close()

	var records []models.RawRecord
	for rows.Next() {
		var record models.RawRecord
		var payloadJSON string
		err = rows.Scan(
			&record.ID, &record.RawArtifactID, &record.IngestionRunID, &record.AccountID,
			&record.PeriodKey, &record.FlexQueryID, &record.ReportDateLocal,
			&record.SectionName, &record.SourceRowRef, &payloadJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning raw record: %w", err)
		}
		if err = json.Unmarshal([]byte(payloadJSON), &record.SourcePayload); err != nil {
			return nil, fmt.Errorf("error decoding payload for raw record %s: %w", record.ID, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
