// Package database owns the sqlite connection and the schema. The schema is
// created at startup; every natural key the pipeline depends on is enforced
// here as a UNIQUE constraint so replays can never fork identities.
package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/username/flexledger/backend/src/logger"
)

// DB is the process-wide database handle, set by InitDB.
var DB *sql.DB

// InitDB opens the sqlite database at the given path and creates the schema.
func InitDB(dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite", dataSourceName)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	if err = DB.Ping(); err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	// Single writer; avoids SQLITE_BUSY under the scheduler + API overlap.
	DB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err = DB.Exec(pragma); err != nil {
			return fmt.Errorf("error applying pragma %q: %w", pragma, err)
		}
	}

	if err = InitSchema(DB); err != nil {
		return fmt.Errorf("error creating tables: %w", err)
	}

	if logger.L != nil {
		logger.L.Info("Database initialized successfully", "path", dataSourceName)
	}
	return nil
}

// InitSchema creates all tables and indexes on the given handle. Exposed so
// tests can build the schema on an in-memory database.
func InitSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ingestion_run (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			run_type TEXT NOT NULL,
			status TEXT NOT NULL,
			period_key TEXT NOT NULL,
			flex_query_id TEXT NOT NULL,
			report_date_local TEXT,
			started_at_utc TEXT NOT NULL,
			completed_at_utc TEXT,
			duration_ms INTEGER,
			error_code TEXT,
			error_message TEXT,
			diagnostics TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ingestion_run_single_active
			ON ingestion_run(account_id) WHERE status = 'started';`,
		`CREATE INDEX IF NOT EXISTS idx_ingestion_run_started_at
			ON ingestion_run(started_at_utc);`,

		`CREATE TABLE IF NOT EXISTS ingestion_run_lock (
			account_id TEXT PRIMARY KEY,
			ingestion_run_id TEXT NOT NULL,
			locked_at_utc TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS raw_artifact (
			id TEXT PRIMARY KEY,
			ingestion_run_id TEXT NOT NULL REFERENCES ingestion_run(id),
			account_id TEXT NOT NULL,
			period_key TEXT NOT NULL,
			flex_query_id TEXT NOT NULL,
			payload_sha256 TEXT NOT NULL,
			report_date_local TEXT,
			payload BLOB NOT NULL,
			created_at_utc TEXT NOT NULL,
			UNIQUE (account_id, period_key, flex_query_id, payload_sha256)
		);`,

		`CREATE TABLE IF NOT EXISTS raw_record (
			id TEXT PRIMARY KEY,
			raw_artifact_id TEXT NOT NULL REFERENCES raw_artifact(id),
			ingestion_run_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			period_key TEXT NOT NULL,
			flex_query_id TEXT NOT NULL,
			report_date_local TEXT,
			section_name TEXT NOT NULL,
			source_row_ref TEXT NOT NULL,
			source_payload TEXT NOT NULL,
			created_at_utc TEXT NOT NULL,
			UNIQUE (raw_artifact_id, section_name, source_row_ref)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_raw_record_scope
			ON raw_record(account_id, period_key, flex_query_id);`,
		`CREATE INDEX IF NOT EXISTS idx_raw_record_run
			ON raw_record(ingestion_run_id);`,

		`CREATE TABLE IF NOT EXISTS instrument (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			conid TEXT NOT NULL,
			symbol TEXT NOT NULL,
			local_symbol TEXT,
			isin TEXT,
			cusip TEXT,
			figi TEXT,
			asset_category TEXT NOT NULL,
			currency TEXT NOT NULL,
			description TEXT,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL,
			UNIQUE (account_id, conid)
		);`,

		`CREATE TABLE IF NOT EXISTS event_trade_fill (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			instrument_id TEXT NOT NULL REFERENCES instrument(id),
			ingestion_run_id TEXT NOT NULL,
			source_raw_record_id TEXT NOT NULL,
			ib_exec_id TEXT NOT NULL,
			transaction_id TEXT,
			trade_timestamp_utc TEXT NOT NULL,
			report_date_local TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			cost TEXT,
			commission TEXT,
			fees TEXT,
			realized_pnl TEXT,
			net_cash TEXT,
			net_cash_in_base TEXT,
			fx_rate_to_base TEXT,
			currency TEXT NOT NULL,
			functional_currency TEXT NOT NULL,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL,
			UNIQUE (account_id, ib_exec_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_trade_fill_instrument_date
			ON event_trade_fill(instrument_id, report_date_local);`,

		`CREATE TABLE IF NOT EXISTS event_cashflow (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			instrument_id TEXT REFERENCES instrument(id),
			ingestion_run_id TEXT NOT NULL,
			source_raw_record_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			cash_action TEXT NOT NULL,
			report_date_local TEXT NOT NULL,
			effective_at_utc TEXT,
			amount TEXT NOT NULL,
			amount_in_base TEXT,
			currency TEXT NOT NULL,
			functional_currency TEXT NOT NULL,
			withholding_tax TEXT,
			fees TEXT,
			is_correction INTEGER NOT NULL DEFAULT 0,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL,
			UNIQUE (account_id, transaction_id, cash_action, currency)
		);`,

		`CREATE TABLE IF NOT EXISTS event_fx (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			ingestion_run_id TEXT NOT NULL,
			source_raw_record_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			report_date_local TEXT NOT NULL,
			currency TEXT NOT NULL,
			functional_currency TEXT NOT NULL,
			fx_rate TEXT,
			fx_source TEXT NOT NULL,
			provisional INTEGER NOT NULL DEFAULT 0,
			diagnostic_code TEXT,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL,
			UNIQUE (account_id, transaction_id, currency, functional_currency)
		);`,

		`CREATE TABLE IF NOT EXISTS event_corp_action (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			instrument_id TEXT REFERENCES instrument(id),
			conid TEXT NOT NULL,
			ingestion_run_id TEXT NOT NULL,
			source_raw_record_id TEXT NOT NULL,
			action_id TEXT,
			transaction_id TEXT,
			reorg_code TEXT NOT NULL,
			report_date_local TEXT NOT NULL,
			description TEXT,
			requires_manual INTEGER NOT NULL DEFAULT 0,
			provisional INTEGER NOT NULL DEFAULT 0,
			manual_case_id TEXT,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_event_corp_action_action_id
			ON event_corp_action(account_id, action_id) WHERE action_id IS NOT NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_event_corp_action_fallback
			ON event_corp_action(account_id, transaction_id, conid, report_date_local, reorg_code)
			WHERE action_id IS NULL;`,

		`CREATE TABLE IF NOT EXISTS position_lot (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			instrument_id TEXT NOT NULL REFERENCES instrument(id),
			open_event_trade_fill_id TEXT NOT NULL,
			opened_at_utc TEXT NOT NULL,
			open_quantity TEXT NOT NULL,
			remaining_quantity TEXT NOT NULL,
			open_price TEXT NOT NULL,
			cost_basis_open TEXT NOT NULL,
			realized_pnl_to_date TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_position_lot_instrument
			ON position_lot(account_id, instrument_id);`,

		`CREATE TABLE IF NOT EXISTS pnl_snapshot_daily (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			report_date_local TEXT NOT NULL,
			instrument_id TEXT NOT NULL REFERENCES instrument(id),
			position_qty TEXT NOT NULL,
			cost_basis TEXT,
			realized_pnl TEXT NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			total_pnl TEXT NOT NULL,
			fees TEXT NOT NULL,
			withholding_tax TEXT NOT NULL,
			currency TEXT NOT NULL,
			provisional INTEGER NOT NULL DEFAULT 0,
			valuation_source TEXT NOT NULL,
			ingestion_run_id TEXT,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL,
			UNIQUE (account_id, report_date_local, instrument_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pnl_snapshot_report_date
			ON pnl_snapshot_daily(account_id, report_date_local);`,
	}

	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			return fmt.Errorf("error executing schema statement: %w", err)
		}
	}
	return nil
}
