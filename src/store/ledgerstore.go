package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/username/flexledger/backend/src/models"
)

// LedgerStore serves the ledger computation's reads and persists its
// outputs: open lots and daily snapshots.
type LedgerStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db, now: time.Now}
}

// ListTradeFillsThroughDate returns every canonical trade fill for the
// account with report date on or before the given local date.
func (s *LedgerStore) ListTradeFillsThroughDate(accountID, reportDateLocal string) ([]models.TradeFillRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, instrument_id, source_raw_record_id, ib_exec_id, trade_timestamp_utc, report_date_local,
		        side, quantity, price, commission, fees, currency, functional_currency
		 FROM event_trade_fill
		 WHERE account_id = ? AND report_date_local <= ?
		 ORDER BY trade_timestamp_utc, ib_exec_id`,
		accountID, reportDateLocal)
	if err != nil {
		return nil, fmt.Errorf("error listing trade fills: %w", err)
	}
	defer rows.Close()

	var fills []models.TradeFillRecord
	for rows.Next() {
		var fill models.TradeFillRecord
		err = rows.Scan(
			&fill.ID, &fill.InstrumentID, &fill.SourceRawRecordID, &fill.IBExecID,
			&fill.TradeTimestampUTC, &fill.ReportDateLocal, &fill.Side, &fill.Quantity,
			&fill.Price, &fill.Commission, &fill.Fees, &fill.Currency, &fill.FunctionalCurrency,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning trade fill: %w", err)
		}
		fills = append(fills, fill)
	}
	return fills, rows.Err()
}

// ListCashflowsThroughDate returns canonical cashflows for the account with
// report date on or before the given local date.
func (s *LedgerStore) ListCashflowsThroughDate(accountID, reportDateLocal string) ([]models.CashflowRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, instrument_id, transaction_id, cash_action, report_date_local, amount, fees, withholding_tax
		 FROM event_cashflow
		 WHERE account_id = ? AND report_date_local <= ?
		 ORDER BY report_date_local, transaction_id`,
		accountID, reportDateLocal)
	if err != nil {
		return nil, fmt.Errorf("error listing cashflows: %w", err)
	}
	defer rows.Close()

	var flows []models.CashflowRecord
	for rows.Next() {
		var flow models.CashflowRecord
		err = rows.Scan(
			&flow.ID, &flow.InstrumentID, &flow.TransactionID, &flow.CashAction,
			&flow.ReportDateLocal, &flow.Amount, &flow.Fees, &flow.WithholdingTax,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning cashflow: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// InstrumentIDByConid resolves a broker contract id to the canonical
// instrument id, if known.
func (s *LedgerStore) InstrumentIDByConid(accountID, conid string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM instrument WHERE account_id = ? AND conid = ?`, accountID, conid).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error resolving instrument conid=%s: %w", conid, err)
	}
	return id, true, nil
}

// ReplaceLots atomically replaces the account's persisted lots for the given
// instruments with the freshly computed set. Lot ids are deterministic, so
// recomputation keeps stable identities.
func (s *LedgerStore) ReplaceLots(accountID string, instrumentIDs []string, lots []models.PositionLotUpsert) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, instrumentID := range instrumentIDs {
		if _, err = tx.Exec(`DELETE FROM position_lot WHERE account_id = ? AND instrument_id = ?`, accountID, instrumentID); err != nil {
			return 0, fmt.Errorf("error clearing lots for instrument %s: %w", instrumentID, err)
		}
	}

	nowText := s.now().UTC().Format(timeLayout)
	for _, lot := range lots {
		_, err = tx.Exec(
			`INSERT INTO position_lot (id, account_id, instrument_id, open_event_trade_fill_id, opened_at_utc, open_quantity, remaining_quantity, open_price, cost_basis_open, realized_pnl_to_date, status, updated_at_utc)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lot.ID, lot.AccountID, lot.InstrumentID, lot.OpenEventTradeFillID, lot.OpenedAtUTC,
			lot.OpenQuantity, lot.RemainingQuantity, lot.OpenPrice, lot.CostBasisOpen,
			lot.RealizedPnlToDate, lot.Status, nowText,
		)
		if err != nil {
			return 0, fmt.Errorf("error inserting position lot %s: %w", lot.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing position lots: %w", err)
	}
	return len(lots), nil
}

// UpsertSnapshots writes daily snapshot rows keyed by
// (account, report date, instrument), overwriting previous computations.
func (s *LedgerStore) UpsertSnapshots(requests []models.PnlSnapshotUpsert) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	nowText := s.now().UTC().Format(timeLayout)
	for _, req := range requests {
		_, err = tx.Exec(
			`INSERT INTO pnl_snapshot_daily (id, account_id, report_date_local, instrument_id, position_qty, cost_basis, realized_pnl, unrealized_pnl, total_pnl, fees, withholding_tax, currency, provisional, valuation_source, ingestion_run_id, created_at_utc, updated_at_utc)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (account_id, report_date_local, instrument_id) DO UPDATE SET
			   position_qty = excluded.position_qty,
			   cost_basis = excluded.cost_basis,
			   realized_pnl = excluded.realized_pnl,
			   unrealized_pnl = excluded.unrealized_pnl,
			   total_pnl = excluded.total_pnl,
			   fees = excluded.fees,
			   withholding_tax = excluded.withholding_tax,
			   currency = excluded.currency,
			   provisional = excluded.provisional,
			   valuation_source = excluded.valuation_source,
			   ingestion_run_id = excluded.ingestion_run_id,
			   updated_at_utc = excluded.updated_at_utc`,
			uuid.NewString(), req.AccountID, req.ReportDateLocal, req.InstrumentID,
			req.PositionQty, req.CostBasis, req.RealizedPnl, req.UnrealizedPnl, req.TotalPnl,
			req.Fees, req.WithholdingTax, req.Currency, boolToInt(req.Provisional),
			req.ValuationSource, req.IngestionRunID, nowText, nowText,
		)
		if err != nil {
			return 0, fmt.Errorf("error upserting snapshot for instrument %s: %w", req.InstrumentID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing snapshots: %w", err)
	}
	return len(requests), nil
}

// ListSnapshotsFilter narrows and pages the snapshot list.
type ListSnapshotsFilter struct {
	AccountID       string
	ReportDateLocal string
	InstrumentID    string
	Limit           int
	Offset          int
}

// ListSnapshots returns snapshot rows joined with instrument symbols, most
// recent report date first.
func (s *LedgerStore) ListSnapshots(filter ListSnapshotsFilter) ([]models.PnlSnapshotRecord, error) {
	query := `SELECT p.account_id, p.report_date_local, p.instrument_id, i.symbol, p.position_qty,
	                 p.cost_basis, p.realized_pnl, p.unrealized_pnl, p.total_pnl, p.fees,
	                 p.withholding_tax, p.currency, p.provisional, p.valuation_source
	          FROM pnl_snapshot_daily p
	          JOIN instrument i ON i.id = p.instrument_id
	          WHERE p.account_id = ?`
	args := []any{filter.AccountID}
	if filter.ReportDateLocal != "" {
		query += ` AND p.report_date_local = ?`
		args = append(args, filter.ReportDateLocal)
	}
	if filter.InstrumentID != "" {
		query += ` AND p.instrument_id = ?`
		args = append(args, filter.InstrumentID)
	}
	query += ` ORDER BY p.report_date_local DESC, i.symbol LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []models.PnlSnapshotRecord
	for rows.Next() {
		var snapshot models.PnlSnapshotRecord
		var provisional int
		err = rows.Scan(
			&snapshot.AccountID, &snapshot.ReportDateLocal, &snapshot.InstrumentID, &snapshot.Symbol,
			&snapshot.PositionQty, &snapshot.CostBasis, &snapshot.RealizedPnl, &snapshot.UnrealizedPnl,
			&snapshot.TotalPnl, &snapshot.Fees, &snapshot.WithholdingTax, &snapshot.Currency,
			&provisional, &snapshot.ValuationSource,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning snapshot: %w", err)
		}
		snapshot.Provisional = provisional != 0
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}
