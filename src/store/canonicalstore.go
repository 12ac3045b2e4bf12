package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/username/flexledger/backend/src/models"
)

// CanonicalStore upserts canonical events under their natural keys. Each
// event type has its own conflict contract; see the per-method comments.
type CanonicalStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewCanonicalStore(db *sql.DB) *CanonicalStore {
	return &CanonicalStore{db: db, now: time.Now}
}

// UpsertInstruments persists instrument identities and returns conid →
// instrument id. The (account, conid) identity is frozen; symbol, category
// and currency are refreshed; the remaining descriptive fields refresh only
// when the incoming value is present, a null never clears a stored value.
func (s *CanonicalStore) UpsertInstruments(requests []models.InstrumentUpsert) (map[string]string, error) {
	ids := make(map[string]string, len(requests))
	if len(requests) == 0 {
		return ids, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	nowText := s.now().UTC().Format(timeLayout)
	for _, req := range requests {
		_, err = tx.Exec(
			`INSERT INTO instrument (id, account_id, conid, symbol, local_symbol, isin, cusip, figi, asset_category, currency, description, created_at_utc, updated_at_utc)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (account_id, conid) DO UPDATE SET
			   symbol = excluded.symbol,
			   asset_category = excluded.asset_category,
			   currency = excluded.currency,
			   local_symbol = COALESCE(excluded.local_symbol, instrument.local_symbol),
			   isin = COALESCE(excluded.isin, instrument.isin),
			   cusip = COALESCE(excluded.cusip, instrument.cusip),
			   figi = COALESCE(excluded.figi, instrument.figi),
			   description = COALESCE(excluded.description, instrument.description),
			   updated_at_utc = excluded.updated_at_utc`,
			uuid.NewString(), req.AccountID, req.Conid, req.Symbol, req.LocalSymbol,
			req.ISIN, req.CUSIP, req.FIGI, req.AssetCategory, req.Currency, req.Description,
			nowText, nowText,
		)
		if err != nil {
			return nil, fmt.Errorf("error upserting instrument conid=%s: %w", req.Conid, err)
		}

		var id string
		err = tx.QueryRow(`SELECT id FROM instrument WHERE account_id = ? AND conid = ?`, req.AccountID, req.Conid).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("error reading instrument id for conid=%s: %w", req.Conid, err)
		}
		ids[req.Conid] = id
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing instruments: %w", err)
	}
	return ids, nil
}

// UpsertTradeFills persists trade-fill events keyed by (account, exec id).
// Replays refresh only commission, realized PnL, net cash and cost; the
// first writer's provenance (run id, raw record id) is kept.
func (s *CanonicalStore) UpsertTradeFills(requests []models.TradeFillUpsert) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	nowText := s.now().UTC().Format(timeLayout)
	for _, req := range requests {
		if err := validateProvenance(req.IngestionRunID, req.SourceRawRecordID); err != nil {
			return 0, err
		}
		_, err = tx.Exec(
			`INSERT INTO event_trade_fill (id, account_id, instrument_id, ingestion_run_id, source_raw_record_id, ib_exec_id, transaction_id, trade_timestamp_utc, report_date_local, side, quantity, price, cost, commission, fees, realized_pnl, net_cash, net_cash_in_base, fx_rate_to_base, currency, functional_currency, created_at_utc, updated_at_utc)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (account_id, ib_exec_id) DO UPDATE SET
			   commission = excluded.commission,
			   realized_pnl = excluded.realized_pnl,
			   net_cash = excluded.net_cash,
			   cost = excluded.cost,
			   updated_at_utc = excluded.updated_at_utc`,
			uuid.NewString(), req.AccountID, req.InstrumentID, req.IngestionRunID, req.SourceRawRecordID,
			req.IBExecID, req.TransactionID, req.TradeTimestampUTC, req.ReportDateLocal, req.Side,
			req.Quantity, req.Price, req.Cost, req.Commission, req.Fees, req.RealizedPnl,
			req.NetCash, req.NetCashInBase, req.FxRateToBase, req.Currency, req.FunctionalCurrency,
			nowText, nowText,
		)
		if err != nil {
			return 0, fmt.Errorf("error upserting trade fill exec=%s: %w", req.IBExecID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing trade fills: %w", err)
	}
	return len(requests), nil
}

// UpsertCashflows persists cashflow events keyed by (account, transaction,
// action, currency). Mutable fields are fully refreshed; is_correction is
// ORed in when the amount or report date changed, and never cleared.
func (s *CanonicalStore) UpsertCashflows(requests []models.CashflowUpsert) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	nowText := s.now().UTC().Format(timeLayout)
	for _, req := range requests {
		if err := validateProvenance(req.IngestionRunID, req.SourceRawRecordID); err != nil {
			return 0, err
		}
		_, err = tx.Exec(
			`INSERT INTO event_cashflow (id, account_id, instrument_id, ingestion_run_id, source_raw_record_id, transaction_id, cash_action, report_date_local, effective_at_utc, amount, amount_in_base, currency, functional_currency, withholding_tax, fees, is_correction, created_at_utc, updated_at_utc)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			 ON CONFLICT (account_id, transaction_id, cash_action, currency) DO UPDATE SET
			   instrument_id = excluded.instrument_id,
			   effective_at_utc = excluded.effective_at_utc,
			   amount_in_base = excluded.amount_in_base,
			   withholding_tax = excluded.withholding_tax,
			   fees = excluded.fees,
			   is_correction = MAX(event_cashflow.is_correction,
			     CASE WHEN event_cashflow.amount != excluded.amount
			            OR event_cashflow.report_date_local != excluded.report_date_local
			          THEN 1 ELSE 0 END),
			   amount = excluded.amount,
			   report_date_local = excluded.report_date_local,
			   updated_at_utc = excluded.updated_at_utc`,
			uuid.NewString(), req.AccountID, req.InstrumentID, req.IngestionRunID, req.SourceRawRecordID,
			req.TransactionID, req.CashAction, req.ReportDateLocal, req.EffectiveAtUTC,
			req.Amount, req.AmountInBase, req.Currency, req.FunctionalCurrency,
			req.WithholdingTax, req.Fees, nowText, nowText,
		)
		if err != nil {
			return 0, fmt.Errorf("error upserting cashflow txn=%s: %w", req.TransactionID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing cashflows: %w", err)
	}
	return len(requests), nil
}

// UpsertFxEvents persists FX events keyed by (account, transaction, currency
// pair). Conflicts overwrite every mutable field.
func (s *CanonicalStore) UpsertFxEvents(requests []models.FxUpsert) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	nowText := s.now().UTC().Format(timeLayout)
	for _, req := range requests {
		if err := validateProvenance(req.IngestionRunID, req.SourceRawRecordID); err != nil {
			return 0, err
		}
		_, err = tx.Exec(
			`INSERT INTO event_fx (id, account_id, ingestion_run_id, source_raw_record_id, transaction_id, report_date_local, currency, functional_currency, fx_rate, fx_source, provisional, diagnostic_code, created_at_utc, updated_at_utc)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (account_id, transaction_id, currency, functional_currency) DO UPDATE SET
			   ingestion_run_id = excluded.ingestion_run_id,
			   source_raw_record_id = excluded.source_raw_record_id,
			   report_date_local = excluded.report_date_local,
			   fx_rate = excluded.fx_rate,
			   fx_source = excluded.fx_source,
			   provisional = excluded.provisional,
			   diagnostic_code = excluded.diagnostic_code,
			   updated_at_utc = excluded.updated_at_utc`,
			uuid.NewString(), req.AccountID, req.IngestionRunID, req.SourceRawRecordID,
			req.TransactionID, req.ReportDateLocal, req.Currency, req.FunctionalCurrency,
			req.FxRate, req.FxSource, boolToInt(req.Provisional), req.DiagnosticCode,
			nowText, nowText,
		)
		if err != nil {
			return 0, fmt.Errorf("error upserting fx event txn=%s: %w", req.TransactionID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing fx events: %w", err)
	}
	return len(requests), nil
}

// UpsertCorpActions persists corporate actions. Rows with an action id use
// it as the natural key and refresh on conflict (holes filled, never
// cleared). Rows without one use the fallback key; a fallback collision is
// ambiguous, so the row is flagged requires_manual and provisional, keeping
// the first manual case id.
func (s *CanonicalStore) UpsertCorpActions(requests []models.CorpActionUpsert) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	nowText := s.now().UTC().Format(timeLayout)
	for _, req := range requests {
		if err := validateProvenance(req.IngestionRunID, req.SourceRawRecordID); err != nil {
			return 0, err
		}
		if req.ActionID != nil {
			_, err = tx.Exec(
				`INSERT INTO event_corp_action (id, account_id, instrument_id, conid, ingestion_run_id, source_raw_record_id, action_id, transaction_id, reorg_code, report_date_local, description, requires_manual, provisional, manual_case_id, created_at_utc, updated_at_utc)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (account_id, action_id) WHERE action_id IS NOT NULL DO UPDATE SET
				   instrument_id = COALESCE(excluded.instrument_id, event_corp_action.instrument_id),
				   transaction_id = COALESCE(excluded.transaction_id, event_corp_action.transaction_id),
				   reorg_code = excluded.reorg_code,
				   report_date_local = excluded.report_date_local,
				   description = COALESCE(excluded.description, event_corp_action.description),
				   requires_manual = excluded.requires_manual,
				   provisional = excluded.provisional,
				   manual_case_id = COALESCE(event_corp_action.manual_case_id, excluded.manual_case_id),
				   updated_at_utc = excluded.updated_at_utc`,
				uuid.NewString(), req.AccountID, req.InstrumentID, req.Conid, req.IngestionRunID,
				req.SourceRawRecordID, req.ActionID, req.TransactionID, req.ReorgCode,
				req.ReportDateLocal, req.Description, boolToInt(req.RequiresManual),
				boolToInt(req.Provisional), req.ManualCaseID, nowText, nowText,
			)
		} else {
			_, err = tx.Exec(
				`INSERT INTO event_corp_action (id, account_id, instrument_id, conid, ingestion_run_id, source_raw_record_id, action_id, transaction_id, reorg_code, report_date_local, description, requires_manual, provisional, manual_case_id, created_at_utc, updated_at_utc)
				 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (account_id, transaction_id, conid, report_date_local, reorg_code) WHERE action_id IS NULL DO UPDATE SET
				   instrument_id = COALESCE(excluded.instrument_id, event_corp_action.instrument_id),
				   description = COALESCE(excluded.description, event_corp_action.description),
				   requires_manual = 1,
				   provisional = 1,
				   manual_case_id = COALESCE(event_corp_action.manual_case_id, excluded.manual_case_id),
				   updated_at_utc = excluded.updated_at_utc`,
				uuid.NewString(), req.AccountID, req.InstrumentID, req.Conid, req.IngestionRunID,
				req.SourceRawRecordID, req.TransactionID, req.ReorgCode, req.ReportDateLocal,
				req.Description, boolToInt(req.RequiresManual), boolToInt(req.Provisional),
				req.ManualCaseID, nowText, nowText,
			)
		}
		if err != nil {
			return 0, fmt.Errorf("error upserting corp action conid=%s: %w", req.Conid, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing corp actions: %w", err)
	}
	return len(requests), nil
}

// validateProvenance rejects malformed provenance ids before they reach the
// schema. Ids are minted by this process, so a parse failure means a caller
// bug, not bad upstream data.
func validateProvenance(runID, rawRecordID string) error {
	if _, err := uuid.Parse(runID); err != nil {
		return fmt.Errorf("invalid ingestion run id %q: %w", runID, err)
	}
	if _, err := uuid.Parse(rawRecordID); err != nil {
		return fmt.Errorf("invalid raw record id %q: %w", rawRecordID, err)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
