package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/username/flexledger/backend/src/database"
	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/timeline"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(value string) *string { return &value }

func TestRunLifecycleAndSingleActiveRun(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db)

	first, err := runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStarted, first.Status)

	// Second run for the same account is rejected before a row exists.
	_, err = runs.CreateStarted("U1", models.RunTypeScheduled, "LastMonth", "q-1")
	assert.ErrorIs(t, err, ErrRunAlreadyActive)

	// A different account is unaffected.
	_, err = runs.CreateStarted("U2", models.RunTypeManual, "LastMonth", "q-1")
	require.NoError(t, err)

	events := []timeline.StageEvent{
		timeline.Event("fetch", "started", nil),
		timeline.Event("fetch", "completed", map[string]any{"run_reference": "987"}),
	}
	require.NoError(t, runs.Finalize(first.ID, models.RunStatusSuccess, nil, nil, strPtr("2026-08-29"), events))

	loaded, err := runs.GetByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, loaded.Status)
	require.NotNil(t, loaded.CompletedAtUTC)
	require.NotNil(t, loaded.DurationMS)
	require.NotNil(t, loaded.ReportDateLocal)
	assert.Equal(t, "2026-08-29", *loaded.ReportDateLocal)
	require.Len(t, loaded.Diagnostics, 2)
	assert.Equal(t, "fetch", loaded.Diagnostics[0].Stage)
	assert.Equal(t, "987", loaded.Diagnostics[1].Details["run_reference"])

	// Lock released: the account can run again.
	_, err = runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
	assert.NoError(t, err)
}

func TestRunListSortAllowList(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tick := base.Add(time.Duration(i) * time.Hour)
		runs.now = func() time.Time { return tick }
		run, err := runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
		require.NoError(t, err)
		require.NoError(t, runs.Finalize(run.ID, models.RunStatusSuccess, nil, nil, nil, nil))
	}

	listed, err := runs.List(ListRunsFilter{AccountID: "U1", SortBy: "started_at", Order: "asc", Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.True(t, listed[0].StartedAtUTC.Before(listed[2].StartedAtUTC))

	// Unknown sort column falls back to started_at descending.
	listed, err = runs.List(ListRunsFilter{AccountID: "U1", SortBy: "diagnostics; DROP TABLE", Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.True(t, listed[0].StartedAtUTC.After(listed[2].StartedAtUTC))

	listed, err = runs.List(ListRunsFilter{AccountID: "U1", Status: models.RunStatusFailed, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestRawArtifactFirstWriterWins(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db)
	raw := NewRawStore(db)

	run, err := runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
	require.NoError(t, err)

	payload := []byte("<FlexQueryResponse/>")
	key := models.ArtifactKey{AccountID: "U1", PeriodKey: "LastMonth", FlexQueryID: "q-1", PayloadSHA256: PayloadSHA256(payload)}

	first, dedup, err := raw.UpsertArtifact(run.ID, key, strPtr("2026-08-29"), payload)
	require.NoError(t, err)
	assert.False(t, dedup)

	second, dedup, err := raw.UpsertArtifact(run.ID, key, strPtr("2026-08-29"), payload)
	require.NoError(t, err)
	assert.True(t, dedup)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.IngestionRunID, second.IngestionRunID)
}

func TestRawRowConflictSkips(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db)
	raw := NewRawStore(db)

	run, err := runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
	require.NoError(t, err)
	payload := []byte("<FlexQueryResponse/>")
	key := models.ArtifactKey{AccountID: "U1", PeriodKey: "LastMonth", FlexQueryID: "q-1", PayloadSHA256: PayloadSHA256(payload)}
	artifact, _, err := raw.UpsertArtifact(run.ID, key, nil, payload)
	require.NoError(t, err)

	rows := []RawRowInsert{
		{SectionName: "Trades", SourceRowRef: "Trades:Trade:ibExecID=a.1", Payload: map[string]string{"quantity": "10"}},
		{SectionName: "Trades", SourceRowRef: "Trades:Trade:ibExecID=a.2", Payload: map[string]string{"quantity": "-4"}},
	}
	inserted, skipped, err := raw.InsertRows(run.ID, artifact, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 0, skipped)

	require.NoError(t, runs.Finalize(run.ID, models.RunStatusSuccess, nil, nil, nil, nil))
	second, err := runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
	require.NoError(t, err)

	inserted, skipped, err = raw.InsertRows(second.ID, artifact, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 2, skipped)

	// The replay run owns no new rows; scope reads still see everything.
	newRows, err := raw.ListRowsForRun(second.ID)
	require.NoError(t, err)
	assert.Empty(t, newRows)

	scoped, err := raw.ListRowsForScope("U1", "LastMonth", "q-1")
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	assert.Equal(t, "10", scoped[0].SourcePayload["quantity"])

	sectionRows, err := raw.ListRowsForArtifactSection(artifact.ID, "Trades")
	require.NoError(t, err)
	assert.Len(t, sectionRows, 2)
}

func TestInstrumentUpsertConflictSemantics(t *testing.T) {
	db := newTestDB(t)
	canonical := NewCanonicalStore(db)

	ids, err := canonical.UpsertInstruments([]models.InstrumentUpsert{{
		AccountID: "U1", Conid: "265598", Symbol: "AAPL",
		AssetCategory: "STK", Currency: "USD", Description: strPtr("APPLE INC"),
	}})
	require.NoError(t, err)
	firstID := ids["265598"]
	require.NotEmpty(t, firstID)

	// Replay with a changed symbol and a new ISIN, but no description.
	ids, err = canonical.UpsertInstruments([]models.InstrumentUpsert{{
		AccountID: "U1", Conid: "265598", Symbol: "AAPL2",
		ISIN: strPtr("US0378331005"), AssetCategory: "STK", Currency: "USD",
	}})
	require.NoError(t, err)
	assert.Equal(t, firstID, ids["265598"], "identity frozen across replays")

	var symbol string
	var isin, description *string
	err = db.QueryRow(`SELECT symbol, isin, description FROM instrument WHERE id = ?`, firstID).
		Scan(&symbol, &isin, &description)
	require.NoError(t, err)
	assert.Equal(t, "AAPL2", symbol)
	require.NotNil(t, isin)
	assert.Equal(t, "US0378331005", *isin)
	require.NotNil(t, description)
	assert.Equal(t, "APPLE INC", *description, "null never clears a stored value")
}

func seedInstrument(t *testing.T, canonical *CanonicalStore, conid string) string {
	t.Helper()
	ids, err := canonical.UpsertInstruments([]models.InstrumentUpsert{{
		AccountID: "U1", Conid: conid, Symbol: "SYM" + conid, AssetCategory: "STK", Currency: "USD",
	}})
	require.NoError(t, err)
	return ids[conid]
}

func TestTradeFillReplayRefreshesEconomicsOnly(t *testing.T) {
	db := newTestDB(t)
	canonical := NewCanonicalStore(db)
	instrumentID := seedInstrument(t, canonical, "265598")

	runA, runB := uuid.NewString(), uuid.NewString()
	recA, recB := uuid.NewString(), uuid.NewString()

	base := models.TradeFillUpsert{
		AccountID: "U1", InstrumentID: instrumentID, IngestionRunID: runA, SourceRawRecordID: recA,
		IBExecID: "0000e0d5.1", TradeTimestampUTC: "2026-08-12T14:30:00Z", ReportDateLocal: "2026-08-12",
		Side: "BUY", Quantity: "10", Price: "100", Commission: strPtr("-1"),
		Currency: "USD", FunctionalCurrency: "USD",
	}
	_, err := canonical.UpsertTradeFills([]models.TradeFillUpsert{base})
	require.NoError(t, err)

	replay := base
	replay.IngestionRunID = runB
	replay.SourceRawRecordID = recB
	replay.Commission = strPtr("-1.5")
	replay.RealizedPnl = strPtr("78.6")
	replay.Price = "999" // immutable on replay
	_, err = canonical.UpsertTradeFills([]models.TradeFillUpsert{replay})
	require.NoError(t, err)

	var price, runID string
	var commission, realized *string
	err = db.QueryRow(
		`SELECT price, ingestion_run_id, commission, realized_pnl FROM event_trade_fill WHERE account_id = 'U1' AND ib_exec_id = '0000e0d5.1'`,
	).Scan(&price, &runID, &commission, &realized)
	require.NoError(t, err)
	assert.Equal(t, "100", price, "price frozen by first writer")
	assert.Equal(t, runA, runID, "provenance kept from first writer")
	assert.Equal(t, "-1.5", *commission)
	assert.Equal(t, "78.6", *realized)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM event_trade_fill`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTradeFillRejectsMalformedProvenance(t *testing.T) {
	db := newTestDB(t)
	canonical := NewCanonicalStore(db)
	instrumentID := seedInstrument(t, canonical, "1")

	_, err := canonical.UpsertTradeFills([]models.TradeFillUpsert{{
		AccountID: "U1", InstrumentID: instrumentID, IngestionRunID: "not-a-uuid", SourceRawRecordID: uuid.NewString(),
		IBExecID: "x.1", TradeTimestampUTC: "2026-08-12T14:30:00Z", ReportDateLocal: "2026-08-12",
		Side: "BUY", Quantity: "1", Price: "1", Currency: "USD", FunctionalCurrency: "USD",
	}})
	assert.Error(t, err)
}

func TestCashflowCorrectionFlagIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	canonical := NewCanonicalStore(db)

	runID, recID := uuid.NewString(), uuid.NewString()
	base := models.CashflowUpsert{
		AccountID: "U1", IngestionRunID: runID, SourceRawRecordID: recID,
		TransactionID: "7001", CashAction: "Dividends", ReportDateLocal: "2026-08-15",
		Amount: "12.5", Currency: "USD", FunctionalCurrency: "USD",
	}
	_, err := canonical.UpsertCashflows([]models.CashflowUpsert{base})
	require.NoError(t, err)

	isCorrection := func() int {
		var flag int
		require.NoError(t, db.QueryRow(
			`SELECT is_correction FROM event_cashflow WHERE account_id = 'U1' AND transaction_id = '7001'`,
		).Scan(&flag))
		return flag
	}
	assert.Equal(t, 0, isCorrection())

	// Identical replay: still not a correction.
	_, err = canonical.UpsertCashflows([]models.CashflowUpsert{base})
	require.NoError(t, err)
	assert.Equal(t, 0, isCorrection())

	// Amount changed: flips to corrected.
	amended := base
	amended.Amount = "13.0"
	_, err = canonical.UpsertCashflows([]models.CashflowUpsert{amended})
	require.NoError(t, err)
	assert.Equal(t, 1, isCorrection())

	// Replaying the amended value again never clears the flag.
	_, err = canonical.UpsertCashflows([]models.CashflowUpsert{amended})
	require.NoError(t, err)
	assert.Equal(t, 1, isCorrection())
}

func TestFxUpsertOverwrites(t *testing.T) {
	db := newTestDB(t)
	canonical := NewCanonicalStore(db)

	runID, recID := uuid.NewString(), uuid.NewString()
	base := models.FxUpsert{
		AccountID: "U1", IngestionRunID: runID, SourceRawRecordID: recID,
		TransactionID: "9001", ReportDateLocal: "2026-08-15", Currency: "EUR",
		FunctionalCurrency: "USD", FxRate: strPtr("1.0841"), FxSource: "conversion_rates",
	}
	_, err := canonical.UpsertFxEvents([]models.FxUpsert{base})
	require.NoError(t, err)

	amended := base
	amended.FxRate = strPtr("1.0900")
	amended.Provisional = true
	amended.DiagnosticCode = strPtr("RATE_RESTATED")
	_, err = canonical.UpsertFxEvents([]models.FxUpsert{amended})
	require.NoError(t, err)

	var rate string
	var provisional int
	var diagnostic *string
	err = db.QueryRow(
		`SELECT fx_rate, provisional, diagnostic_code FROM event_fx WHERE account_id = 'U1' AND transaction_id = '9001'`,
	).Scan(&rate, &provisional, &diagnostic)
	require.NoError(t, err)
	assert.Equal(t, "1.0900", rate)
	assert.Equal(t, 1, provisional)
	assert.Equal(t, "RATE_RESTATED", *diagnostic)
}

func TestCorpActionFallbackCollisionFlagsManual(t *testing.T) {
	db := newTestDB(t)
	canonical := NewCanonicalStore(db)

	runID, recID := uuid.NewString(), uuid.NewString()

	// Action-id keyed rows replay cleanly.
	withID := models.CorpActionUpsert{
		AccountID: "U1", Conid: "265598", IngestionRunID: runID, SourceRawRecordID: recID,
		ActionID: strPtr("A-1"), ReorgCode: "SD", ReportDateLocal: "2026-08-20",
		Description: strPtr("stock dividend"),
	}
	_, err := canonical.UpsertCorpActions([]models.CorpActionUpsert{withID, withID})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM event_corp_action`).Scan(&count))
	assert.Equal(t, 1, count)

	// Fallback-keyed collision is ambiguous: flagged, first manual case kept.
	fallback := models.CorpActionUpsert{
		AccountID: "U1", Conid: "99", IngestionRunID: runID, SourceRawRecordID: recID,
		TransactionID: strPtr("t-5"), ReorgCode: "TC", ReportDateLocal: "2026-08-21",
		ManualCaseID: strPtr("case-1"),
	}
	_, err = canonical.UpsertCorpActions([]models.CorpActionUpsert{fallback})
	require.NoError(t, err)

	collided := fallback
	collided.ManualCaseID = strPtr("case-2")
	_, err = canonical.UpsertCorpActions([]models.CorpActionUpsert{collided})
	require.NoError(t, err)

	var requiresManual, provisional int
	var manualCase *string
	err = db.QueryRow(
		`SELECT requires_manual, provisional, manual_case_id FROM event_corp_action WHERE conid = '99'`,
	).Scan(&requiresManual, &provisional, &manualCase)
	require.NoError(t, err)
	assert.Equal(t, 1, requiresManual)
	assert.Equal(t, 1, provisional)
	assert.Equal(t, "case-1", *manualCase)
}

func TestLedgerStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	canonical := NewCanonicalStore(db)
	ledger := NewLedgerStore(db)
	instrumentID := seedInstrument(t, canonical, "265598")

	runID, recID := uuid.NewString(), uuid.NewString()
	_, err := canonical.UpsertTradeFills([]models.TradeFillUpsert{
		{
			AccountID: "U1", InstrumentID: instrumentID, IngestionRunID: runID, SourceRawRecordID: recID,
			IBExecID: "x.1", TradeTimestampUTC: "2026-08-12T14:30:00Z", ReportDateLocal: "2026-08-12",
			Side: "BUY", Quantity: "10", Price: "100", Currency: "USD", FunctionalCurrency: "USD",
		},
		{
			AccountID: "U1", InstrumentID: instrumentID, IngestionRunID: runID, SourceRawRecordID: recID,
			IBExecID: "x.2", TradeTimestampUTC: "2026-09-02T14:30:00Z", ReportDateLocal: "2026-09-02",
			Side: "SELL", Quantity: "-4", Price: "120", Currency: "USD", FunctionalCurrency: "USD",
		},
	})
	require.NoError(t, err)

	// Date upper bound excludes the September fill.
	fills, err := ledger.ListTradeFillsThroughDate("U1", "2026-08-31")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "x.1", fills[0].IBExecID)

	id, ok, err := ledger.InstrumentIDByConid("U1", "265598")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, instrumentID, id)

	_, ok, err = ledger.InstrumentIDByConid("U1", "404")
	require.NoError(t, err)
	assert.False(t, ok)

	lot := models.PositionLotUpsert{
		ID: uuid.NewString(), AccountID: "U1", InstrumentID: instrumentID,
		OpenEventTradeFillID: fills[0].ID, OpenedAtUTC: "2026-08-12T14:30:00Z",
		OpenQuantity: "10", RemainingQuantity: "6", OpenPrice: "100",
		CostBasisOpen: "100.1", RealizedPnlToDate: "78.6", Status: "open",
	}
	written, err := ledger.ReplaceLots("U1", []string{instrumentID}, []models.PositionLotUpsert{lot})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	// Replacement is idempotent per instrument.
	written, err = ledger.ReplaceLots("U1", []string{instrumentID}, []models.PositionLotUpsert{lot})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	snapshot := models.PnlSnapshotUpsert{
		AccountID: "U1", ReportDateLocal: "2026-08-29", InstrumentID: instrumentID,
		PositionQty: "6", CostBasis: strPtr("600.6"), RealizedPnl: "78.6", UnrealizedPnl: "179.4",
		TotalPnl: "258", Fees: "0", WithholdingTax: "0", Currency: "USD",
		ValuationSource: "openpositions_fifo_unrealized",
	}
	_, err = ledger.UpsertSnapshots([]models.PnlSnapshotUpsert{snapshot})
	require.NoError(t, err)

	snapshot.UnrealizedPnl = "180"
	snapshot.TotalPnl = "258.6"
	_, err = ledger.UpsertSnapshots([]models.PnlSnapshotUpsert{snapshot})
	require.NoError(t, err)

	listed, err := ledger.ListSnapshots(ListSnapshotsFilter{AccountID: "U1", ReportDateLocal: "2026-08-29", Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "180", listed[0].UnrealizedPnl)
	assert.Equal(t, "SYM265598", listed[0].Symbol)
	assert.False(t, listed[0].Provisional)
}
