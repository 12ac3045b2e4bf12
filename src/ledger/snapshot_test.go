package ledger

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
	"github.com/username/flexledger/backend/src/store"
)

type snapshotFixture struct {
	db        *sql.DB
	canonical *store.CanonicalStore
	ledger    *store.LedgerStore
	raw       *store.RawStore
	runs      *store.RunStore
	builder   *SnapshotBuilder
	runID     string
}

func newSnapshotFixture(t *testing.T) *snapshotFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchema(db))
	t.Cleanup(func() { db.Close() })

	f := &snapshotFixture{
		db:        db,
		canonical: store.NewCanonicalStore(db),
		ledger:    store.NewLedgerStore(db),
		raw:       store.NewRawStore(db),
		runs:      store.NewRunStore(db),
	}
	f.builder = NewSnapshotBuilder(f.ledger, f.raw, "U1", "USD")

	run, err := f.runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
	require.NoError(t, err)
	f.runID = run.ID
	return f
}

func (f *snapshotFixture) seedInstrument(t *testing.T, conid, symbol string) string {
	t.Helper()
	ids, err := f.canonical.UpsertInstruments([]models.InstrumentUpsert{{
		AccountID: "U1", Conid: conid, Symbol: symbol, AssetCategory: "STK", Currency: "USD",
	}})
	require.NoError(t, err)
	return ids[conid]
}

func (f *snapshotFixture) seedFill(t *testing.T, instrumentID, execID, at, date, side, qty, price, commission string) {
	t.Helper()
	var commissionPtr *string
	if commission != "" {
		commissionPtr = &commission
	}
	_, err := f.canonical.UpsertTradeFills([]models.TradeFillUpsert{{
		AccountID: "U1", InstrumentID: instrumentID, IngestionRunID: f.runID, SourceRawRecordID: uuid.NewString(),
		IBExecID: execID, TradeTimestampUTC: at, ReportDateLocal: date,
		Side: side, Quantity: qty, Price: price, Commission: commissionPtr,
		Currency: "USD", FunctionalCurrency: "USD",
	}})
	require.NoError(t, err)
}

func (f *snapshotFixture) seedOpenPositions(t *testing.T, rows []map[string]string) string {
	t.Helper()
	payload := []byte("<FlexQueryResponse/>")
	key := models.ArtifactKey{AccountID: "U1", PeriodKey: "LastMonth", FlexQueryID: "q-1", PayloadSHA256: store.PayloadSHA256(payload)}
	artifact, _, err := f.raw.UpsertArtifact(f.runID, key, nil, payload)
	require.NoError(t, err)

	inserts := make([]store.RawRowInsert, 0, len(rows))
	for i, attrs := range rows {
		inserts = append(inserts, store.RawRowInsert{
			SectionName:  "OpenPositions",
			SourceRowRef: "OpenPositions:OpenPosition:idx=" + string(rune('1'+i)),
			Payload:      attrs,
		})
	}
	_, _, err = f.raw.InsertRows(f.runID, artifact, inserts)
	require.NoError(t, err)
	return artifact.ID
}

func (f *snapshotFixture) snapshotFor(t *testing.T, instrumentID string) models.PnlSnapshotRecord {
	t.Helper()
	listed, err := f.ledger.ListSnapshots(store.ListSnapshotsFilter{AccountID: "U1", InstrumentID: instrumentID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	return listed[0]
}

func TestSnapshotUsesBrokerValuationOnExactMatch(t *testing.T) {
	f := newSnapshotFixture(t)
	apple := f.seedInstrument(t, "265598", "AAPL")
	f.seedFill(t, apple, "a.1", "2026-08-12T14:30:00Z", "2026-08-12", "BUY", "10", "100", "-1")
	f.seedFill(t, apple, "a.2", "2026-08-14T14:30:00Z", "2026-08-14", "SELL", "-4", "120", "-1")
	artifactID := f.seedOpenPositions(t, []map[string]string{
		{"conid": "265598", "position": "6", "fifoPnlUnrealized": "179.4"},
	})

	summary, err := f.builder.Build("2026-08-29", artifactID, &f.runID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SnapshotRows)
	assert.Equal(t, 1, summary.LotRows)
	assert.Equal(t, 0, summary.MissingValuations)

	snapshot := f.snapshotFor(t, apple)
	assert.Equal(t, "6", snapshot.PositionQty)
	assert.Equal(t, "78.6", snapshot.RealizedPnl)
	assert.Equal(t, "179.4", snapshot.UnrealizedPnl)
	assert.Equal(t, "258", snapshot.TotalPnl)
	assert.False(t, snapshot.Provisional)
	assert.Equal(t, ValuationBrokerUnrealized, snapshot.ValuationSource)
	require.NotNil(t, snapshot.CostBasis)
	assert.Equal(t, "600.6", *snapshot.CostBasis)
}

func TestSnapshotMissingValuationIsProvisionalZero(t *testing.T) {
	f := newSnapshotFixture(t)
	apple := f.seedInstrument(t, "265598", "AAPL")
	f.seedFill(t, apple, "a.1", "2026-08-12T14:30:00Z", "2026-08-12", "BUY", "10", "100", "-1")

	// No OpenPositions artifact at all.
	summary, err := f.builder.Build("2026-08-29", "", &f.runID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MissingValuations)

	snapshot := f.snapshotFor(t, apple)
	assert.True(t, snapshot.Provisional)
	assert.Equal(t, "0", snapshot.UnrealizedPnl, "never fabricated")
	assert.Equal(t, ValuationMissingBroker, snapshot.ValuationSource)
}

func TestSnapshotQuantityMismatchIsProvisionalZero(t *testing.T) {
	f := newSnapshotFixture(t)
	apple := f.seedInstrument(t, "265598", "AAPL")
	f.seedFill(t, apple, "a.1", "2026-08-12T14:30:00Z", "2026-08-12", "BUY", "10", "100", "")
	artifactID := f.seedOpenPositions(t, []map[string]string{
		{"conid": "265598", "position": "9", "fifoPnlUnrealized": "50"},
	})

	summary, err := f.builder.Build("2026-08-29", artifactID, &f.runID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MissingValuations)

	snapshot := f.snapshotFor(t, apple)
	assert.True(t, snapshot.Provisional)
	assert.Equal(t, "0", snapshot.UnrealizedPnl)
	assert.Equal(t, ValuationQtyMismatch, snapshot.ValuationSource)
}

func TestSnapshotFlatPositionIsSolidZero(t *testing.T) {
	f := newSnapshotFixture(t)
	apple := f.seedInstrument(t, "265598", "AAPL")
	f.seedFill(t, apple, "a.1", "2026-08-12T14:30:00Z", "2026-08-12", "BUY", "5", "100", "")
	f.seedFill(t, apple, "a.2", "2026-08-13T14:30:00Z", "2026-08-13", "SELL", "5", "110", "")

	summary, err := f.builder.Build("2026-08-29", "", &f.runID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.MissingValuations, "flat positions need no valuation")
	assert.Equal(t, 0, summary.LotRows)

	snapshot := f.snapshotFor(t, apple)
	assert.Equal(t, "0", snapshot.PositionQty)
	assert.Equal(t, "50", snapshot.RealizedPnl)
	assert.Equal(t, "0", snapshot.UnrealizedPnl)
	assert.False(t, snapshot.Provisional)
	assert.Equal(t, ValuationNoOpenPosition, snapshot.ValuationSource)
	assert.Nil(t, snapshot.CostBasis)
}

func TestSnapshotSubtractsCashflowFeesAndWithholding(t *testing.T) {
	f := newSnapshotFixture(t)
	apple := f.seedInstrument(t, "265598", "AAPL")
	f.seedFill(t, apple, "a.1", "2026-08-12T14:30:00Z", "2026-08-12", "BUY", "5", "100", "")
	f.seedFill(t, apple, "a.2", "2026-08-13T14:30:00Z", "2026-08-13", "SELL", "5", "110", "")

	fees, withholding := "-2.5", "-1.5"
	_, err := f.canonical.UpsertCashflows([]models.CashflowUpsert{{
		AccountID: "U1", InstrumentID: &apple, IngestionRunID: f.runID, SourceRawRecordID: uuid.NewString(),
		TransactionID: "7001", CashAction: "Dividends", ReportDateLocal: "2026-08-15",
		Amount: "10", Currency: "USD", FunctionalCurrency: "USD",
		Fees: &fees, WithholdingTax: &withholding,
	}})
	require.NoError(t, err)

	_, err = f.builder.Build("2026-08-29", "", &f.runID)
	require.NoError(t, err)

	snapshot := f.snapshotFor(t, apple)
	assert.Equal(t, "46", snapshot.RealizedPnl, "50 - 2.5 fees - 1.5 withholding")
	assert.Equal(t, "2.5", snapshot.Fees)
	assert.Equal(t, "1.5", snapshot.WithholdingTax)
}

func TestSnapshotLotPersistenceIsDeterministic(t *testing.T) {
	f := newSnapshotFixture(t)
	apple := f.seedInstrument(t, "265598", "AAPL")
	f.seedFill(t, apple, "a.1", "2026-08-12T14:30:00Z", "2026-08-12", "BUY", "10", "100", "-1")
	f.seedFill(t, apple, "a.2", "2026-08-14T14:30:00Z", "2026-08-14", "SELL", "-4", "120", "-1")

	_, err := f.builder.Build("2026-08-29", "", &f.runID)
	require.NoError(t, err)

	var firstID, openQty, remainingQty, basis string
	err = f.db.QueryRow(
		`SELECT id, open_quantity, remaining_quantity, cost_basis_open FROM position_lot WHERE account_id = 'U1'`,
	).Scan(&firstID, &openQty, &remainingQty, &basis)
	require.NoError(t, err)
	assert.Equal(t, "10", openQty)
	assert.Equal(t, "6", remainingQty)
	assert.Equal(t, "1001", basis)

	// Recomputing keeps the same deterministic lot id.
	_, err = f.builder.Build("2026-08-29", "", &f.runID)
	require.NoError(t, err)

	var secondID string
	var count int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM position_lot`).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, f.db.QueryRow(`SELECT id FROM position_lot`).Scan(&secondID))
	assert.Equal(t, firstID, secondID)
	assert.Equal(t, lotID("U1", apple, "a.1"), secondID)
}

func TestResolveLocalReportDate(t *testing.T) {
	jerusalem, err := time.LoadLocation("Asia/Jerusalem")
	require.NoError(t, err)

	// 23:30 UTC on the 14th is already the 15th in Jerusalem (UTC+3 in
	// August).
	at := time.Date(2026, 8, 14, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-15", ResolveLocalReportDate(at, jerusalem))
	assert.Equal(t, "2026-08-14", ResolveLocalReportDate(at, time.UTC))
}
