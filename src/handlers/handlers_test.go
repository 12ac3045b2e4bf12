package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/username/flexledger/backend/src/database"
	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/orchestrator"
	"github.com/username/flexledger/backend/src/store"
	"github.com/username/flexledger/backend/src/timeline"
)

type fakeIngestionService struct {
	result        *orchestrator.RunResult
	err           error
	lastRunType   string
	lastOverride  *orchestrator.ReprocessScope
	reprocessHits int
}

func (f *fakeIngestionService) RunIngestion(runType string) (*orchestrator.RunResult, error) {
	f.lastRunType = runType
	return f.result, f.err
}

func (f *fakeIngestionService) RunReprocess(override *orchestrator.ReprocessScope) (*orchestrator.RunResult, error) {
	f.reprocessHits++
	f.lastOverride = override
	return f.result, f.err
}

func newHandlerDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTriggerIngestionReturnsResult(t *testing.T) {
	service := &fakeIngestionService{result: &orchestrator.RunResult{RunID: "run-1", Status: models.RunStatusSuccess}}
	h := NewIngestionHandler(service, nil, "U1", 50, 200)

	rec := httptest.NewRecorder()
	h.HandleTriggerIngestion(rec, httptest.NewRequest(http.MethodPost, "/api/ingestion/run", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RunTypeManual, service.lastRunType)
	body := decodeBody(t, rec)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, models.RunStatusSuccess, body["status"])
}

func TestTriggerIngestionConflict(t *testing.T) {
	service := &fakeIngestionService{err: store.ErrRunAlreadyActive}
	h := NewIngestionHandler(service, nil, "U1", 50, 200)

	rec := httptest.NewRecorder()
	h.HandleTriggerIngestion(rec, httptest.NewRequest(http.MethodPost, "/api/ingestion/run", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "already active")
}

func TestTriggerReprocessScopeBody(t *testing.T) {
	service := &fakeIngestionService{result: &orchestrator.RunResult{RunID: "run-2", Status: models.RunStatusSuccess}}
	h := NewIngestionHandler(service, nil, "U1", 50, 200)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/reprocess",
		strings.NewReader(`{"period_key":"2026-07","flex_query_id":"q-9"}`))
	h.HandleTriggerReprocess(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, service.lastOverride)
	assert.Equal(t, "2026-07", service.lastOverride.PeriodKey)
	assert.Equal(t, "q-9", service.lastOverride.FlexQueryID)
	assert.Empty(t, service.lastOverride.AccountID)
}

func TestTriggerReprocessEmptyBodyUsesDefaults(t *testing.T) {
	service := &fakeIngestionService{result: &orchestrator.RunResult{RunID: "run-3", Status: models.RunStatusSuccess}}
	h := NewIngestionHandler(service, nil, "U1", 50, 200)

	rec := httptest.NewRecorder()
	h.HandleTriggerReprocess(rec, httptest.NewRequest(http.MethodPost, "/api/ingestion/reprocess", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, service.reprocessHits)
	assert.Nil(t, service.lastOverride)
}

func TestTriggerReprocessMalformedBody(t *testing.T) {
	service := &fakeIngestionService{}
	h := NewIngestionHandler(service, nil, "U1", 50, 200)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ingestion/reprocess", strings.NewReader(`{not json`))
	h.HandleTriggerReprocess(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, service.reprocessHits)
}

func TestListRunsPaginationAndFilter(t *testing.T) {
	db := newHandlerDB(t)
	runs := store.NewRunStore(db)
	h := NewIngestionHandler(&fakeIngestionService{}, runs, "U1", 2, 5)

	for i := 0; i < 4; i++ {
		run, err := runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
		require.NoError(t, err)
		status := models.RunStatusSuccess
		if i == 0 {
			status = models.RunStatusFailed
		}
		var errCode *string
		if status == models.RunStatusFailed {
			code := "FLEX_TIMEOUT"
			errCode = &code
		}
		require.NoError(t, runs.Finalize(run.ID, status, errCode, errCode, nil, nil))
	}

	rec := httptest.NewRecorder()
	h.HandleListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/ingestion/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["runs"], 2, "default limit applies")

	rec = httptest.NewRecorder()
	h.HandleListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/ingestion/runs?limit=100&status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Len(t, body["runs"], 1)
	assert.Equal(t, float64(5), body["limit"], "limit is clamped to the maximum")

	rec = httptest.NewRecorder()
	h.HandleListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/ingestion/runs?limit=-3", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunExtractsMissingSections(t *testing.T) {
	db := newHandlerDB(t)
	runs := store.NewRunStore(db)
	h := NewIngestionHandler(&fakeIngestionService{}, runs, "U1", 50, 200)

	run, err := runs.CreateStarted("U1", models.RunTypeManual, "LastMonth", "q-1")
	require.NoError(t, err)
	code := "MISSING_REQUIRED_SECTION"
	message := "statement is missing required sections"
	events := []timeline.StageEvent{
		timeline.Event("fetch", "completed", nil),
		timeline.Event("preflight", "failed", map[string]any{
			"missing_hard_required":           []string{"OpenPositions", "Trades"},
			"missing_reconciliation_required": []string{"MTMPerformanceSummaryInBase"},
			"missing_sections":                []string{"MTMPerformanceSummaryInBase", "OpenPositions", "Trades"},
		}),
	}
	require.NoError(t, runs.Finalize(run.ID, models.RunStatusFailed, &code, &message, nil, events))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ingestion/runs/{id}", h.HandleGetRun)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ingestion/runs/"+run.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.ElementsMatch(t, []any{"MTMPerformanceSummaryInBase", "OpenPositions", "Trades"}, body["missing_sections"])
	assert.ElementsMatch(t, []any{"OpenPositions", "Trades"}, body["missing_hard_required"])
	assert.ElementsMatch(t, []any{"MTMPerformanceSummaryInBase"}, body["missing_reconciliation_required"])
	runBody, ok := body["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusFailed, runBody["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ingestion/runs/no-such-run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSnapshotsFiltersAndCaches(t *testing.T) {
	db := newHandlerDB(t)
	canonical := store.NewCanonicalStore(db)
	ledgerStore := store.NewLedgerStore(db)

	ids, err := canonical.UpsertInstruments([]models.InstrumentUpsert{{
		AccountID: "U1", Conid: "265598", Symbol: "AAPL", AssetCategory: "STK", Currency: "USD",
	}})
	require.NoError(t, err)
	instrumentID := ids["265598"]

	_, err = ledgerStore.UpsertSnapshots([]models.PnlSnapshotUpsert{{
		AccountID:       "U1",
		ReportDateLocal: "2026-08-29",
		InstrumentID:    instrumentID,
		PositionQty:     "6",
		RealizedPnl:     "78.6",
		UnrealizedPnl:   "179.4",
		TotalPnl:        "258",
		Fees:            "0",
		WithholdingTax:  "0",
		Currency:        "USD",
		ValuationSource: "openpositions_fifo_unrealized",
	}})
	require.NoError(t, err)

	snapshotCache := cache.New(time.Minute, time.Minute)
	h := NewSnapshotHandler(ledgerStore, snapshotCache, "U1", 50, 200)

	rec := httptest.NewRecorder()
	h.HandleListSnapshots(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots?report_date=2026-08-29", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	snapshots, ok := body["snapshots"].([]any)
	require.True(t, ok)
	require.Len(t, snapshots, 1)
	row := snapshots[0].(map[string]any)
	assert.Equal(t, "AAPL", row["symbol"])
	assert.Equal(t, "258", row["total_pnl"])

	// Second identical query is served from cache.
	_, found := snapshotCache.Get("snapshots|report_date=2026-08-29")
	assert.True(t, found)

	rec = httptest.NewRecorder()
	h.HandleListSnapshots(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots?report_date=2026-08-30", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Empty(t, body["snapshots"])

	rec = httptest.NewRecorder()
	h.HandleListSnapshots(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots?report_date=29-08-2026", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	db := newHandlerDB(t)
	h := NewHealthHandler(db)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
