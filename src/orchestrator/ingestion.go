// Package orchestrator drives the ingestion and reprocess workflows end to
// end: fetch, preflight, raw persistence, canonical mapping and snapshot
// assembly, with every phase recorded in the run's diagnostics timeline.
// It is the single point that converts failures into finalized runs; no
// error escapes except ErrRunAlreadyActive, which fires before a run row
// exists.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/username/flexledger/backend/src/flexadapter"
	"github.com/username/flexledger/backend/src/flexreport"
	"github.com/username/flexledger/backend/src/ledger"
	"github.com/username/flexledger/backend/src/logger"
	"github.com/username/flexledger/backend/src/mapping"
	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/store"
	"github.com/username/flexledger/backend/src/timeline"
)

// FetchAdapter is the statement source boundary.
type FetchAdapter interface {
	Fetch(queryID string) (*flexadapter.FetchResult, error)
	SourceName() string
}

// SnapshotService builds and persists the daily PnL snapshot.
type SnapshotService interface {
	Build(reportDateLocal, artifactID string, runID *string) (*ledger.BuildSummary, error)
}

// Config carries the per-account settings the orchestrator needs.
type Config struct {
	AccountID             string
	FlexQueryID           string
	PeriodKey             string
	FunctionalCurrency    string
	ReconciliationEnabled bool
	ReportLocation        *time.Location
}

// RunResult is what trigger callers branch on instead of exceptions.
type RunResult struct {
	RunID           string                `json:"run_id"`
	Status          string                `json:"status"`
	ErrorCode       *string               `json:"error_code,omitempty"`
	ErrorMessage    *string               `json:"error_message,omitempty"`
	ReportDateLocal *string               `json:"report_date_local,omitempty"`
	Timeline        []timeline.StageEvent `json:"timeline"`
}

// Orchestrator wires the pipeline stages together. The canonical store and
// snapshot service are optional; absent ones record "skipped" stages.
type Orchestrator struct {
	cfg       Config
	adapter   FetchAdapter
	runs      *store.RunStore
	raw       *store.RawStore
	canonical *store.CanonicalStore
	snapshots SnapshotService
	now       func() time.Time
}

func New(cfg Config, adapter FetchAdapter, runs *store.RunStore, raw *store.RawStore, canonical *store.CanonicalStore, snapshots SnapshotService) *Orchestrator {
	if cfg.ReportLocation == nil {
		cfg.ReportLocation = time.UTC
	}
	return &Orchestrator{
		cfg:       cfg,
		adapter:   adapter,
		runs:      runs,
		raw:       raw,
		canonical: canonical,
		snapshots: snapshots,
		now:       time.Now,
	}
}

// RunIngestion executes one full ingestion run. It returns
// ErrRunAlreadyActive when another run holds the account lock; every other
// failure is absorbed into a finalized failed run and a failed result.
func (o *Orchestrator) RunIngestion(runType string) (*RunResult, error) {
	run, err := o.runs.CreateStarted(o.cfg.AccountID, runType, o.cfg.PeriodKey, o.cfg.FlexQueryID)
	if err != nil {
		return nil, err
	}

	state := newRunState(run, o.now)
	reportDate, err := o.executeIngestion(state)
	if err != nil {
		return o.finalizeFailed(state, reportDate, classifyError(err, CodeIngestionUnexpected), err)
	}
	return o.finalizeSuccess(state, reportDate)
}

func (o *Orchestrator) executeIngestion(state *runState) (*string, error) {
	state.record("fetch", "started", map[string]any{
		"source":   o.adapter.SourceName(),
		"query_id": o.cfg.FlexQueryID,
	})
	fetched, err := o.adapter.Fetch(o.cfg.FlexQueryID)
	if err != nil {
		return nil, err
	}
	state.events = append(state.events, fetched.Timeline...)
	state.record("fetch", "completed", map[string]any{
		"run_reference": fetched.RunReference,
		"payload_bytes": len(fetched.Payload),
	})

	state.record("preflight", "started", nil)
	report, err := flexreport.Parse(fetched.Payload)
	if err != nil {
		return nil, err
	}
	preflight := flexreport.RunPreflight(report, o.cfg.ReconciliationEnabled)
	if !preflight.OK {
		state.record("preflight", "failed", map[string]any{
			"missing_hard_required":           preflight.MissingHardRequired,
			"missing_reconciliation_required": preflight.MissingReconciliationRequired,
			"missing_sections":                preflight.MissingSections,
			"detected_sections":               preflight.DetectedSections,
		})
		return nil, &preflightError{missing: preflight.MissingSections}
	}
	state.record("preflight", "completed", map[string]any{
		"detected_sections": preflight.DetectedSections,
	})

	reportDate, ok := report.ReportDate()
	if !ok {
		reportDate = ledger.ResolveLocalReportDate(o.now(), o.cfg.ReportLocation)
	}

	state.record("raw_persistence", "started", nil)
	payloadHash := store.PayloadSHA256(fetched.Payload)
	artifact, deduplicated, err := o.raw.UpsertArtifact(state.run.ID, models.ArtifactKey{
		AccountID:     o.cfg.AccountID,
		PeriodKey:     o.cfg.PeriodKey,
		FlexQueryID:   o.cfg.FlexQueryID,
		PayloadSHA256: payloadHash,
	}, &reportDate, fetched.Payload)
	if err != nil {
		return &reportDate, err
	}
	inserted, skipped, err := o.raw.InsertRows(state.run.ID, artifact, reportRows(report))
	if err != nil {
		return &reportDate, err
	}
	state.record("raw_persistence", "completed", map[string]any{
		"payload_sha256": payloadHash,
		"deduplicated":   deduplicated,
		"rows_inserted":  inserted,
		"rows_skipped":   skipped,
	})

	if err := o.runCanonicalStage(state, reportDate, o.listNewRows); err != nil {
		return &reportDate, err
	}

	if o.snapshots == nil {
		state.record("snapshot", "skipped", map[string]any{"reason": "no snapshot service configured"})
	} else {
		state.record("snapshot", "started", nil)
		summary, err := o.snapshots.Build(reportDate, artifact.ID, &state.run.ID)
		if err != nil {
			return &reportDate, err
		}
		state.record("snapshot", "completed", map[string]any{
			"snapshot_rows":      summary.SnapshotRows,
			"lot_rows":           summary.LotRows,
			"missing_valuations": summary.MissingValuations,
		})
	}

	return &reportDate, nil
}

func (o *Orchestrator) listNewRows(state *runState) ([]models.RawRecord, error) {
	return o.raw.ListRowsForRun(state.run.ID)
}

// runCanonicalStage maps and persists canonical events from the rows the
// source function yields. A fully deduplicated run yields nothing, which is
// recorded as a skip: re-running ingestion over an identical payload is a
// correct no-op.
func (o *Orchestrator) runCanonicalStage(state *runState, reportDate string, source func(*runState) ([]models.RawRecord, error)) error {
	if o.canonical == nil {
		state.record("canonical", "skipped", map[string]any{"reason": "no canonical repository configured"})
		return nil
	}

	state.record("canonical", "started", nil)
	records, err := source(state)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		state.record("canonical", "skipped", map[string]any{"reason": "no new rows"})
		return nil
	}

	startedAt := o.now()
	batch, err := mapping.MapBatch(mapping.Context{
		AccountID:          o.cfg.AccountID,
		FunctionalCurrency: o.cfg.FunctionalCurrency,
		ReportDateLocal:    reportDate,
		IngestionRunID:     state.run.ID,
	}, records)
	if err != nil {
		return err
	}

	counts, err := persistBatch(o.canonical, batch)
	if err != nil {
		return err
	}
	state.record("canonical", "completed", map[string]any{
		"instruments":  counts.Instruments,
		"trade_fills":  counts.TradeFills,
		"cashflows":    counts.Cashflows,
		"fx_events":    counts.FxEvents,
		"corp_actions": counts.CorpActions,
		"skipped_rows": batch.SkippedRows,
		"elapsed_ms":   o.now().Sub(startedAt).Milliseconds(),
	})
	return nil
}

func (o *Orchestrator) finalizeSuccess(state *runState, reportDate *string) (*RunResult, error) {
	state.record("finalize", "completed", nil)
	if err := o.runs.Finalize(state.run.ID, models.RunStatusSuccess, nil, nil, reportDate, state.events); err != nil {
		// The work is done but the terminal write failed; surface as failed.
		return o.failedResult(state, reportDate, CodeIngestionUnexpected, err), nil
	}
	if logger.L != nil {
		logger.L.Info("Ingestion run finished", "runId", state.run.ID, "status", models.RunStatusSuccess)
	}
	return &RunResult{
		RunID:           state.run.ID,
		Status:          models.RunStatusSuccess,
		ReportDateLocal: reportDate,
		Timeline:        state.events,
	}, nil
}

func (o *Orchestrator) finalizeFailed(state *runState, reportDate *string, code string, cause error) (*RunResult, error) {
	if pf, ok := cause.(*preflightError); ok {
		code = CodeMissingSection
		cause = pf
	}
	message := cause.Error()
	if err := o.runs.Finalize(state.run.ID, models.RunStatusFailed, &code, &message, reportDate, state.events); err != nil && logger.L != nil {
		logger.L.Error("Failed to finalize run", "runId", state.run.ID, "error", err)
	}
	if logger.L != nil {
		logger.L.Warn("Ingestion run failed", "runId", state.run.ID, "errorCode", code, "error", message)
	}
	return o.failedResult(state, reportDate, code, cause), nil
}

func (o *Orchestrator) failedResult(state *runState, reportDate *string, code string, cause error) *RunResult {
	message := cause.Error()
	return &RunResult{
		RunID:           state.run.ID,
		Status:          models.RunStatusFailed,
		ErrorCode:       &code,
		ErrorMessage:    &message,
		ReportDateLocal: reportDate,
		Timeline:        state.events,
	}
}

// runState accumulates the append-only stage timeline for one run.
type runState struct {
	run    *models.IngestionRun
	events []timeline.StageEvent
	now    func() time.Time
}

func newRunState(run *models.IngestionRun, now func() time.Time) *runState {
	return &runState{run: run, now: now}
}

func (s *runState) record(stage, status string, details map[string]any) {
	s.events = append(s.events, timeline.EventAt(s.now(), stage, status, details))
}

// preflightError carries the missing sections to the error-code mapping.
type preflightError struct {
	missing []string
}

func (e *preflightError) Error() string {
	return fmt.Sprintf("statement is missing required sections: %v", e.missing)
}

// reportRows flattens every statement's rows into raw persistence inserts.
func reportRows(report *flexreport.Report) []store.RawRowInsert {
	var rows []store.RawRowInsert
	for _, statement := range report.Statements {
		for _, row := range statement.Rows {
			rows = append(rows, store.RawRowInsert{
				SectionName:  row.Section,
				SourceRowRef: row.SourceRowRef,
				Payload:      row.Attrs,
			})
		}
	}
	return rows
}

// canonicalCounts summarizes one persisted batch for the timeline.
type canonicalCounts struct {
	Instruments int
	TradeFills  int
	Cashflows   int
	FxEvents    int
	CorpActions int
}

// persistBatch resolves instrument ids and writes the batch through the
// canonical store in dependency order.
func persistBatch(canonical *store.CanonicalStore, batch *mapping.Batch) (canonicalCounts, error) {
	counts := canonicalCounts{}

	instrumentIDs, err := canonical.UpsertInstruments(batch.Instruments)
	if err != nil {
		return counts, err
	}
	counts.Instruments = len(batch.Instruments)

	fills := make([]models.TradeFillUpsert, 0, len(batch.TradeFills))
	for _, mapped := range batch.TradeFills {
		instrumentID, ok := instrumentIDs[mapped.Conid]
		if !ok {
			return counts, models.NewContractViolation("trade fill %s references unknown contract id %s", mapped.Fill.IBExecID, mapped.Conid)
		}
		fill := mapped.Fill
		fill.InstrumentID = instrumentID
		fills = append(fills, fill)
	}
	if counts.TradeFills, err = canonical.UpsertTradeFills(fills); err != nil {
		return counts, err
	}

	flows := make([]models.CashflowUpsert, 0, len(batch.Cashflows))
	for _, mapped := range batch.Cashflows {
		flow := mapped.Flow
		if id, ok := instrumentIDs[mapped.Conid]; ok {
			flow.InstrumentID = &id
		}
		flows = append(flows, flow)
	}
	if counts.Cashflows, err = canonical.UpsertCashflows(flows); err != nil {
		return counts, err
	}

	if counts.FxEvents, err = canonical.UpsertFxEvents(batch.FxEvents); err != nil {
		return counts, err
	}

	actions := make([]models.CorpActionUpsert, 0, len(batch.CorpActions))
	for _, mapped := range batch.CorpActions {
		action := mapped.Action
		if id, ok := instrumentIDs[mapped.Conid]; ok {
			action.InstrumentID = &id
		}
		actions = append(actions, action)
	}
	if counts.CorpActions, err = canonical.UpsertCorpActions(actions); err != nil {
		return counts, err
	}

	return counts, nil
}
