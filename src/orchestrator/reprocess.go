package orchestrator

import (
	"github.com/username/flexledger/backend/src/ledger"
	"github.com/username/flexledger/backend/src/models"
)

// ReprocessScope selects which persisted raw rows to replay. Empty fields
// fall back to the configured defaults.
type ReprocessScope struct {
	AccountID   string `json:"account_id,omitempty"`
	PeriodKey   string `json:"period_key,omitempty"`
	FlexQueryID string `json:"flex_query_id,omitempty"`
}

// RunReprocess replays the canonical mapping step over already-persisted
// raw rows, without touching the external source. Running it twice over the
// same rows produces identical canonical writes; it exists to repair the
// canonical layer after a mapping fix.
func (o *Orchestrator) RunReprocess(override *ReprocessScope) (*RunResult, error) {
	scope := ReprocessScope{
		AccountID:   o.cfg.AccountID,
		PeriodKey:   o.cfg.PeriodKey,
		FlexQueryID: o.cfg.FlexQueryID,
	}
	if override != nil {
		if override.AccountID != "" {
			scope.AccountID = override.AccountID
		}
		if override.PeriodKey != "" {
			scope.PeriodKey = override.PeriodKey
		}
		if override.FlexQueryID != "" {
			scope.FlexQueryID = override.FlexQueryID
		}
	}

	run, err := o.runs.CreateStarted(scope.AccountID, models.RunTypeReprocess, scope.PeriodKey, scope.FlexQueryID)
	if err != nil {
		return nil, err
	}

	state := newRunState(run, o.now)
	reportDate, err := o.executeReprocess(state, scope)
	if err != nil {
		return o.finalizeFailed(state, reportDate, classifyError(err, CodeReprocessUnexpected), err)
	}
	return o.finalizeSuccess(state, reportDate)
}

func (o *Orchestrator) executeReprocess(state *runState, scope ReprocessScope) (*string, error) {
	state.record("scope", "resolved", map[string]any{
		"account_id":    scope.AccountID,
		"period_key":    scope.PeriodKey,
		"flex_query_id": scope.FlexQueryID,
	})

	records, err := o.raw.ListRowsForScope(scope.AccountID, scope.PeriodKey, scope.FlexQueryID)
	if err != nil {
		return nil, err
	}

	reportDate := ""
	for _, record := range records {
		if record.ReportDateLocal != nil && *record.ReportDateLocal != "" {
			reportDate = *record.ReportDateLocal
			break
		}
	}
	if reportDate == "" {
		reportDate = ledger.ResolveLocalReportDate(o.now(), o.cfg.ReportLocation)
	}

	err = o.runCanonicalStage(state, reportDate, func(*runState) ([]models.RawRecord, error) {
		return records, nil
	})
	if err != nil {
		return &reportDate, err
	}
	return &reportDate, nil
}
