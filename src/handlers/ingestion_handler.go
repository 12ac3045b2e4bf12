package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/username/flexledger/backend/src/logger"
	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/orchestrator"
	"github.com/username/flexledger/backend/src/store"
	"github.com/username/flexledger/backend/src/utils"
)

// IngestionService is the trigger surface the HTTP layer needs from the
// orchestrator.
type IngestionService interface {
	RunIngestion(runType string) (*orchestrator.RunResult, error)
	RunReprocess(override *orchestrator.ReprocessScope) (*orchestrator.RunResult, error)
}

type IngestionHandler struct {
	service      IngestionService
	runStore     *store.RunStore
	accountID    string
	defaultLimit int
	maxLimit     int
}

func NewIngestionHandler(service IngestionService, runStore *store.RunStore, accountID string, defaultLimit, maxLimit int) *IngestionHandler {
	return &IngestionHandler{
		service:      service,
		runStore:     runStore,
		accountID:    accountID,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// HandleTriggerIngestion starts a manual ingestion run. A run that fails
// downstream still answers 200 with its error code in the body; only the
// account-lock conflict and trigger-time failures map to error statuses.
func (h *IngestionHandler) HandleTriggerIngestion(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunIngestion(models.RunTypeManual)
	if err != nil {
		if errors.Is(err, store.ErrRunAlreadyActive) {
			utils.SendJSONError(w, "an ingestion run is already active for this account", http.StatusConflict)
			return
		}
		if logger.L != nil {
			logger.L.Error("Failed to start ingestion run", "error", err)
		}
		utils.SendJSONError(w, "failed to start ingestion run", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleTriggerReprocess replays the canonical mapping over persisted raw
// rows. The body is an optional JSON scope override; an empty body uses the
// configured account, period and query.
func (h *IngestionHandler) HandleTriggerReprocess(w http.ResponseWriter, r *http.Request) {
	var override *orchestrator.ReprocessScope
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		utils.SendJSONError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		var scope orchestrator.ReprocessScope
		if err := json.Unmarshal(body, &scope); err != nil {
			utils.SendJSONError(w, "request body is not a valid reprocess scope", http.StatusBadRequest)
			return
		}
		override = &scope
	}

	result, err := h.service.RunReprocess(override)
	if err != nil {
		if errors.Is(err, store.ErrRunAlreadyActive) {
			utils.SendJSONError(w, "an ingestion run is already active for this account", http.StatusConflict)
			return
		}
		if logger.L != nil {
			logger.L.Error("Failed to start reprocess run", "error", err)
		}
		utils.SendJSONError(w, "failed to start reprocess run", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleListRuns lists runs for the configured account, newest first by
// default. Supports status, sort_by, order, limit and offset query params.
func (h *IngestionHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset, err := parsePagination(query.Get("limit"), query.Get("offset"), h.defaultLimit, h.maxLimit)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := h.runStore.List(store.ListRunsFilter{
		AccountID: h.accountID,
		Status:    query.Get("status"),
		SortBy:    query.Get("sort_by"),
		Order:     query.Get("order"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Failed to list ingestion runs", "error", err)
		}
		utils.SendJSONError(w, "failed to list ingestion runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.IngestionRun{}
	}
	utils.SendJSON(w, map[string]any{"runs": runs, "limit": limit, "offset": offset}, http.StatusOK)
}

// HandleGetRun returns one run with its full diagnostics timeline. When the
// run failed preflight, the missing section names are lifted out of the
// timeline into a top-level field.
func (h *IngestionHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		utils.SendJSONError(w, "run id is required", http.StatusBadRequest)
		return
	}

	run, err := h.runStore.GetByID(runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			utils.SendJSONError(w, "run not found", http.StatusNotFound)
			return
		}
		if logger.L != nil {
			logger.L.Error("Failed to load ingestion run", "runId", runID, "error", err)
		}
		utils.SendJSONError(w, "failed to load ingestion run", http.StatusInternalServerError)
		return
	}

	response := map[string]any{"run": run}
	addMissingSectionDetails(response, run)
	utils.SendJSON(w, response, http.StatusOK)
}

// addMissingSectionDetails lifts the categorized missing-section lists out
// of a failed preflight stage event into top-level response fields.
func addMissingSectionDetails(response map[string]any, run *models.IngestionRun) {
	for _, event := range run.Diagnostics {
		if event.Stage != "preflight" || event.Status != "failed" {
			continue
		}
		if missing := sectionList(event.Details, "missing_sections"); len(missing) > 0 {
			response["missing_sections"] = missing
		}
		if hard := sectionList(event.Details, "missing_hard_required"); len(hard) > 0 {
			response["missing_hard_required"] = hard
		}
		if reconciliation := sectionList(event.Details, "missing_reconciliation_required"); len(reconciliation) > 0 {
			response["missing_reconciliation_required"] = reconciliation
		}
		return
	}
}

// sectionList reads a string-list detail value. Diagnostics round-trip
// through JSON, so the value usually arrives as []any.
func sectionList(details map[string]any, key string) []string {
	var sections []string
	switch value := details[key].(type) {
	case []string:
		sections = value
	case []any:
		for _, item := range value {
			if name, ok := item.(string); ok {
				sections = append(sections, name)
			}
		}
	}
	return sections
}

// parsePagination resolves limit/offset query params against the configured
// bounds. Blank values fall back to the defaults; out-of-range limits are
// clamped to the maximum.
func parsePagination(limitParam, offsetParam string, defaultLimit, maxLimit int) (int, int, error) {
	limit := defaultLimit
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = parsed
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset := 0
	if offsetParam != "" {
		parsed, err := strconv.Atoi(offsetParam)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = parsed
	}
	return limit, offset, nil
}
