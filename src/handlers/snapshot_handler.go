package handlers

import (
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/username/flexledger/backend/src/logger"
	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/store"
	"github.com/username/flexledger/backend/src/utils"
)

type SnapshotHandler struct {
	ledgerStore   *store.LedgerStore
	snapshotCache *cache.Cache
	accountID     string
	defaultLimit  int
	maxLimit      int
}

func NewSnapshotHandler(ledgerStore *store.LedgerStore, snapshotCache *cache.Cache, accountID string, defaultLimit, maxLimit int) *SnapshotHandler {
	return &SnapshotHandler{
		ledgerStore:   ledgerStore,
		snapshotCache: snapshotCache,
		accountID:     accountID,
		defaultLimit:  defaultLimit,
		maxLimit:      maxLimit,
	}
}

// HandleListSnapshots serves daily PnL snapshot rows, most recent report
// date first. Supports report_date, instrument_id, limit and offset query
// params. Responses are cached briefly; ingestion invalidates nothing here
// because snapshot reads tolerate a short staleness window.
func (h *SnapshotHandler) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	reportDate := query.Get("report_date")
	if reportDate != "" {
		if _, err := time.Parse("2006-01-02", reportDate); err != nil {
			utils.SendJSONError(w, "report_date must be formatted YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	limit, offset, err := parsePagination(query.Get("limit"), query.Get("offset"), h.defaultLimit, h.maxLimit)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cacheKey := "snapshots|" + r.URL.RawQuery
	if h.snapshotCache != nil {
		if cached, found := h.snapshotCache.Get(cacheKey); found {
			utils.SendJSON(w, cached, http.StatusOK)
			return
		}
	}

	snapshots, err := h.ledgerStore.ListSnapshots(store.ListSnapshotsFilter{
		AccountID:       h.accountID,
		ReportDateLocal: reportDate,
		InstrumentID:    query.Get("instrument_id"),
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Failed to list snapshots", "error", err)
		}
		utils.SendJSONError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if snapshots == nil {
		snapshots = []models.PnlSnapshotRecord{}
	}

	response := map[string]any{"snapshots": snapshots, "limit": limit, "offset": offset}
	if h.snapshotCache != nil {
		h.snapshotCache.Set(cacheKey, response, cache.DefaultExpiration)
	}
	utils.SendJSON(w, response, http.StatusOK)
}
