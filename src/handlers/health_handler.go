package handlers

import (
	"database/sql"
	"net/http"

	"github.com/username/flexledger/backend/src/utils"
)

type HealthHandler struct {
	db *sql.DB
}

func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		utils.SendJSONError(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	utils.SendJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
