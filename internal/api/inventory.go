package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/omnicloud/filedrop/internal/transferstore"
)

type inventoryResponse struct {
	Active  []*transferstore.Transfer `json:"active"`
	History []*transferstore.Transfer `json:"history"`
}

// handleInventory serves GET /api/transfers/{deviceId}.
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	resp := inventoryResponse{
		Active:  s.transfers.ActiveFor(deviceID),
		History: s.transfers.HistoryFor(deviceID, limit),
	}
	respondJSON(w, http.StatusOK, resp)
}
