package api

import (
	"net/http"
	"sort"
)

// handleListDevices serves GET /api/devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.presence.ListReachable("")
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	respondJSON(w, http.StatusOK, devices)
}
