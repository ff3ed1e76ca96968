package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/omnicloud/filedrop/internal/transferstore"
)

// handleUpload serves POST /api/transfer/{transferId}/upload, the fallback
// relay path's idempotent upload endpoint. File metadata rides in headers;
// the body is raw bytes.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	transferID := mux.Vars(r)["transferId"]

	if s.relay.IsProcessed(transferID) {
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	tr, ok := s.transfers.Get(transferID)
	if !ok {
		respondError(w, http.StatusInternalServerError, "unknown transfer", "upload must follow a transfer-offer/transfer-answer handshake")
		return
	}

	fileName, _ := url.QueryUnescape(r.Header.Get("X-Filename"))
	relativePath, _ := url.QueryUnescape(r.Header.Get("X-Relative-Path"))
	mediaType := r.Header.Get("Content-Type")

	payload, err := readBodyWithIdleTimeout(r.Body, s.cfg.RelayUploadMaxBytes, s.cfg.RelayUploadIdleTime)
	switch err {
	case nil:
		// fall through to success path
	case errUploadIdleTimeout:
		respondError(w, http.StatusRequestTimeout, "upload stalled", fmt.Sprintf("no data received within %s", s.cfg.RelayUploadIdleTime))
		return
	case errUploadTooLarge:
		respondError(w, http.StatusRequestEntityTooLarge, "upload too large", fmt.Sprintf("exceeds %d bytes", s.cfg.RelayUploadMaxBytes))
		return
	default:
		respondError(w, 499, "client closed request", err.Error())
		return
	}

	s.relay.Store(transferID, fileName, mediaType, relativePath, payload)

	completed := transferstore.Completed
	progress := 100
	if _, err := s.transfers.Update(transferID, transferstore.Patch{Status: &completed, Progress: &progress}); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to finalize transfer", err.Error())
		return
	}

	if s.relay.ShouldNotify(transferID) {
		s.notifyTransferComplete(tr.ReceiverID, transferID)
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type transferCompleteMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Progress   int    `json:"progress"`
}

func (s *Server) notifyTransferComplete(receiverID, transferID string) {
	data, err := json.Marshal(transferCompleteMessage{
		Type:       "transfer-complete",
		TransferID: transferID,
		Progress:   100,
	})
	if err != nil {
		return
	}
	s.hub.Notify(receiverID, data)
}

// handleDownload serves GET /api/transfer/{transferId}/download.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	transferID := mux.Vars(r)["transferId"]

	if !s.relay.IsAuthorized(transferID) {
		respondError(w, http.StatusForbidden, "not accepted", "")
		return
	}

	entry, err := s.relay.Download(transferID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not found", "")
		return
	}

	name := entry.RelativePath
	if name == "" {
		name = entry.FileName
	}

	w.Header().Set("Content-Type", entry.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(entry.Payload)))
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Payload)
}
