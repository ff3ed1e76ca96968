// Package api is the Relay Endpoints HTTP surface: upload/download for the
// hub-relay fallback path and the read-only device/transfer inventory, plus
// the /ws mount point for the Signaling Hub.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/presence"
	"github.com/omnicloud/filedrop/internal/relaybuffer"
	"github.com/omnicloud/filedrop/internal/signalhub"
	"github.com/omnicloud/filedrop/internal/transferstore"
)

// Server is the HTTP API server backing the hub binary.
type Server struct {
	router    *mux.Router
	server    *http.Server
	cfg       *config.Config
	presence  *presence.Registry
	transfers *transferstore.Store
	relay     *relaybuffer.Buffer
	hub       *signalhub.Hub
}

// NewServer wires a router over the shared in-memory stores and the
// signaling hub, then configures all routes.
func NewServer(cfg *config.Config, presenceReg *presence.Registry, transfers *transferstore.Store, relay *relaybuffer.Buffer, hub *signalhub.Hub) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		cfg:       cfg,
		presence:  presenceReg,
		transfers: transfers,
		relay:     relay,
		hub:       hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	s.router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// /ws stays outside the logging middleware: the wrapped response writer
	// is not an http.Hijacker, and the websocket upgrade needs one.
	s.router.Handle("/ws", s.hub).Methods("GET")

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.Use(s.loggingMiddleware)
	apiRouter.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	apiRouter.HandleFunc("/transfers/{deviceId}", s.handleInventory).Methods("GET")
	apiRouter.HandleFunc("/transfer/{transferId}/upload", s.handleUpload).Methods("POST")
	apiRouter.HandleFunc("/transfer/{transferId}/download", s.handleDownload).Methods("GET")

	log.Println("[API] routes configured")
}

// Router exposes the underlying mux.Router, mainly for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Start begins serving on cfg.ListenAddr and blocks until the server stops.
// No blanket ReadTimeout/WriteTimeout: a relay upload may legitimately
// stream for far longer than any fixed cap, and stalled uploads are cut by
// the per-request idle timeout instead. Slowloris-style header dribbling is
// still bounded by ReadHeaderTimeout.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Printf("[API] starting on %s", s.cfg.ListenAddr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[API] shutting down")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
