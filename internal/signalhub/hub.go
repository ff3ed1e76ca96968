// Package signalhub is the persistent bidirectional session endpoint at
// /ws: it authenticates each connection to a device id, routes signaling
// and transfer messages between peers, and broadcasts registry changes.
package signalhub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/presence"
	"github.com/omnicloud/filedrop/internal/relaybuffer"
	"github.com/omnicloud/filedrop/internal/transferstore"
)

// Hub owns every live session and mediates every message between them. It
// borrows Presence/TransferStore/RelayBuffer records by id; it does not own
// them.
type Hub struct {
	cfg       *config.Config
	presence  *presence.Registry
	transfers *transferstore.Store
	relay     *relaybuffer.Buffer

	mu       sync.RWMutex
	sessions map[string]*Session // deviceID -> bound session

	unregister chan *Session
}

// New creates a Hub wired to the three in-memory stores it coordinates.
func New(cfg *config.Config, presenceReg *presence.Registry, transfers *transferstore.Store, relay *relaybuffer.Buffer) *Hub {
	return &Hub{
		cfg:        cfg,
		presence:   presenceReg,
		transfers:  transfers,
		relay:      relay,
		sessions:   make(map[string]*Session),
		unregister: make(chan *Session, cfg.HubBroadcastBuffer),
	}
}

// Run drains the eviction channel until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.unregister:
			h.finishUnregister(s)
		}
	}
}

// sendTo pushes data onto deviceID's session buffer. Forwarding to a
// recipient with no live session is silently dropped; the transfer record
// survives for the recipient to poll later.
func (h *Hub) sendTo(deviceID string, data []byte) {
	h.mu.RLock()
	s, ok := h.sessions[deviceID]
	if !ok {
		h.mu.RUnlock()
		log.Printf("[Signal Hub] device not connected: %s", deviceID)
		return
	}
	select {
	case s.Send <- data:
		h.mu.RUnlock()
	default:
		h.mu.RUnlock()
		log.Printf("[Signal Hub] send buffer full for %s, dropping session", deviceID)
		go h.evict(s)
	}
}

// evict force-closes a session whose send buffer is saturated; a reader
// that slow is treated the same as a dead one.
func (h *Hub) evict(s *Session) {
	if s.conn != nil {
		s.conn.Close()
	}
}

// queueUnregister is called from a Session's readPump on exit.
func (h *Hub) queueUnregister(s *Session) {
	select {
	case h.unregister <- s:
	default:
		go func() { h.unregister <- s }()
	}
}

func (h *Hub) finishUnregister(s *Session) {
	deviceID := s.boundDeviceID()
	if deviceID == "" {
		return
	}

	h.mu.Lock()
	current, ok := h.sessions[deviceID]
	if ok && current == s {
		delete(h.sessions, deviceID)
		close(s.Send)
	}
	h.mu.Unlock()

	if !ok || current != s {
		// Already replaced by a newer session for this device id; nothing
		// further to evict.
		return
	}

	h.presence.MarkOffline(deviceID)
	log.Printf("[Signal Hub] session closed for %s", deviceID)
	h.broadcastDeviceList()
}

// bindSession binds s to deviceID, evicting any prior session bound to the
// same id. A device id is bound to at most one session at a time.
func (h *Hub) bindSession(s *Session, deviceID, name string, formFactor presence.FormFactor) {
	h.mu.Lock()
	if existing, ok := h.sessions[deviceID]; ok && existing != s {
		log.Printf("[Signal Hub] replacing existing session for device %s", deviceID)
		close(existing.Send)
		if existing.conn != nil {
			existing.conn.Close()
		}
	}
	s.setBoundDeviceID(deviceID)
	h.sessions[deviceID] = s
	h.mu.Unlock()

	h.presence.Register(deviceID, name, formFactor)

	h.sendDeviceList(s, deviceID)
	h.broadcastDeviceList()
}

// IsConnected reports whether deviceID currently has a bound session.
func (h *Hub) IsConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[deviceID]
	return ok
}

// Notify pushes an arbitrary pre-encoded message to deviceID if it is
// currently connected. Used by the HTTP upload handler to deliver
// transfer-complete without going through a websocket-originated message.
func (h *Hub) Notify(deviceID string, data []byte) {
	h.sendTo(deviceID, data)
}

func (h *Hub) sendDeviceList(s *Session, excludeID string) {
	data, err := encodeDeviceList(h.presence.ListReachable(excludeID))
	if err != nil {
		log.Printf("[Signal Hub] failed to encode device list: %v", err)
		return
	}
	select {
	case s.Send <- data:
	default:
		log.Printf("[Signal Hub] send buffer full delivering device list to %s", excludeID)
	}
}

// broadcastDeviceList pushes a device-list to every bound session, each
// with that session's own record omitted.
func (h *Hub) broadcastDeviceList() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for deviceID, s := range h.sessions {
		data, err := encodeDeviceList(h.presence.ListReachable(deviceID))
		if err != nil {
			continue
		}
		select {
		case s.Send <- data:
		default:
			log.Printf("[Signal Hub] send buffer full broadcasting to %s", deviceID)
		}
	}
}

// Session is a single /ws connection's hub-side state.
type Session struct {
	ID          string
	conn        *websocket.Conn
	Send        chan []byte
	hub         *Hub
	ConnectedAt time.Time

	mu       sync.RWMutex
	deviceID string
}

func (s *Session) boundDeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) setBoundDeviceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
}
