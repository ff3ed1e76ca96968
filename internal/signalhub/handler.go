package signalhub

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// LAN tool: peers arrive from arbitrary local origins.
		return true
	},
}

// ServeHTTP upgrades the request to a websocket session. No credentials
// are required at upgrade time: a session is anonymous until its first
// device-register message binds it to a device id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Signal Hub] upgrade failed: %v", err)
		return
	}

	s := &Session{
		ID:          uuid.NewString(),
		conn:        conn,
		Send:        make(chan []byte, h.cfg.HubBroadcastBuffer),
		hub:         h,
		ConnectedAt: time.Now(),
	}

	go s.writePump(h.cfg.HeartbeatInterval)
	go s.readPump(h.cfg.PongDeadline)

	log.Printf("[Signal Hub] session connected: %s from %s", s.ID, r.RemoteAddr)
}
