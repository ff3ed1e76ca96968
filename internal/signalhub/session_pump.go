package signalhub

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// writePump pumps outbound messages and pings to the connection.
func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Signal Hub] write error for %s: %v", s.ID, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[Signal Hub] ping error for %s: %v", s.ID, err)
				return
			}
		}
	}
}

// readPump pumps inbound messages to handleMessage. pongDeadline is the
// longest silence tolerated before the session is force-closed.
func (s *Session) readPump(pongDeadline time.Duration) {
	defer func() {
		s.hub.queueUnregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongDeadline))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Signal Hub] read error for %s: %v", s.ID, err)
			}
			break
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Signal Hub] handler panic for %s: %v", s.ID, r)
				}
			}()
			s.hub.handleMessage(s, message)
		}()
	}
}
