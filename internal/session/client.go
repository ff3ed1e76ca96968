// Package session implements the peer-side Session Client: the single
// persistent /ws connection a peer keeps open with the hub. Reconnects use
// capped exponential backoff, and outbound writes issued while disconnected
// are held in a FIFO queue and flushed in order once the connection is live
// again, so send ordering survives a drop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnicloud/filedrop/internal/config"
)

// Handler receives a raw inbound frame. Dispatch happens on the read
// goroutine; handlers that do real work should hand off rather than block it.
type Handler func(raw []byte)

// Client is one peer's connection to the hub.
type Client struct {
	cfg *config.Config

	hubURL     string
	deviceID   string
	name       string
	formFactor string

	mu      sync.Mutex
	conn    *websocket.Conn
	queue   [][]byte
	send    chan []byte
	stopped bool

	onDeviceList    Handler
	onTransferOffer Handler
	onEngine        Handler

	hbMu       sync.Mutex
	lastPongAt time.Time
	lastRTT    time.Duration
}

// LastRTT returns the round-trip time recorded from the most recent
// ping/pong exchange.
func (c *Client) LastRTT() time.Duration {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.lastRTT
}

func (c *Client) recordPong(raw []byte) {
	var msg struct {
		OriginalTimestamp int64 `json:"originalTimestamp"`
	}
	now := time.Now()
	c.hbMu.Lock()
	c.lastPongAt = now
	c.hbMu.Unlock()
	if err := json.Unmarshal(raw, &msg); err != nil || msg.OriginalTimestamp == 0 {
		return
	}
	rtt := now.UnixMilli() - msg.OriginalTimestamp
	if rtt < 0 {
		return
	}
	c.hbMu.Lock()
	c.lastRTT = time.Duration(rtt) * time.Millisecond
	c.hbMu.Unlock()
}

// New builds a Client for the given device identity. hubURL is the base
// http(s) address of the hub; /ws is appended at dial time.
func New(cfg *config.Config, hubURL, deviceID, name, formFactor string) *Client {
	return &Client{
		cfg:        cfg,
		hubURL:     hubURL,
		deviceID:   deviceID,
		name:       name,
		formFactor: formFactor,
	}
}

// OnDeviceList registers the UI subscriber for device-list pushes.
func (c *Client) OnDeviceList(h Handler) { c.onDeviceList = h }

// OnTransferOffer registers the UI subscriber for inbound transfer-offer
// frames (the accept/reject prompt lives in the UI, not the engine).
func (c *Client) OnTransferOffer(h Handler) { c.onTransferOffer = h }

// OnEngineMessage registers the Transfer Engine's catch-all subscriber for
// every other message type (answers, webrtc-*, transfer-progress/complete/
// error, pong).
func (c *Client) OnEngineMessage(h Handler) { c.onEngine = h }

// Send enqueues a frame for delivery. If the connection is live it is
// written immediately (subject to the writePump's buffer); otherwise it
// waits in FIFO order for the next successful reconnect.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	if c.conn == nil {
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return
	}
	ch := c.send
	c.mu.Unlock()

	select {
	case ch <- data:
	default:
		c.mu.Lock()
		c.queue = append(c.queue, data)
		c.mu.Unlock()
	}
}

// Run dials, registers, and pumps messages until ctx is cancelled, backing
// off between reconnect attempts. It returns when ctx is done or when the
// reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil || c.isStopped() {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.Printf("session: dial failed: %v", err)
			if !c.backoff(ctx, &attempt) {
				return
			}
			continue
		}

		start := time.Now()
		closeCode := c.runSession(ctx, conn)

		if time.Since(start) > c.cfg.HeartbeatInterval*2 {
			attempt = 0
		}

		if ctx.Err() != nil || c.isStopped() {
			return
		}
		if closeCode == websocket.CloseNormalClosure || closeCode == websocket.CloseGoingAway {
			log.Printf("session: closed cleanly (code %d), not reconnecting", closeCode)
			return
		}
		if !c.backoff(ctx, &attempt) {
			log.Printf("session: reconnect budget exhausted")
			return
		}
	}
}

// backoff sleeps min(2^attempt * base, max) before the next dial attempt,
// incrementing attempt. Returns false once attempt reaches the configured
// ceiling, meaning the caller should stop trying.
func (c *Client) backoff(ctx context.Context, attempt *int) bool {
	if *attempt >= c.cfg.ReconnectMaxAttempts {
		return false
	}
	delay := c.cfg.ReconnectBaseDelay << *attempt
	if delay > c.cfg.ReconnectMaxDelay {
		delay = c.cfg.ReconnectMaxDelay
	}
	*attempt++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.hubURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// runSession owns a live connection end to end: sends device-register
// first, flushes the queue, then pumps until the connection drops. It
// returns the close code observed on the read side, or
// websocket.CloseAbnormalClosure if none was reported.
func (c *Client) runSession(ctx context.Context, conn *websocket.Conn) int {
	register, _ := json.Marshal(registerMessage{
		Type:       TypeDeviceRegister,
		DeviceID:   c.deviceID,
		Name:       c.name,
		FormFactor: c.formFactor,
	})
	if err := conn.WriteMessage(websocket.TextMessage, register); err != nil {
		conn.Close()
		return websocket.CloseAbnormalClosure
	}

	c.hbMu.Lock()
	c.lastPongAt = time.Now()
	c.hbMu.Unlock()

	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.conn = conn
	c.send = make(chan []byte, 64)
	sendCh := c.send
	c.mu.Unlock()

	for _, msg := range queued {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}

	done := make(chan int, 1)
	quit := make(chan struct{})
	go c.writePump(conn, sendCh, quit, done)
	code := c.readPump(conn)

	// Detach the connection before stopping the pump so a concurrent Send
	// falls back to the FIFO queue instead of racing a dying channel.
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	close(quit)
	<-done

	return code
}

// writePump sends queued frames and an app-level {type:"ping"} every
// HeartbeatInterval, distinct from the WS control frames the
// underlying library may exchange on its own. It force-closes the
// connection if no pong has arrived within PongDeadline of the last one,
// detecting a half-open session where TCP itself is still alive.
func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, quit <-chan struct{}, done chan<- int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer func() { done <- 0 }()

	for {
		select {
		case <-quit:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.hbMu.Lock()
			stale := time.Since(c.lastPongAt) > c.cfg.PongDeadline
			c.hbMu.Unlock()
			if stale {
				log.Printf("session: no pong within %s, forcing reconnect", c.cfg.PongDeadline)
				conn.Close()
				return
			}

			ping, _ := json.Marshal(pingMessage{Type: "ping", Timestamp: time.Now().UnixMilli()})
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) int {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongDeadline))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return websocket.CloseAbnormalClosure
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongDeadline))
		c.dispatch(message)
	}
}

const writeDeadline = 10 * time.Second

type pingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Stop marks the client as intentionally stopped and closes the live
// connection; Run returns instead of reconnecting. Run's ctx cancellation
// is the primary shutdown path, this is for callers that hold a reference
// without the context in hand.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
