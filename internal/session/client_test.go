package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/presence"
	"github.com/omnicloud/filedrop/internal/relaybuffer"
	"github.com/omnicloud/filedrop/internal/signalhub"
	"github.com/omnicloud/filedrop/internal/transferstore"
)

func newTestHubServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.PongDeadline = 500 * time.Millisecond
	presenceReg := presence.New(cfg.LivenessWindow)
	transfers := transferstore.New()
	relay := relaybuffer.New(cfg.RelayDownloadRetain, cfg.RelayUnusedRetain, cfg.RelayNotifyCooldown)
	hub := signalhub.New(cfg, presenceReg, transfers, relay)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return srv, cfg
}

func waitFor(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestClientRegistersAndReceivesDeviceList(t *testing.T) {
	srv, cfg := newTestHubServer(t)
	hubURL := "http" + strings.TrimPrefix(srv.URL, "http")

	received := make(chan []byte, 8)
	c := New(cfg, hubURL, "dev-a", "A", "laptop")
	c.OnDeviceList(func(raw []byte) { received <- raw })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	raw := waitFor(t, received)
	var msg struct {
		Type    string            `json:"type"`
		Devices []presence.Device `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TypeDeviceList, msg.Type)
}

func TestClientQueuesSendsWhileDisconnected(t *testing.T) {
	cfg := config.Default()
	c := New(cfg, "http://127.0.0.1:1", "dev-a", "A", "laptop")

	c.Send([]byte(`{"type":"ping","timestamp":1}`))
	c.Send([]byte(`{"type":"ping","timestamp":2}`))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.queue, 2)
	assert.Contains(t, string(c.queue[0]), `"timestamp":1`)
	assert.Contains(t, string(c.queue[1]), `"timestamp":2`)
}

func TestDispatchRoutesDeviceListAndTransferOfferToUISubscribers(t *testing.T) {
	c := New(config.Default(), "http://unused", "dev-a", "A", "laptop")
	var uiMessages, engineMessages int
	c.OnDeviceList(func([]byte) { uiMessages++ })
	c.OnTransferOffer(func([]byte) { uiMessages++ })
	c.OnEngineMessage(func([]byte) { engineMessages++ })

	c.dispatch([]byte(`{"type":"device-list"}`))
	c.dispatch([]byte(`{"type":"transfer-offer"}`))
	c.dispatch([]byte(`{"type":"webrtc-offer"}`))
	c.dispatch([]byte(`{"type":"transfer-progress"}`))
	c.dispatch([]byte(`{"type":"pong"}`))

	assert.Equal(t, 2, uiMessages)
	assert.Equal(t, 3, engineMessages)
}

func TestHeartbeatRecordsRTTFromAppLevelPong(t *testing.T) {
	srv, cfg := newTestHubServer(t)
	hubURL := "http" + strings.TrimPrefix(srv.URL, "http")

	c := New(cfg, hubURL, "dev-b", "B", "laptop")

	engineMessages := make(chan []byte, 8)
	c.OnEngineMessage(func(raw []byte) { engineMessages <- raw })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// The hub answers the heartbeat ping with an app-level pong carrying
	// originalTimestamp; on loopback the round trip can be sub-millisecond,
	// so assert the pong itself and that LastRTT is not negative, not that
	// it is positive.
	raw := waitFor(t, engineMessages)
	var msg struct {
		Type              string `json:"type"`
		OriginalTimestamp int64  `json:"originalTimestamp"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "pong", msg.Type)
	assert.NotZero(t, msg.OriginalTimestamp)
	assert.GreaterOrEqual(t, c.LastRTT(), time.Duration(0))
}

func TestBackoffDoublesUntilCeilingThenExhausts(t *testing.T) {
	cfg := config.Default()
	cfg.ReconnectBaseDelay = 1 * time.Millisecond
	cfg.ReconnectMaxDelay = 4 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3
	c := New(cfg, "http://unused", "dev-a", "A", "laptop")

	ctx := context.Background()
	attempt := 0
	for i := 0; i < 3; i++ {
		require.True(t, c.backoff(ctx, &attempt))
	}
	assert.False(t, c.backoff(ctx, &attempt))
}
