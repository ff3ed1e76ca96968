package signalhub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/presence"
	"github.com/omnicloud/filedrop/internal/relaybuffer"
	"github.com/omnicloud/filedrop/internal/transferstore"
)

func newTestHub() *Hub {
	cfg := config.Default()
	return New(cfg, presence.New(cfg.LivenessWindow), transferstore.New(),
		relaybuffer.New(cfg.RelayDownloadRetain, cfg.RelayUnusedRetain, cfg.RelayNotifyCooldown))
}

func newTestSession() *Session {
	return &Session{ID: "s1", Send: make(chan []byte, 8)}
}

func drain(t *testing.T, ch chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case data := <-ch:
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &fields))
		return fields
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// flush discards everything buffered on ch so the next drain sees only
// messages produced by the action under test. Safe because handleMessage
// delivers synchronously.
func flush(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestDeviceRegisterBindsAndRepliesWithDeviceList(t *testing.T) {
	h := newTestHub()
	s := newTestSession()

	h.handleMessage(s, []byte(`{"type":"device-register","deviceId":"a","name":"Alice","formFactor":"laptop"}`))

	fields := drain(t, s.Send)
	assert.Equal(t, TypeDeviceList, fields["type"])
	assert.Equal(t, "a", s.boundDeviceID())
}

func TestDuplicateRegistrationEvictsPriorSession(t *testing.T) {
	h := newTestHub()
	s1 := newTestSession()
	s2 := newTestSession()

	h.handleMessage(s1, []byte(`{"type":"device-register","deviceId":"x","name":"One","formFactor":"laptop"}`))
	flush(s1.Send)

	h.handleMessage(s2, []byte(`{"type":"device-register","deviceId":"x","name":"One","formFactor":"laptop"}`))

	_, stillOpen := <-s1.Send
	assert.False(t, stillOpen, "prior session's send channel must be closed on replace")
}

func TestTransferOfferForwardsToReceiver(t *testing.T) {
	h := newTestHub()
	sender := newTestSession()
	receiver := newTestSession()
	h.handleMessage(sender, []byte(`{"type":"device-register","deviceId":"a","name":"A","formFactor":"laptop"}`))
	h.handleMessage(receiver, []byte(`{"type":"device-register","deviceId":"b","name":"B","formFactor":"laptop"}`))
	flush(sender.Send)
	flush(receiver.Send)

	offer := `{"type":"transfer-offer","transferId":"t1","receiverId":"b","fileName":"x.bin","fileSize":100,"fileType":"application/octet-stream"}`
	h.handleMessage(sender, []byte(offer))

	fields := drain(t, receiver.Send)
	assert.Equal(t, TypeTransferOffer, fields["type"])
	assert.Equal(t, "t1", fields["transferId"])

	tr, ok := h.transfers.Get("t1")
	require.True(t, ok)
	assert.Equal(t, transferstore.Pending, tr.Status)
}

func TestTransferAnswerAcceptedAuthorizesRelayAndForwardsToSender(t *testing.T) {
	h := newTestHub()
	sender := newTestSession()
	receiver := newTestSession()
	h.handleMessage(sender, []byte(`{"type":"device-register","deviceId":"a","name":"A","formFactor":"laptop"}`))
	h.handleMessage(receiver, []byte(`{"type":"device-register","deviceId":"b","name":"B","formFactor":"laptop"}`))
	h.handleMessage(sender, []byte(`{"type":"transfer-offer","transferId":"t1","receiverId":"b","fileName":"x","fileSize":10,"fileType":"text/plain"}`))
	flush(sender.Send)
	flush(receiver.Send)

	h.handleMessage(receiver, []byte(`{"type":"transfer-answer","transferId":"t1","accepted":true}`))

	fields := drain(t, sender.Send)
	assert.Equal(t, TypeTransferAnswer, fields["type"])
	assert.True(t, h.relay.IsAuthorized("t1"))

	tr, _ := h.transfers.Get("t1")
	assert.Equal(t, transferstore.Accepted, tr.Status)
}

func TestUnknownTypeIsDroppedSilently(t *testing.T) {
	h := newTestHub()
	s := newTestSession()
	h.handleMessage(s, []byte(`{"type":"not-a-real-type"}`))

	select {
	case <-s.Send:
		t.Fatal("unknown message type must not produce a reply")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedMessageRepliesWithError(t *testing.T) {
	h := newTestHub()
	s := newTestSession()
	h.handleMessage(s, []byte(`not json`))

	fields := drain(t, s.Send)
	assert.Equal(t, TypeError, fields["type"])
}

func TestPingRepliesPongWithOriginalTimestamp(t *testing.T) {
	h := newTestHub()
	s := newTestSession()
	h.handleMessage(s, []byte(`{"type":"ping","timestamp":12345}`))

	fields := drain(t, s.Send)
	assert.Equal(t, TypePong, fields["type"])
	assert.EqualValues(t, 12345, fields["originalTimestamp"])
}
