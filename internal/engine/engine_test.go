package engine

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/session"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.NegotiationTimeout = 10 * time.Millisecond
	cfg.FallbackMaxAttempts = 1
	cfg.FallbackAttemptDeadline = 200 * time.Millisecond
	cfg.FallbackBaseBackoff = 1 * time.Millisecond
	cfg.FallbackMaxBackoff = 2 * time.Millisecond
	cfg.FallbackCooldown = 50 * time.Millisecond
	return cfg
}

// stateRecorder captures every state transition an Engine reports, in order.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func (r *stateRecorder) waitFor(t *testing.T, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if r.last() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, last seen %s", want, r.last())
}

func newTestEngine(t *testing.T, cfg *config.Config, hubURL string) (*Engine, *stateRecorder) {
	t.Helper()
	client := session.New(cfg, hubURL, "self-device", "self", "laptop")
	e := New(cfg, client, hubURL, "self-device", func(_ string, _ []byte) error {
		return nil
	})
	rec := &stateRecorder{}
	e.OnStateChange(rec.record)
	return e, rec
}

func TestTryTriggerFallbackIsStickyWithinCooldown(t *testing.T) {
	ts := &transferState{}
	now := time.Now()

	assert.True(t, ts.tryTriggerFallback(now, time.Second))
	assert.False(t, ts.tryTriggerFallback(now.Add(100*time.Millisecond), time.Second))
	assert.True(t, ts.tryTriggerFallback(now.Add(2*time.Second), time.Second))
}

func TestTryTriggerDownloadIsStickyWithinCooldown(t *testing.T) {
	ts := &transferState{}
	now := time.Now()

	assert.True(t, ts.tryTriggerDownload(now, time.Second))
	assert.False(t, ts.tryTriggerDownload(now.Add(500*time.Millisecond), time.Second))
	assert.True(t, ts.tryTriggerDownload(now.Add(2*time.Second), time.Second))
}

func TestReassembleInOrder(t *testing.T) {
	ts := &transferState{chunks: [][]byte{[]byte("AB"), []byte("CD"), []byte("EF")}}
	out, ok := ts.reassemble()
	require.True(t, ok)
	assert.Equal(t, []byte("ABCDEF"), out)
}

func TestReassembleFailsOnMissingChunk(t *testing.T) {
	ts := &transferState{chunks: [][]byte{[]byte("AB"), nil, []byte("EF")}}
	_, ok := ts.reassemble()
	assert.False(t, ok)
}

func TestSenderSeesRejection(t *testing.T) {
	cfg := testConfig()
	e, rec := newTestEngine(t, cfg, "http://unused.invalid")

	e.SendFile("t1", "peer-device", "photo.png", "image/png", []byte("hello"))
	tr, ok := e.get("t1")
	require.True(t, ok)
	assert.Equal(t, StatePending, tr.currentState())

	e.handleEngineMessage([]byte(`{"type":"transfer-answer","transferId":"t1","accepted":false}`))

	assert.Equal(t, StateRejected, rec.last())
	tr, _ = e.get("t1")
	assert.Equal(t, StateRejected, tr.currentState())
}

func TestReceiverOfferSurfacesAndRejectDropsTransfer(t *testing.T) {
	cfg := testConfig()
	e, rec := newTestEngine(t, cfg, "http://unused.invalid")

	var offered IncomingOffer
	e.OnIncomingOffer(func(o IncomingOffer) { offered = o })

	e.handleTransferOffer([]byte(`{"type":"transfer-offer","transferId":"t2","receiverId":"self-device","fileName":"doc.pdf","fileSize":1024,"fileType":"application/pdf"}`))

	assert.Equal(t, "t2", offered.TransferID)
	assert.Equal(t, "doc.pdf", offered.FileName)
	assert.Equal(t, int64(1024), offered.FileSize)

	e.Reject("t2")
	assert.Equal(t, StateRejected, rec.last())
}

func TestAcceptedTransferFallsBackAndExhausts(t *testing.T) {
	cfg := testConfig()
	// Nothing is listening here: every upload attempt fails to dial.
	e, rec := newTestEngine(t, cfg, "http://127.0.0.1:1")

	e.SendFile("t3", "peer-device", "movie.mp4", "video/mp4", []byte("bytes"))
	e.handleEngineMessage([]byte(`{"type":"transfer-answer","transferId":"t3","accepted":true}`))

	rec.waitFor(t, StateFailed, 2*time.Second)
}

func TestAcceptedTransferFallsBackAndSucceeds(t *testing.T) {
	cfg := testConfig()

	var gotFileName, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFileName = r.Header.Get("X-Filename")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	e, rec := newTestEngine(t, cfg, srv.URL)

	content := []byte("the quick brown fox")
	e.SendFile("t4", "peer-device", "note.txt", "text/plain", content)
	e.handleEngineMessage([]byte(`{"type":"transfer-answer","transferId":"t4","accepted":true}`))

	rec.waitFor(t, StateCompleted, 2*time.Second)

	assert.Equal(t, "note.txt", gotFileName)
	assert.Equal(t, "text/plain", gotContentType)
	assert.Equal(t, content, gotBody)
}

func TestTransferErrorMarksFailed(t *testing.T) {
	cfg := testConfig()
	e, rec := newTestEngine(t, cfg, "http://unused.invalid")

	e.SendFile("t5", "peer-device", "archive.zip", "application/zip", []byte("zz"))
	e.handleEngineMessage([]byte(`{"type":"transfer-error","transferId":"t5","message":"peer vanished"}`))

	assert.Equal(t, StateFailed, rec.last())
}

func TestProgressMergeIsMonotonic(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(t, cfg, "http://unused.invalid")

	e.SendFile("t6", "peer-device", "a.bin", "application/octet-stream", []byte("x"))
	e.handleEngineMessage([]byte(`{"type":"transfer-progress","transferId":"t6","progress":40}`))
	e.handleEngineMessage([]byte(`{"type":"transfer-progress","transferId":"t6","progress":20}`))

	tr, ok := e.get("t6")
	require.True(t, ok)
	tr.mu.Lock()
	progress := tr.progress
	tr.mu.Unlock()
	assert.Equal(t, 40, progress, "progress must not regress on a stale update")
}
