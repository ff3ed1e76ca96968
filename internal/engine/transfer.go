package engine

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

type transferOfferMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	ReceiverID string `json:"receiverId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileType   string `json:"fileType"`
}

type transferAnswerMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Accepted   bool   `json:"accepted"`
}

type sdpMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	SDP        string `json:"sdp"`
}

type iceCandidateMessage struct {
	Type       string                  `json:"type"`
	TransferID string                  `json:"transferId"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

// metadataMessage is the first frame sent over the fileTransfer data
// channel.
type metadataMessage struct {
	Type        string `json:"type"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
}

// chunkMessage carries one ordered slice of the file. Data round-trips as a
// base64 JSON string via encoding/json's standard []byte handling, so no
// custom codec is needed on either side.
type chunkMessage struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Data  []byte `json:"data"`
}

type progressMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Progress   int    `json:"progress"`
}

type completeMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

type errorMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Message    string `json:"message"`
}

// transferState is one in-flight transfer's local bookkeeping.
type transferState struct {
	id         string
	role       Role
	receiverID string
	fileName   string
	fileType   string
	fileSize   int64

	mu    sync.Mutex
	state State

	// sender-only
	content []byte
	sent    int64

	// receiver-only
	totalChunks       int
	chunks            [][]byte
	received          int
	dataChannelOpened bool

	progress int

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	negotiationTimer *time.Timer

	// duplicate-suppression sticky flags
	fallbackTriggered bool
	fallbackClearedAt time.Time
	downloadTriggered bool
	downloadClearedAt time.Time
}

func (t *transferState) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// tryTriggerFallback returns true exactly once per cooldown window: the
// first caller wins and the flag stays set until the transfer reaches a
// terminal state or the cooldown elapses.
func (t *transferState) tryTriggerFallback(now time.Time, cooldown time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fallbackTriggered && now.Before(t.fallbackClearedAt) {
		return false
	}
	t.fallbackTriggered = true
	t.fallbackClearedAt = now.Add(cooldown)
	return true
}

func (t *transferState) tryTriggerDownload(now time.Time, cooldown time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.downloadTriggered && now.Before(t.downloadClearedAt) {
		return false
	}
	t.downloadTriggered = true
	t.downloadClearedAt = now.Add(cooldown)
	return true
}

// reassemble concatenates every chunk in index order. It fails if any slot
// between 0 and totalChunks-1 was never filled.
func (t *transferState) reassemble() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	for _, c := range t.chunks {
		if c == nil {
			return nil, false
		}
		out = append(out, c...)
	}
	return out, true
}
