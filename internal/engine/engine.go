// Package engine implements the peer-side Transfer Engine: the per-transfer
// state machine that drives a file from offer through peer-to-peer delivery
// or relay fallback to completion.
package engine

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/omnicloud/filedrop/internal/config"
	"github.com/omnicloud/filedrop/internal/session"
)

// State is a transfer's local lifecycle state on this peer.
type State string

const (
	StatePending     State = "pending"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateTransferring State = "transferring"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateRejected    State = "rejected"
)

func (s State) isTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRejected
}

// Role distinguishes which side of a transfer this peer plays.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// SaveHandler persists a fully reassembled file. The engine calls it once
// per completed transfer and never touches the filesystem itself.
type SaveHandler func(fileName string, data []byte) error

// IncomingOffer is surfaced to the UI layer for an accept/reject decision.
type IncomingOffer struct {
	TransferID string
	FileName   string
	FileSize   int64
	FileType   string
}

// Engine owns every in-flight transfer on one peer.
type Engine struct {
	cfg     *config.Config
	client  *session.Client
	hubURL  string
	selfID  string
	save    SaveHandler
	onOffer func(IncomingOffer)
	onState func(transferID string, state State)

	mu        sync.Mutex
	transfers map[string]*transferState
}

// New wires an Engine to an already-constructed Session Client. The caller
// is still responsible for running client.Run in its own goroutine.
func New(cfg *config.Config, client *session.Client, hubURL, selfID string, save SaveHandler) *Engine {
	e := &Engine{
		cfg:       cfg,
		client:    client,
		hubURL:    hubURL,
		selfID:    selfID,
		save:      save,
		transfers: make(map[string]*transferState),
	}
	client.OnTransferOffer(e.handleTransferOffer)
	client.OnEngineMessage(e.handleEngineMessage)
	return e
}

// OnIncomingOffer registers the UI callback invoked for a newly offered
// transfer; the UI drives Accept/Reject from there.
func (e *Engine) OnIncomingOffer(f func(IncomingOffer)) { e.onOffer = f }

// OnStateChange registers the UI callback fired on every local state
// transition.
func (e *Engine) OnStateChange(f func(transferID string, state State)) { e.onState = f }

func (e *Engine) setState(t *transferState, s State) {
	t.mu.Lock()
	t.state = s
	if s.isTerminal() {
		// A terminal state releases the duplicate-suppression flags.
		t.fallbackTriggered = false
		t.downloadTriggered = false
	}
	t.mu.Unlock()
	if e.onState != nil {
		e.onState(t.id, s)
	}
}

func (e *Engine) get(transferID string) (*transferState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[transferID]
	return t, ok
}

func (e *Engine) put(t *transferState) {
	e.mu.Lock()
	e.transfers[t.id] = t
	e.mu.Unlock()
}

// SendFile starts the sender path for a new transfer: it stores the
// transfer locally in pending and sends transfer-offer, but does not begin
// peer negotiation until the receiver accepts.
func (e *Engine) SendFile(transferID, receiverID, fileName, fileType string, content []byte) {
	t := &transferState{
		id:         transferID,
		role:       RoleSender,
		state:      StatePending,
		receiverID: receiverID,
		fileName:   fileName,
		fileType:   fileType,
		fileSize:   int64(len(content)),
		content:    content,
	}
	e.put(t)

	offer, _ := json.Marshal(transferOfferMessage{
		Type:       session.TypeTransferOffer,
		TransferID: transferID,
		ReceiverID: receiverID,
		FileName:   fileName,
		FileSize:   t.fileSize,
		FileType:   fileType,
	})
	e.client.Send(offer)
}

// Accept answers an incoming offer affirmatively; the receiver now waits
// for a webrtc-offer to begin negotiation.
func (e *Engine) Accept(transferID string) {
	t, ok := e.get(transferID)
	if !ok {
		return
	}
	e.setState(t, StateConnecting)
	e.sendTransferAnswer(transferID, true)
}

// Reject answers an incoming offer negatively and drops the transfer.
func (e *Engine) Reject(transferID string) {
	t, ok := e.get(transferID)
	if !ok {
		return
	}
	e.setState(t, StateRejected)
	e.sendTransferAnswer(transferID, false)
}

func (e *Engine) sendTransferAnswer(transferID string, accepted bool) {
	answer, _ := json.Marshal(transferAnswerMessage{
		Type:       "transfer-answer",
		TransferID: transferID,
		Accepted:   accepted,
	})
	e.client.Send(answer)
}

func (e *Engine) handleTransferOffer(raw []byte) {
	var fields transferOfferMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		log.Printf("engine: malformed transfer-offer: %v", err)
		return
	}
	t := &transferState{
		id:       fields.TransferID,
		role:     RoleReceiver,
		state:    StatePending,
		fileName: fields.FileName,
		fileSize: fields.FileSize,
		fileType: fields.FileType,
	}
	e.put(t)
	if e.onOffer != nil {
		e.onOffer(IncomingOffer{
			TransferID: fields.TransferID,
			FileName:   fields.FileName,
			FileSize:   fields.FileSize,
			FileType:   fields.FileType,
		})
	}
}

// handleEngineMessage dispatches every message type the session client
// doesn't route to UI subscribers.
func (e *Engine) handleEngineMessage(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "transfer-answer":
		e.onTransferAnswer(raw)
	case "webrtc-offer":
		e.onWebRTCOffer(raw)
	case "webrtc-answer":
		e.onWebRTCAnswer(raw)
	case "webrtc-ice-candidate":
		e.onWebRTCICECandidate(raw)
	case "transfer-progress":
		e.onTransferProgress(raw)
	case "transfer-complete":
		e.onTransferComplete(raw)
	case "transfer-error":
		e.onTransferError(raw)
	case "pong":
		// round-trip accounting lives in the Session Client; nothing to do here.
	}
}

func (e *Engine) onTransferAnswer(raw []byte) {
	var msg transferAnswerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	t, ok := e.get(msg.TransferID)
	if !ok || t.role != RoleSender {
		return
	}
	if !msg.Accepted {
		e.setState(t, StateRejected)
		return
	}
	e.setState(t, StateConnecting)
	e.beginSenderNegotiation(t)
}

func (e *Engine) onTransferProgress(raw []byte) {
	var msg struct {
		TransferID string `json:"transferId"`
		Progress   int    `json:"progress"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if t, ok := e.get(msg.TransferID); ok {
		t.mu.Lock()
		if msg.Progress > t.progress {
			t.progress = msg.Progress
		}
		t.mu.Unlock()
	}
}

func (e *Engine) onTransferError(raw []byte) {
	var msg struct {
		TransferID string `json:"transferId"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if t, ok := e.get(msg.TransferID); ok {
		e.closePeer(t)
		e.setState(t, StateFailed)
	}
}

func (e *Engine) onTransferComplete(raw []byte) {
	var msg struct {
		TransferID string `json:"transferId"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	t, ok := e.get(msg.TransferID)
	if !ok || t.role != RoleReceiver {
		return
	}
	t.mu.Lock()
	alreadyDone := t.state.isTerminal()
	peerArrived := t.dataChannelOpened
	notAccepted := t.state == StatePending
	t.mu.Unlock()
	// The hub refuses the download server-side for an unaccepted transfer;
	// don't issue a request that can only come back 403.
	if alreadyDone || peerArrived || notAccepted {
		return
	}
	e.triggerDownload(t)
}
