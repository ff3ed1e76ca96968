package engine

import (
	"encoding/json"
	"log"
	"time"

	"github.com/pion/webrtc/v3"
)

func (e *Engine) peerConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.cfg.STUNServers}},
	}
}

func (e *Engine) sendICECandidate(transferID string, c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	msg, _ := json.Marshal(iceCandidateMessage{
		Type:       "webrtc-ice-candidate",
		TransferID: transferID,
		Candidate:  c.ToJSON(),
	})
	e.client.Send(msg)
}

// beginSenderNegotiation opens a peer connection, creates the fileTransfer
// data channel, and sends the offer. A timer started here triggers fallback
// if the channel never opens within NegotiationTimeout.
func (e *Engine) beginSenderNegotiation(t *transferState) {
	pc, err := webrtc.NewPeerConnection(e.peerConfiguration())
	if err != nil {
		log.Printf("engine: peer connection failed for %s: %v", t.id, err)
		e.triggerFallback(t)
		return
	}

	ordered := true
	lifetime := uint16(3000)
	dc, err := pc.CreateDataChannel("fileTransfer", &webrtc.DataChannelInit{
		Ordered:           &ordered,
		MaxPacketLifeTime: &lifetime,
	})
	if err != nil {
		log.Printf("engine: data channel failed for %s: %v", t.id, err)
		pc.Close()
		e.triggerFallback(t)
		return
	}

	t.mu.Lock()
	t.pc = pc
	t.dc = dc
	t.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) { e.sendICECandidate(t.id, c) })
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected {
			e.triggerFallback(t)
		}
	})

	dc.OnOpen(func() {
		t.mu.Lock()
		t.dataChannelOpened = true
		t.mu.Unlock()
		if t.negotiationTimer != nil {
			t.negotiationTimer.Stop()
		}
		e.setState(t, StateConnected)
		e.setState(t, StateTransferring)
		go e.sendChunks(t)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Printf("engine: create offer failed for %s: %v", t.id, err)
		e.triggerFallback(t)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Printf("engine: set local description failed for %s: %v", t.id, err)
		e.triggerFallback(t)
		return
	}

	msg, _ := json.Marshal(sdpMessage{Type: "webrtc-offer", TransferID: t.id, SDP: offer.SDP})
	e.client.Send(msg)

	t.negotiationTimer = time.AfterFunc(e.cfg.NegotiationTimeout, func() {
		e.triggerFallback(t)
	})
}

func (e *Engine) onWebRTCOffer(raw []byte) {
	var msg sdpMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	t, ok := e.get(msg.TransferID)
	if !ok || t.role != RoleReceiver {
		return
	}

	pc, err := webrtc.NewPeerConnection(e.peerConfiguration())
	if err != nil {
		log.Printf("engine: peer connection failed for %s: %v", t.id, err)
		return
	}

	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) { e.sendICECandidate(t.id, c) })
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected {
			e.closePeer(t)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "fileTransfer" {
			return
		}
		t.mu.Lock()
		t.dc = dc
		t.mu.Unlock()
		dc.OnOpen(func() {
			t.mu.Lock()
			t.dataChannelOpened = true
			t.mu.Unlock()
			e.setState(t, StateConnected)
		})
		dc.OnMessage(func(m webrtc.DataChannelMessage) { e.onDataChannelMessage(t, m.Data) })
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		log.Printf("engine: set remote description failed for %s: %v", t.id, err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("engine: create answer failed for %s: %v", t.id, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("engine: set local description failed for %s: %v", t.id, err)
		return
	}

	reply, _ := json.Marshal(sdpMessage{Type: "webrtc-answer", TransferID: t.id, SDP: answer.SDP})
	e.client.Send(reply)
}

func (e *Engine) onWebRTCAnswer(raw []byte) {
	var msg sdpMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	t, ok := e.get(msg.TransferID)
	if !ok || t.role != RoleSender {
		return
	}
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
		log.Printf("engine: set remote description failed for %s: %v", t.id, err)
	}
}

func (e *Engine) onWebRTCICECandidate(raw []byte) {
	var msg iceCandidateMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	t, ok := e.get(msg.TransferID)
	if !ok {
		return
	}
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(msg.Candidate); err != nil {
		log.Printf("engine: add ICE candidate failed for %s: %v", t.id, err)
	}
}

// onDataChannelMessage handles one inbound fileTransfer frame on the
// receiver side.
func (e *Engine) onDataChannelMessage(t *transferState, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "metadata":
		var meta metadataMessage
		if err := json.Unmarshal(data, &meta); err != nil {
			return
		}
		t.mu.Lock()
		t.totalChunks = meta.TotalChunks
		t.chunks = make([][]byte, meta.TotalChunks)
		t.fileName = meta.FileName
		t.fileSize = meta.FileSize
		t.fileType = meta.FileType
		t.mu.Unlock()
		e.setState(t, StateTransferring)

	case "chunk":
		var chunk chunkMessage
		if err := json.Unmarshal(data, &chunk); err != nil {
			return
		}
		t.mu.Lock()
		if chunk.Index < 0 || chunk.Index >= len(t.chunks) {
			t.mu.Unlock()
			return
		}
		t.chunks[chunk.Index] = chunk.Data
		t.received++
		received, total := t.received, t.totalChunks
		t.mu.Unlock()

		progress := 0
		if total > 0 {
			progress = received * 100 / total
		}
		e.publishProgress(t.id, progress)

		if received == total {
			e.finishReceiving(t)
		}
	}
}

func (e *Engine) publishProgress(transferID string, progress int) {
	msg, _ := json.Marshal(progressMessage{Type: "transfer-progress", TransferID: transferID, Progress: progress})
	e.client.Send(msg)
}

func (e *Engine) finishReceiving(t *transferState) {
	payload, ok := t.reassemble()
	if !ok {
		e.sendTransferError(t.id, "missing chunk on reassembly")
		e.setState(t, StateFailed)
		return
	}
	if e.save != nil {
		if err := e.save(t.fileName, payload); err != nil {
			e.sendTransferError(t.id, err.Error())
			e.setState(t, StateFailed)
			return
		}
	}
	e.setState(t, StateCompleted)
	msg, _ := json.Marshal(completeMessage{Type: "transfer-complete", TransferID: t.id})
	e.client.Send(msg)
}

func (e *Engine) sendTransferError(transferID, message string) {
	msg, _ := json.Marshal(errorMessage{Type: "transfer-error", TransferID: transferID, Message: message})
	e.client.Send(msg)
}

// sendChunks slices the sender's in-memory content into ordered chunks,
// sending a metadata frame first, then chunks, yielding briefly every
// ChunkYieldEvery chunks so the data channel's send buffer can drain.
func (e *Engine) sendChunks(t *transferState) {
	chunkSize := e.cfg.ChunkSize
	totalChunks := (len(t.content) + chunkSize - 1) / chunkSize
	if len(t.content) == 0 {
		totalChunks = 0
	}

	meta, _ := json.Marshal(metadataMessage{
		Type:        "metadata",
		FileName:    t.fileName,
		FileSize:    t.fileSize,
		FileType:    t.fileType,
		TotalChunks: totalChunks,
	})
	if err := t.dc.Send(meta); err != nil {
		e.triggerFallback(t)
		return
	}

	for i := 0; i < totalChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(t.content) {
			end = len(t.content)
		}
		chunk, err := json.Marshal(chunkMessage{Type: "chunk", Index: i, Data: t.content[start:end]})
		if err != nil {
			e.triggerFallback(t)
			return
		}
		if err := t.dc.Send(chunk); err != nil {
			e.triggerFallback(t)
			return
		}

		t.sent += int64(end - start)
		progress := int(t.sent * 100 / int64(len(t.content)))
		e.publishProgress(t.id, progress)

		if (i+1)%e.cfg.ChunkYieldEvery == 0 {
			time.Sleep(e.cfg.ChunkYieldFor)
		}
	}

	e.setState(t, StateCompleted)
	msg, _ := json.Marshal(completeMessage{Type: "transfer-complete", TransferID: t.id})
	e.client.Send(msg)
}

func (e *Engine) closePeer(t *transferState) {
	t.mu.Lock()
	pc := t.pc
	t.pc = nil
	t.dc = nil
	if t.negotiationTimer != nil {
		t.negotiationTimer.Stop()
	}
	t.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}
