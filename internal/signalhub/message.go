package signalhub

import (
	"encoding/json"
	"log"
	"time"

	"github.com/omnicloud/filedrop/internal/presence"
	"github.com/omnicloud/filedrop/internal/transferstore"
)

// Message type discriminants.
const (
	TypeDeviceRegister    = "device-register"
	TypeDeviceUpdate      = "device-update"
	TypeDeviceList        = "device-list"
	TypeTransferOffer     = "transfer-offer"
	TypeTransferAnswer    = "transfer-answer"
	TypeWebRTCOffer       = "webrtc-offer"
	TypeWebRTCAnswer      = "webrtc-answer"
	TypeWebRTCICE         = "webrtc-ice-candidate"
	TypeTransferProgress  = "transfer-progress"
	TypeTransferComplete  = "transfer-complete"
	TypeTransferError     = "transfer-error"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

type deviceListMessage struct {
	Type    string           `json:"type"`
	Devices []presence.Device `json:"devices"`
}

func encodeDeviceList(devices []presence.Device) ([]byte, error) {
	if devices == nil {
		devices = []presence.Device{}
	}
	return json.Marshal(deviceListMessage{Type: TypeDeviceList, Devices: devices})
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Session) replyError(message string) {
	data, _ := json.Marshal(errorMessage{Type: TypeError, Message: message})
	select {
	case s.Send <- data:
	default:
	}
}

func stringField(fields map[string]interface{}, key string) (string, bool) {
	v, ok := fields[key].(string)
	return v, ok
}

func boolField(fields map[string]interface{}, key string) (bool, bool) {
	v, ok := fields[key].(bool)
	return v, ok
}

func intField(fields map[string]interface{}, key string) (int, bool) {
	v, ok := fields[key].(float64)
	return int(v), ok
}

// handleMessage dispatches one inbound frame. A JSON parse failure or a
// missing "type" discriminant is a protocol error: a single "error" reply,
// session stays open. An unrecognized but well-formed type is logged and
// silently dropped; it is not a protocol error.
func (h *Hub) handleMessage(s *Session, raw []byte) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		s.replyError("malformed message")
		return
	}

	msgType, ok := fields["type"].(string)
	if !ok {
		s.replyError("missing type")
		return
	}

	switch msgType {
	case TypeDeviceRegister:
		h.onDeviceRegister(s, fields)
	case TypeDeviceUpdate:
		h.onDeviceUpdate(s, fields)
	case TypeTransferOffer:
		h.onTransferOffer(s, raw, fields)
	case TypeTransferAnswer:
		h.onTransferAnswer(s, raw, fields)
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICE:
		h.onWebRTCRelay(s, raw, fields)
	case TypeTransferProgress:
		h.onTransferProgress(s, raw, fields)
	case TypeTransferComplete:
		h.onTransferComplete(s, raw, fields)
	case TypeTransferError:
		h.onTransferError(s, raw, fields)
	case TypePing:
		h.onPing(s, fields)
	default:
		log.Printf("[Signal Hub] unknown message type %q from %s", msgType, s.ID)
	}
}

func (h *Hub) onDeviceRegister(s *Session, fields map[string]interface{}) {
	deviceID, ok1 := stringField(fields, "deviceId")
	name, ok2 := stringField(fields, "name")
	formFactor, ok3 := stringField(fields, "formFactor")
	if !ok1 || !ok2 || !ok3 || deviceID == "" {
		s.replyError("device-register requires deviceId, name, formFactor")
		return
	}
	h.bindSession(s, deviceID, name, presence.FormFactor(formFactor))
}

func (h *Hub) onDeviceUpdate(s *Session, fields map[string]interface{}) {
	deviceID := s.boundDeviceID()
	if deviceID == "" {
		s.replyError("session is not registered")
		return
	}

	var patch presence.Patch
	if name, ok := stringField(fields, "name"); ok {
		patch.Name = &name
	}
	if status, ok := stringField(fields, "status"); ok {
		st := presence.Status(status)
		patch.Status = &st
	}

	if _, ok := h.presence.Update(deviceID, patch); !ok {
		s.replyError("unknown device")
		return
	}
	h.broadcastDeviceList()
}

func (h *Hub) onTransferOffer(s *Session, raw []byte, fields map[string]interface{}) {
	senderID := s.boundDeviceID()
	if senderID == "" {
		s.replyError("session is not registered")
		return
	}

	transferID, ok1 := stringField(fields, "transferId")
	receiverID, ok2 := stringField(fields, "receiverId")
	fileName, _ := stringField(fields, "fileName")
	mediaType, _ := stringField(fields, "fileType")
	fileSize, _ := intField(fields, "fileSize")
	if !ok1 || !ok2 || transferID == "" || receiverID == "" {
		s.replyError("transfer-offer requires transferId and receiverId")
		return
	}

	_, err := h.transfers.Create(transferstore.Record{
		ID:         transferID,
		FileName:   fileName,
		FileSize:   int64(fileSize),
		MediaType:  mediaType,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     transferstore.Pending,
	})
	if err != nil {
		s.replyError(err.Error())
		return
	}

	h.sendTo(receiverID, raw)
}

func (h *Hub) onTransferAnswer(s *Session, raw []byte, fields map[string]interface{}) {
	receiverID := s.boundDeviceID()
	if receiverID == "" {
		s.replyError("session is not registered")
		return
	}

	transferID, ok1 := stringField(fields, "transferId")
	accepted, ok2 := boolField(fields, "accepted")
	if !ok1 || !ok2 {
		s.replyError("transfer-answer requires transferId and accepted")
		return
	}

	tr, ok := h.transfers.Get(transferID)
	if !ok {
		s.replyError("unknown transfer")
		return
	}

	newStatus := transferstore.Rejected
	if accepted {
		newStatus = transferstore.Accepted
	}
	if _, err := h.transfers.Update(transferID, transferstore.Patch{Status: &newStatus}); err != nil {
		s.replyError(err.Error())
		return
	}
	if accepted {
		h.relay.Authorize(transferID)
	}

	h.sendTo(tr.SenderID, raw)
}

func (h *Hub) onWebRTCRelay(s *Session, raw []byte, fields map[string]interface{}) {
	deviceID := s.boundDeviceID()
	if deviceID == "" {
		s.replyError("session is not registered")
		return
	}
	transferID, ok := stringField(fields, "transferId")
	if !ok {
		s.replyError("missing transferId")
		return
	}
	tr, ok := h.transfers.Get(transferID)
	if !ok {
		s.replyError("unknown transfer")
		return
	}

	switch deviceID {
	case tr.SenderID:
		h.sendTo(tr.ReceiverID, raw)
	case tr.ReceiverID:
		h.sendTo(tr.SenderID, raw)
	default:
		s.replyError("not a party to this transfer")
	}
}

func (h *Hub) onTransferProgress(s *Session, raw []byte, fields map[string]interface{}) {
	transferID, ok1 := stringField(fields, "transferId")
	progress, ok2 := intField(fields, "progress")
	if !ok1 || !ok2 {
		s.replyError("transfer-progress requires transferId and progress")
		return
	}

	status := transferstore.Transferring
	if progress >= 100 {
		status = transferstore.Completed
	}
	tr, err := h.transfers.Update(transferID, transferstore.Patch{Status: &status, Progress: &progress})
	if err != nil {
		s.replyError(err.Error())
		return
	}

	h.sendTo(tr.SenderID, raw)
	h.sendTo(tr.ReceiverID, raw)
}

func (h *Hub) onTransferComplete(s *Session, raw []byte, fields map[string]interface{}) {
	senderID := s.boundDeviceID()
	if senderID == "" {
		s.replyError("session is not registered")
		return
	}
	transferID, ok := stringField(fields, "transferId")
	if !ok {
		s.replyError("missing transferId")
		return
	}

	completed := transferstore.Completed
	tr, err := h.transfers.Update(transferID, transferstore.Patch{Status: &completed})
	if err != nil {
		s.replyError(err.Error())
		return
	}

	if h.relay.ShouldNotify(transferID) {
		h.sendTo(tr.ReceiverID, raw)
	}
}

func (h *Hub) onTransferError(s *Session, raw []byte, fields map[string]interface{}) {
	deviceID := s.boundDeviceID()
	if deviceID == "" {
		s.replyError("session is not registered")
		return
	}
	transferID, ok := stringField(fields, "transferId")
	if !ok {
		s.replyError("missing transferId")
		return
	}
	tr, ok := h.transfers.Get(transferID)
	if !ok {
		s.replyError("unknown transfer")
		return
	}

	failed := transferstore.Failed
	if _, err := h.transfers.Update(transferID, transferstore.Patch{Status: &failed}); err != nil {
		// Already terminal: the error is still informational, forward anyway.
		log.Printf("[Signal Hub] transfer-error for already-terminal transfer %s: %v", transferID, err)
	}

	h.sendTo(tr.SenderID, raw)
	h.sendTo(tr.ReceiverID, raw)
}

type pongMessage struct {
	Type              string `json:"type"`
	Timestamp         int64  `json:"timestamp"`
	OriginalTimestamp interface{} `json:"originalTimestamp"`
}

func (h *Hub) onPing(s *Session, fields map[string]interface{}) {
	data, err := json.Marshal(pongMessage{
		Type:              TypePong,
		Timestamp:         time.Now().UnixMilli(),
		OriginalTimestamp: fields["timestamp"],
	})
	if err != nil {
		return
	}
	select {
	case s.Send <- data:
	default:
	}
}
