package session

import "encoding/json"

// Message type strings, mirrored from internal/signalhub/message.go. Kept
// as a separate constant set since the client package does not import the
// hub's internals.
const (
	TypeDeviceRegister = "device-register"
	TypeDeviceList     = "device-list"
	TypeTransferOffer  = "transfer-offer"
)

type registerMessage struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name"`
	FormFactor string `json:"formFactor"`
}

// dispatch routes an inbound frame to the UI subscriber (device-list,
// transfer-offer) or to the Transfer Engine (everything else: answers,
// webrtc-*, transfer-progress/complete/error, pong). A frame that isn't
// even a JSON object with a type field is dropped; the hub never sends one.
func (c *Client) dispatch(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case TypeDeviceList:
		if c.onDeviceList != nil {
			c.onDeviceList(raw)
		}
	case TypeTransferOffer:
		if c.onTransferOffer != nil {
			c.onTransferOffer(raw)
		}
	case "pong":
		c.recordPong(raw)
		if c.onEngine != nil {
			c.onEngine(raw)
		}
	default:
		if c.onEngine != nil {
			c.onEngine(raw)
		}
	}
}
