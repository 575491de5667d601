// Package signaling implements the client side of the signaling
// service contract: identity binding and signal relay between peers
// over a WebSocket connection.
package signaling

import "encoding/json"

// MessageType identifies a signaling frame.
type MessageType string

const (
	TypeBind   MessageType = "bind"   // request an identity, optionally a preferred one
	TypeBound  MessageType = "bound"  // server confirms the assigned identity
	TypeSignal MessageType = "signal" // opaque connection-setup payload relayed to a peer
	TypeError  MessageType = "error"  // server-side failure, Error carries a reason code
	TypeLeave  MessageType = "leave"  // peer departed
)

// Reason code the server uses when a requested identity is already
// bound by another client.
const reasonIDTaken = "unavailable-id"

// Message is one signaling frame. From/To carry peer addresses;
// Payload is opaque to the signaling layer.
type Message struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
