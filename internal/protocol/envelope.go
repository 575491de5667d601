package protocol

// Kind discriminates envelope payloads on the wire.
type Kind string

const (
	KindChatMessage Kind = "CHAT_MESSAGE"
)

func (k Kind) String() string {
	switch k {
	case KindChatMessage:
		return "CHAT_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the wire unit exchanged once a data channel is open.
type Envelope struct {
	Kind       Kind        `json:"type"`
	Message    ChatMessage `json:"message"`
	SenderInfo UserInfo    `json:"senderInfo"`
}

// NewChatEnvelope wraps a chat message and the sending user's public
// identity for transport.
func NewChatEnvelope(msg ChatMessage, sender UserInfo) Envelope {
	return Envelope{
		Kind:       KindChatMessage,
		Message:    msg,
		SenderInfo: sender,
	}
}
