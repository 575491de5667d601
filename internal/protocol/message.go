// Package protocol defines the chat data model and the envelope
// exchanged between peers over a data channel.
package protocol

// MessageType tags the payload carried in a chat message's content
// field. Non-text payloads ride the content field as data URIs.
type MessageType string

const (
	TypeText   MessageType = "TEXT"
	TypeImage  MessageType = "IMAGE"
	TypeAudio  MessageType = "AUDIO"
	TypeFile   MessageType = "FILE"
	TypeSystem MessageType = "SYSTEM"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeFile, TypeSystem:
		return true
	}
	return false
}

// MessageStatus tracks local delivery state of a message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusRead    MessageStatus = "read"
)

// ChatMessage is one entry in a conversation history. SenderID is a
// conversational id ("me" or a local contact id), never a peer
// address; the reconciler rewrites it on receipt.
type ChatMessage struct {
	ID            string        `json:"id"`
	Content       string        `json:"content"`
	SenderID      string        `json:"senderId"`
	SenderName    string        `json:"senderName,omitempty"`
	Timestamp     int64         `json:"timestamp"`
	Type          MessageType   `json:"type"`
	Status        MessageStatus `json:"status,omitempty"`
	AudioDuration int           `json:"audioDuration,omitempty"`
	Transcription string        `json:"transcription,omitempty"`
	FileName      string        `json:"fileName,omitempty"`
	FileSize      string        `json:"fileSize,omitempty"`
}

// UserInfo is the public identity attached to an outbound envelope.
// ID carries the sender's peer address, which is distinct from the
// conversational sender id inside the wrapped message.
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}
