// Package store persists the chat collections in a local sqlite
// database: settings, contacts, per-contact message history, stickers
// and moments.
package store

// Setting is an opaque key-value entry (current user, peer address).
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// Contact is a chat list entry: a person, an AI persona, or a group.
// PeerAddress links a contact to a remote peer, empty if unknown.
type Contact struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Avatar          string
	PeerAddress     string `gorm:"index"`
	IsAI            bool
	IsGroup         bool
	HasAIActive     bool
	LastMessage     string
	LastMessageTime int64
	CreatedAt       int64 // unix nanos, fixes insertion order for resolution
}

// Message is one stored conversation entry. Seq preserves arrival
// order within a contact's history.
type Message struct {
	Seq           int64  `gorm:"primaryKey;autoIncrement"`
	ID            string `gorm:"uniqueIndex"`
	ContactID     string `gorm:"index"`
	Content       string
	SenderID      string
	SenderName    string
	Timestamp     int64
	Type          string
	Status        string
	AudioDuration int
	Transcription string
	FileName      string
	FileSize      string
}

// Sticker is a saved custom sticker.
type Sticker struct {
	ID        string `gorm:"primaryKey"`
	URL       string
	Timestamp int64
}

// Comment is one comment under a moment, stored inline.
type Comment struct {
	ID         string `json:"id"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
}

// Moment is one feed post.
type Moment struct {
	ID           string `gorm:"primaryKey"`
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
	Images       []string  `gorm:"serializer:json"`
	Video        string
	Timestamp    int64
	Likes        []string  `gorm:"serializer:json"`
	Comments     []Comment `gorm:"serializer:json"`
}
