package chat

import "time"

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
	MessageSystem     MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageAttachment, MessageSystem:
		return true
	}
	return false
}

// Envelope is the unit fanned out to room subscribers. Edits and deletes
// reuse the original ID; a deleted envelope carries no body.
type Envelope struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       int64       `json:"sender_id"`
	SenderName     string      `json:"sender_name,omitempty"`
	Body           string      `json:"body"`
	Type           MessageType `json:"type"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	Edited         bool        `json:"edited"`
	Deleted        bool        `json:"deleted"`
}

// ReceiptKey identifies a read receipt; at most one is recorded per key.
type ReceiptKey struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
	UserID         int64 `json:"user_id"`
}

type Receipt struct {
	ReceiptKey
	ReadAt time.Time `json:"read_at"`
}
