package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventMessageReceived    EventType = "message_received"
	EventMessageUpdated     EventType = "message_updated"
	EventMessageRemoved     EventType = "message_removed"
	EventUserTyping         EventType = "user_typing"
	EventUserJoined         EventType = "user_joined"
	EventUserLeft           EventType = "user_left"
	EventUserOnline         EventType = "user_online"
	EventUserOffline        EventType = "user_offline"
	EventReadReceipt        EventType = "message_read_receipt"
	EventConversationJoined EventType = "conversation_joined"
	EventError              EventType = "error"
)

// Event is the closed set of things delivered to a connection.
// Handlers switch on the concrete type.
type Event interface {
	Type() EventType
}

type MessageReceived struct {
	Message Envelope `json:"message"`
}

type MessageUpdated struct {
	Message Envelope `json:"message"`
}

type MessageRemoved struct {
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

type UserTyping struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type UserJoined struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username,omitempty"`
}

type UserLeft struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username,omitempty"`
}

type UserOnline struct {
	UserID int64 `json:"user_id"`
}

type UserOffline struct {
	UserID int64 `json:"user_id"`
}

type ReadReceipt struct {
	Receipt
}

// ConversationJoined acknowledges a join to the joiner only.
type ConversationJoined struct {
	ConversationID int64          `json:"conversation_id"`
	Participants   []int64        `json:"participants"`
	Online         map[int64]bool `json:"online"`
}

// ErrorEvent reports a rejected command to the connection that issued it.
type ErrorEvent struct {
	Command string `json:"command,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (MessageReceived) Type() EventType    { return EventMessageReceived }
func (MessageUpdated) Type() EventType     { return EventMessageUpdated }
func (MessageRemoved) Type() EventType     { return EventMessageRemoved }
func (UserTyping) Type() EventType         { return EventUserTyping }
func (UserJoined) Type() EventType         { return EventUserJoined }
func (UserLeft) Type() EventType           { return EventUserLeft }
func (UserOnline) Type() EventType         { return EventUserOnline }
func (UserOffline) Type() EventType        { return EventUserOffline }
func (ReadReceipt) Type() EventType        { return EventReadReceipt }
func (ConversationJoined) Type() EventType { return EventConversationJoined }
func (ErrorEvent) Type() EventType         { return EventError }

// Frame is the JSON shape of every websocket message, in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: string(e.Type()), Payload: payload})
}

var eventFactories = map[EventType]func() Event{
	EventMessageReceived:    func() Event { return &MessageReceived{} },
	EventMessageUpdated:     func() Event { return &MessageUpdated{} },
	EventMessageRemoved:     func() Event { return &MessageRemoved{} },
	EventUserTyping:         func() Event { return &UserTyping{} },
	EventUserJoined:         func() Event { return &UserJoined{} },
	EventUserLeft:           func() Event { return &UserLeft{} },
	EventUserOnline:         func() Event { return &UserOnline{} },
	EventUserOffline:        func() Event { return &UserOffline{} },
	EventReadReceipt:        func() Event { return &ReadReceipt{} },
	EventConversationJoined: func() Event { return &ConversationJoined{} },
	EventError:              func() Event { return &ErrorEvent{} },
}

// DecodeEvent is the inverse of EncodeEvent. It returns value types, not pointers.
func DecodeEvent(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	factory, ok := eventFactories[EventType(f.Type)]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", f.Type)
	}
	ptr := factory()
	if err := json.Unmarshal(f.Payload, ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return deref(ptr), nil
}

func deref(e Event) Event {
	switch v := e.(type) {
	case *MessageReceived:
		return *v
	case *MessageUpdated:
		return *v
	case *MessageRemoved:
		return *v
	case *UserTyping:
		return *v
	case *UserJoined:
		return *v
	case *UserLeft:
		return *v
	case *UserOnline:
		return *v
	case *UserOffline:
		return *v
	case *ReadReceipt:
		return *v
	case *ConversationJoined:
		return *v
	case *ErrorEvent:
		return *v
	}
	return e
}
