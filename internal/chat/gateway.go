package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

type CommandType string

const (
	CmdJoinConversation  CommandType = "join_conversation"
	CmdLeaveConversation CommandType = "leave_conversation"
	CmdUserTyping        CommandType = "user_typing"
	CmdNewMessage        CommandType = "new_message"
	CmdMessageEdited     CommandType = "message_edited"
	CmdMessageDeleted    CommandType = "message_deleted"
	CmdMessageRead       CommandType = "message_read"
)

type JoinConversation struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
}

type LeaveConversation struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
}

type TypingCommand struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
	IsTyping       *bool `json:"is_typing" validate:"required"`
}

type NewMessage struct {
	ConversationID int64       `json:"conversation_id" validate:"required,gt=0"`
	Body           string      `json:"body" validate:"required,max=4000"`
	Type           MessageType `json:"type" validate:"omitempty,oneof=text attachment"`
}

type EditMessage struct {
	ConversationID int64  `json:"conversation_id" validate:"required,gt=0"`
	MessageID      int64  `json:"message_id" validate:"required,gt=0"`
	Body           string `json:"body" validate:"required,max=4000"`
}

type DeleteMessage struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
	MessageID      int64 `json:"message_id" validate:"required,gt=0"`
}

type MessageRead struct {
	ConversationID int64      `json:"conversation_id" validate:"required,gt=0"`
	MessageID      int64      `json:"message_id" validate:"required,gt=0"`
	ReadAt         *time.Time `json:"read_at"`
}

// Commander is the part of the Hub the gateway dispatches to.
type Commander interface {
	Join(ctx context.Context, conn *Connection, conversationID int64) error
	Leave(ctx context.Context, conn *Connection, conversationID int64) error
	SetTyping(ctx context.Context, conn *Connection, conversationID int64, isTyping bool) error
	SendMessage(ctx context.Context, conn *Connection, conversationID int64, body string, typ MessageType) (Envelope, error)
	EditMessage(ctx context.Context, conn *Connection, conversationID, messageID int64, body string) (Envelope, error)
	DeleteMessage(ctx context.Context, conn *Connection, conversationID, messageID int64) error
	MarkRead(ctx context.Context, conn *Connection, conversationID, messageID int64, readAt time.Time) error
}

// Gateway validates inbound frames against the fixed command set and
// dispatches them. Failures go back to the issuing connection as an error
// event and never close it.
type Gateway struct {
	hub      Commander
	validate *validator.Validate
	logger   *slog.Logger
}

func NewGateway(hub Commander, logger *slog.Logger) *Gateway {
	return &Gateway{
		hub:      hub,
		validate: validator.New(),
		logger:   logger.With("component", "gateway"),
	}
}

// Decode parses and validates one frame into a command value.
func (g *Gateway) Decode(data []byte) (CommandType, any, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("%w: malformed frame", ErrInvalidCommand)
	}

	cmdType := CommandType(f.Type)
	var cmd any
	switch cmdType {
	case CmdJoinConversation:
		cmd = &JoinConversation{}
	case CmdLeaveConversation:
		cmd = &LeaveConversation{}
	case CmdUserTyping:
		cmd = &TypingCommand{}
	case CmdNewMessage:
		cmd = &NewMessage{}
	case CmdMessageEdited:
		cmd = &EditMessage{}
	case CmdMessageDeleted:
		cmd = &DeleteMessage{}
	case CmdMessageRead:
		cmd = &MessageRead{}
	default:
		return cmdType, nil, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, f.Type)
	}

	if len(f.Payload) == 0 {
		return cmdType, nil, fmt.Errorf("%w: missing payload", ErrInvalidCommand)
	}
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return cmdType, nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := g.validate.Struct(cmd); err != nil {
		return cmdType, nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return cmdType, cmd, nil
}

// Handle processes one inbound frame from conn.
func (g *Gateway) Handle(ctx context.Context, conn *Connection, data []byte) {
	cmdType, cmd, err := g.Decode(data)
	if err == nil {
		err = g.dispatch(ctx, conn, cmd)
	}
	if err == nil {
		return
	}

	if errors.Is(err, ErrConnectionClosed) {
		return
	}
	code := errorCode(err)
	if code == CodeInternal {
		g.logger.Error("Command failed", "command", cmdType, "user_id", conn.UserID, "error", err)
	} else {
		g.logger.Debug("Command rejected", "command", cmdType, "user_id", conn.UserID, "code", code)
	}
	conn.deliver(ErrorEvent{Command: string(cmdType), Code: code, Message: err.Error()})
}

func (g *Gateway) dispatch(ctx context.Context, conn *Connection, cmd any) error {
	switch c := cmd.(type) {
	case *JoinConversation:
		return g.hub.Join(ctx, conn, c.ConversationID)
	case *LeaveConversation:
		return g.hub.Leave(ctx, conn, c.ConversationID)
	case *TypingCommand:
		return g.hub.SetTyping(ctx, conn, c.ConversationID, *c.IsTyping)
	case *NewMessage:
		_, err := g.hub.SendMessage(ctx, conn, c.ConversationID, c.Body, c.Type)
		return err
	case *EditMessage:
		_, err := g.hub.EditMessage(ctx, conn, c.ConversationID, c.MessageID, c.Body)
		return err
	case *DeleteMessage:
		return g.hub.DeleteMessage(ctx, conn, c.ConversationID, c.MessageID)
	case *MessageRead:
		var readAt time.Time
		if c.ReadAt != nil {
			readAt = *c.ReadAt
		}
		return g.hub.MarkRead(ctx, conn, c.ConversationID, c.MessageID, readAt)
	default:
		return fmt.Errorf("%w: unhandled %T", ErrInvalidCommand, cmd)
	}
}
