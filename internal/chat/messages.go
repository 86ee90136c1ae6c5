package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Messages is the persistence bridge: persist first, then fan out, all on the
// conversation's lane so subscribers observe confirmation order.
type Messages struct {
	rooms  *Rooms
	store  MessageStore
	seq    *sequencer
	fanout Fanout
	now    func() time.Time
	logger *slog.Logger
}

func NewMessages(rooms *Rooms, store MessageStore, seq *sequencer, fanout Fanout, logger *slog.Logger) *Messages {
	return &Messages{
		rooms:  rooms,
		store:  store,
		seq:    seq,
		fanout: fanout,
		now:    time.Now,
		logger: logger.With("component", "messages"),
	}
}

func (m *Messages) Send(ctx context.Context, conn *Connection, conversationID int64, body string, typ MessageType) (Envelope, error) {
	if typ == "" {
		typ = MessageText
	}
	if !typ.Valid() {
		return Envelope{}, ErrInvalidCommand
	}

	var env Envelope
	err := m.seq.Do(ctx, conversationKey(conversationID), func(ctx context.Context) error {
		if !m.rooms.IsSubscribed(conn, conversationID) {
			return ErrNotSubscribed
		}

		env = Envelope{
			ConversationID: conversationID,
			SenderID:       conn.UserID,
			SenderName:     conn.Username,
			Body:           body,
			Type:           typ,
			CreatedAt:      m.now().UTC(),
		}
		if err := m.store.Persist(ctx, &env); err != nil {
			m.logger.Error("Persist failed",
				"conversation_id", conversationID,
				"user_id", conn.UserID,
				"error", err)
			return &PersistenceError{Op: "message", Err: err}
		}

		m.publish(ctx, Delivery{ConversationID: conversationID, Event: MessageReceived{Message: env}})
		return nil
	})
	return env, err
}

func (m *Messages) Edit(ctx context.Context, conn *Connection, conversationID, messageID int64, body string) (Envelope, error) {
	var env Envelope
	err := m.seq.Do(ctx, conversationKey(conversationID), func(ctx context.Context) error {
		if !m.rooms.IsSubscribed(conn, conversationID) {
			return ErrNotSubscribed
		}

		editedAt := m.now().UTC()
		env = Envelope{
			ID:             messageID,
			ConversationID: conversationID,
			SenderID:       conn.UserID,
			SenderName:     conn.Username,
			Body:           body,
			Edited:         true,
			EditedAt:       &editedAt,
		}
		if err := m.store.Persist(ctx, &env); err != nil {
			if errors.Is(err, ErrStoreNotFound) {
				return ErrMessageNotFound
			}
			return &PersistenceError{Op: "edit", Err: err}
		}

		m.publish(ctx, Delivery{ConversationID: conversationID, Event: MessageUpdated{Message: env}})
		return nil
	})
	return env, err
}

func (m *Messages) Delete(ctx context.Context, conn *Connection, conversationID, messageID int64) error {
	return m.seq.Do(ctx, conversationKey(conversationID), func(ctx context.Context) error {
		if !m.rooms.IsSubscribed(conn, conversationID) {
			return ErrNotSubscribed
		}

		if err := m.store.MarkDeleted(ctx, conversationID, messageID, conn.UserID); err != nil {
			if errors.Is(err, ErrStoreNotFound) {
				return ErrMessageNotFound
			}
			return &PersistenceError{Op: "delete", Err: err}
		}

		m.publish(ctx, Delivery{
			ConversationID: conversationID,
			Event: MessageRemoved{
				ConversationID: conversationID,
				MessageID:      messageID,
				DeletedAt:      m.now().UTC(),
			},
		})
		return nil
	})
}

func (m *Messages) publish(ctx context.Context, d Delivery) {
	if err := m.fanout.Publish(ctx, d); err != nil {
		m.logger.Error("Fan-out failed",
			"conversation_id", d.ConversationID,
			"event", d.Event.Type(),
			"error", err)
	}
}
