package chat

import (
	"context"
	"errors"
)

// The interfaces below are the collaborators the messaging core depends on.
// Repository implements ParticipantDirectory and MessageStore on PostgreSQL;
// user.Service implements IdentityResolver.

type IdentityResolver interface {
	// ResolveUser maps a credential token to a known, active account.
	ResolveUser(ctx context.Context, token string) (userID int64, username string, err error)
}

type ParticipantDirectory interface {
	IsParticipant(ctx context.Context, userID, conversationID int64) (bool, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]int64, error)
}

var ErrStoreNotFound = errors.New("not found")

type MessageStore interface {
	// Persist inserts a new message (ID == 0), assigning ID and CreatedAt,
	// or applies an edit to an existing message sent by env.SenderID.
	// Returns ErrStoreNotFound when the edit matches no live message.
	Persist(ctx context.Context, env *Envelope) error
	// MarkDeleted tombstones a message sent by senderID.
	MarkDeleted(ctx context.Context, conversationID, messageID, senderID int64) error
	// PersistReceipt reports false when the receipt was already stored, and
	// ErrStoreNotFound when the message is not a live message of r's conversation.
	PersistReceipt(ctx context.Context, r Receipt) (bool, error)
	ExistingReceipt(ctx context.Context, key ReceiptKey) (bool, error)
	// MessagesAfter returns up to limit live messages with ID > afterID, oldest first.
	MessagesAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]Envelope, error)
}
