package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const DefaultReceiptCacheSize = 10000

// Receipts records the first read of each (conversation, message, user).
// Repeats are answered from an in-process cache or the durable store and
// never re-broadcast. Receipts are never retracted.
type Receipts struct {
	rooms  *Rooms
	store  MessageStore
	seq    *sequencer
	fanout Fanout
	seen   *lru.Cache
	now    func() time.Time
	logger *slog.Logger
}

func NewReceipts(rooms *Rooms, store MessageStore, seq *sequencer, fanout Fanout, cacheSize int, logger *slog.Logger) (*Receipts, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultReceiptCacheSize
	}
	seen, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Receipts{
		rooms:  rooms,
		store:  store,
		seq:    seq,
		fanout: fanout,
		seen:   seen,
		now:    time.Now,
		logger: logger.With("component", "receipts"),
	}, nil
}

// MarkRead reports whether a new receipt was recorded. A duplicate is not an error.
func (r *Receipts) MarkRead(ctx context.Context, conn *Connection, conversationID, messageID int64, readAt time.Time) (bool, error) {
	key := ReceiptKey{ConversationID: conversationID, MessageID: messageID, UserID: conn.UserID}
	if readAt.IsZero() {
		readAt = r.now()
	}

	var recorded bool
	err := r.seq.Do(ctx, conversationKey(conversationID), func(ctx context.Context) error {
		if !r.rooms.IsSubscribed(conn, conversationID) {
			return ErrNotSubscribed
		}
		if r.seen.Contains(key) {
			return nil
		}

		exists, err := r.store.ExistingReceipt(ctx, key)
		if err != nil {
			return &PersistenceError{Op: "receipt lookup", Err: err}
		}
		if exists {
			r.seen.Add(key, struct{}{})
			return nil
		}

		receipt := Receipt{ReceiptKey: key, ReadAt: readAt.UTC()}
		inserted, err := r.store.PersistReceipt(ctx, receipt)
		if errors.Is(err, ErrStoreNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return &PersistenceError{Op: "receipt", Err: err}
		}
		r.seen.Add(key, struct{}{})
		if !inserted {
			// Another instance stored it first and broadcast it.
			return nil
		}
		recorded = true

		if err := r.fanout.Publish(ctx, Delivery{ConversationID: conversationID, Event: ReadReceipt{Receipt: receipt}}); err != nil {
			r.logger.Error("Fan-out failed", "conversation_id", conversationID, "error", err)
		}
		return nil
	})
	return recorded, err
}
