package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultSendBuffer = 256

type Options struct {
	Identity  IdentityResolver
	Directory ParticipantDirectory
	Store     MessageStore

	// Fanout defaults to in-process delivery.
	Fanout Fanout

	// Presence defaults to this process's Registry.
	Presence PresenceBoard

	TypingWindow     time.Duration
	TypingSweep      time.Duration
	ReceiptCacheSize int
	SendBuffer       int
	Logger           *slog.Logger
}

// Hub wires the messaging components together. Each component is reachable
// for callers that need the narrower contract.
type Hub struct {
	Registry  *Registry
	Rooms     *Rooms
	Presence  *Presence
	Typing    *Typing
	Messages  *Messages
	Receipts  *Receipts
	directory ParticipantDirectory

	seq    *sequencer
	fanout Fanout
	logger *slog.Logger

	stopOnce sync.Once
}

func NewHub(opts Options) (*Hub, error) {
	if opts.Identity == nil || opts.Directory == nil || opts.Store == nil {
		return nil, errors.New("chat: identity, directory and store are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fanout := opts.Fanout
	if fanout == nil {
		fanout = NewLocalFanout()
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}

	seq := newSequencer()
	h := &Hub{
		directory: opts.Directory,
		seq:       seq,
		fanout:    fanout,
		logger:    logger.With("component", "hub"),
	}

	h.Rooms = NewRooms(opts.Directory, seq, fanout, logger)
	h.Registry = NewRegistry(opts.Identity, h.Rooms, buffer, logger)
	h.Presence = NewPresence(h.Registry, opts.Presence, seq, fanout, logger)
	h.Typing = NewTyping(seq, fanout, opts.TypingWindow, opts.TypingSweep, logger)
	h.Messages = NewMessages(h.Rooms, opts.Store, seq, fanout, logger)

	receipts, err := NewReceipts(h.Rooms, opts.Store, seq, fanout, opts.ReceiptCacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("receipt cache: %w", err)
	}
	h.Receipts = receipts

	h.Rooms.OnUserLeft(func(conversationID, userID int64, username string) {
		h.Typing.Set(conversationID, userID, username, false)
	})
	h.Presence.OnChange(func(userID int64, online bool) {
		if !online {
			h.Typing.ClearUser(userID)
		}
	})
	fanout.Bind(h.deliverLocal)
	return h, nil
}

// Run drives the typing sweeper and the fan-out receiver until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("Hub running")
	go h.Typing.Run(ctx)
	return h.fanout.Run(ctx)
}

// Close stops accepting work and waits for queued room events to drain.
func (h *Hub) Close() {
	h.stopOnce.Do(h.seq.Close)
}

func (h *Hub) deliverLocal(d Delivery) {
	var targets []*Connection
	if d.ConversationID == 0 {
		targets = h.Registry.All()
	} else {
		targets = h.Rooms.SubscribersOf(d.ConversationID)
	}
	for _, c := range targets {
		if !d.accepts(c) {
			continue
		}
		if !c.deliver(d.Event) && !c.Closed() {
			h.logger.Warn("Outbound buffer full, dropping connection",
				"conn_id", c.ID,
				"user_id", c.UserID)
		}
	}
}

// Connect authenticates a new connection. The caller owns the transport and
// must call Disconnect when it ends.
func (h *Hub) Connect(ctx context.Context, token string) (*Connection, error) {
	return h.Registry.Register(ctx, token)
}

func (h *Hub) Disconnect(conn *Connection) {
	h.Registry.Unregister(conn)
}

// Join admits conn and acknowledges with the participant list and their
// current presence. The acknowledgment goes to conn alone; a repeated join
// gets none.
func (h *Hub) Join(ctx context.Context, conn *Connection, conversationID int64) error {
	added, err := h.Rooms.Join(ctx, conn, conversationID)
	if err != nil || !added {
		return err
	}

	participants, err := h.directory.ListParticipants(ctx, conversationID)
	if err != nil {
		h.logger.Warn("Participant listing failed", "conversation_id", conversationID, "error", err)
		participants = []int64{}
	}
	online, err := h.Presence.SnapshotFor(ctx, participants)
	if err != nil {
		h.logger.Warn("Presence lookup failed", "conversation_id", conversationID, "error", err)
		online = map[int64]bool{}
	}
	conn.deliver(ConversationJoined{
		ConversationID: conversationID,
		Participants:   participants,
		Online:         online,
	})
	return nil
}

func (h *Hub) Leave(ctx context.Context, conn *Connection, conversationID int64) error {
	return h.Rooms.Leave(ctx, conn, conversationID)
}

func (h *Hub) SetTyping(_ context.Context, conn *Connection, conversationID int64, isTyping bool) error {
	if !h.Rooms.IsSubscribed(conn, conversationID) {
		return ErrNotSubscribed
	}
	h.Typing.Set(conversationID, conn.UserID, conn.Username, isTyping)
	return nil
}

func (h *Hub) SendMessage(ctx context.Context, conn *Connection, conversationID int64, body string, typ MessageType) (Envelope, error) {
	return h.Messages.Send(ctx, conn, conversationID, body, typ)
}

func (h *Hub) EditMessage(ctx context.Context, conn *Connection, conversationID, messageID int64, body string) (Envelope, error) {
	return h.Messages.Edit(ctx, conn, conversationID, messageID, body)
}

func (h *Hub) DeleteMessage(ctx context.Context, conn *Connection, conversationID, messageID int64) error {
	return h.Messages.Delete(ctx, conn, conversationID, messageID)
}

func (h *Hub) MarkRead(ctx context.Context, conn *Connection, conversationID, messageID int64, readAt time.Time) error {
	_, err := h.Receipts.MarkRead(ctx, conn, conversationID, messageID, readAt)
	return err
}
