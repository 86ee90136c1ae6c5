package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

type room struct {
	mu   sync.RWMutex
	subs map[string]*Connection
}

// Rooms maps conversations to their subscribed connections. Every mutation
// of one room runs on that conversation's sequencer lane; each room carries
// its own lock for readers, so conversations never contend with each other.
type Rooms struct {
	directory ParticipantDirectory
	seq       *sequencer
	fanout    Fanout
	logger    *slog.Logger

	mu     sync.RWMutex
	rooms  map[int64]*room
	onLeft []LeaveFunc
}

// LeaveFunc observes a user's last connection leaving a conversation.
// It runs on the conversation's lane.
type LeaveFunc func(conversationID, userID int64, username string)

func NewRooms(directory ParticipantDirectory, seq *sequencer, fanout Fanout, logger *slog.Logger) *Rooms {
	return &Rooms{
		directory: directory,
		seq:       seq,
		fanout:    fanout,
		logger:    logger.With("component", "rooms"),
		rooms:     make(map[int64]*room),
	}
}

// OnUserLeft registers fn. Call before serving connections.
func (r *Rooms) OnUserLeft(fn LeaveFunc) {
	r.mu.Lock()
	r.onLeft = append(r.onLeft, fn)
	r.mu.Unlock()
}

func (r *Rooms) get(conversationID int64) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[conversationID]
}

func (r *Rooms) getOrCreate(conversationID int64) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		rm = &room{subs: make(map[string]*Connection)}
		r.rooms[conversationID] = rm
	}
	return rm
}

func (r *Rooms) dropIfEmpty(conversationID int64, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.RLock()
	empty := len(rm.subs) == 0
	rm.mu.RUnlock()
	if empty && r.rooms[conversationID] == rm {
		delete(r.rooms, conversationID)
	}
}

// Join admits conn to a conversation after asking the participant directory.
// It reports whether conn was newly added; a repeated join is a silent no-op.
func (r *Rooms) Join(ctx context.Context, conn *Connection, conversationID int64) (bool, error) {
	if conn.Closed() {
		return false, ErrConnectionClosed
	}

	ok, err := r.directory.IsParticipant(ctx, conn.UserID, conversationID)
	if err != nil {
		return false, fmt.Errorf("participant lookup: %w", err)
	}
	if !ok {
		r.logger.Info("Join rejected",
			"user_id", conn.UserID,
			"conversation_id", conversationID)
		return false, ErrNotAuthorized
	}

	var added bool
	err = r.seq.Do(ctx, conversationKey(conversationID), func(ctx context.Context) error {
		rm := r.getOrCreate(conversationID)

		rm.mu.RLock()
		_, already := rm.subs[conn.ID]
		rm.mu.RUnlock()
		if already {
			return nil
		}

		if err := conn.addRoom(conversationID); err != nil {
			r.dropIfEmpty(conversationID, rm)
			return err
		}
		rm.mu.Lock()
		rm.subs[conn.ID] = conn
		rm.mu.Unlock()
		added = true

		r.publish(ctx, Delivery{
			ConversationID: conversationID,
			ExcludeConn:    conn.ID,
			Event: UserJoined{
				ConversationID: conversationID,
				UserID:         conn.UserID,
				Username:       conn.Username,
			},
		})
		return nil
	})
	if err != nil {
		return false, err
	}

	if added {
		r.logger.Debug("Joined conversation",
			"user_id", conn.UserID,
			"conn_id", conn.ID,
			"conversation_id", conversationID)
	}
	return added, nil
}

// Leave removes conn from a conversation. Leaving a room one is not in is a no-op.
func (r *Rooms) Leave(ctx context.Context, conn *Connection, conversationID int64) error {
	return r.seq.Do(ctx, conversationKey(conversationID), func(ctx context.Context) error {
		rm := r.get(conversationID)
		conn.removeRoom(conversationID)
		if rm == nil {
			return nil
		}

		rm.mu.Lock()
		_, present := rm.subs[conn.ID]
		delete(rm.subs, conn.ID)
		lastForUser := !lo.SomeBy(lo.Values(rm.subs), func(c *Connection) bool {
			return c.UserID == conn.UserID
		})
		rm.mu.Unlock()
		if !present {
			return nil
		}
		r.dropIfEmpty(conversationID, rm)

		r.publish(ctx, Delivery{
			ConversationID: conversationID,
			Event: UserLeft{
				ConversationID: conversationID,
				UserID:         conn.UserID,
				Username:       conn.Username,
			},
		})

		if lastForUser {
			r.mu.RLock()
			listeners := r.onLeft
			r.mu.RUnlock()
			for _, fn := range listeners {
				fn(conversationID, conn.UserID, conn.Username)
			}
		}
		return nil
	})
}

// evict removes conn without notifying anyone. Used when the sequencer is
// already shut down.
func (r *Rooms) evict(conn *Connection, conversationID int64) {
	conn.removeRoom(conversationID)
	rm := r.get(conversationID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	delete(rm.subs, conn.ID)
	rm.mu.Unlock()
	r.dropIfEmpty(conversationID, rm)
}

// SubscribersOf returns a snapshot of the conversation's subscribers.
func (r *Rooms) SubscribersOf(conversationID int64) []*Connection {
	rm := r.get(conversationID)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return lo.Values(rm.subs)
}

func (r *Rooms) IsSubscribed(conn *Connection, conversationID int64) bool {
	rm := r.get(conversationID)
	if rm == nil {
		return false
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.subs[conn.ID]
	return ok
}

func (r *Rooms) publish(ctx context.Context, d Delivery) {
	if err := r.fanout.Publish(ctx, d); err != nil {
		r.logger.Error("Fan-out failed",
			"conversation_id", d.ConversationID,
			"event", d.Event.Type(),
			"error", err)
	}
}
