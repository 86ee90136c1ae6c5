package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// PresenceBoard holds online state shared by every instance serving the
// same users.
type PresenceBoard interface {
	// Transition applies this instance's boundary for userID and publishes d
	// only if it is also the user's boundary across all instances.
	Transition(ctx context.Context, userID int64, online bool, d Delivery) (bool, error)
	Online(ctx context.Context, userIDs []int64) (map[int64]bool, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
}

// localBoard serves a single instance straight from its Registry.
type localBoard struct {
	registry *Registry
	fanout   Fanout
}

func (b localBoard) Transition(ctx context.Context, _ int64, _ bool, d Delivery) (bool, error) {
	return true, b.fanout.Publish(ctx, d)
}

func (b localBoard) Online(_ context.Context, userIDs []int64) (map[int64]bool, error) {
	return lo.SliceToMap(userIDs, func(id int64) (int64, bool) {
		return id, b.registry.Count(id) > 0
	}), nil
}

func (b localBoard) OnlineUsers(context.Context) ([]int64, error) {
	return b.registry.OnlineUsers(), nil
}

// Presence derives online/offline from the Registry. It keeps no connection
// bookkeeping of its own and is reset by a restart, which is accepted.
type Presence struct {
	board  PresenceBoard
	seq    *sequencer
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []TransitionFunc
}

// NewPresence subscribes to registry. A nil board keeps presence inside this process.
func NewPresence(registry *Registry, board PresenceBoard, seq *sequencer, fanout Fanout, logger *slog.Logger) *Presence {
	if board == nil {
		board = localBoard{registry: registry, fanout: fanout}
	}
	p := &Presence{
		board:  board,
		seq:    seq,
		logger: logger.With("component", "presence"),
	}
	registry.Subscribe(p.onTransition)
	return p
}

// OnChange registers a listener run after each of this instance's transitions.
func (p *Presence) OnChange(fn TransitionFunc) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// onTransition runs under the registry lock; queueing on the user's lane
// keeps transitions in the order the registry decided them.
func (p *Presence) onTransition(userID int64, online bool) {
	p.seq.Submit(userKey(userID), func() {
		var evt Event = UserOffline{UserID: userID}
		if online {
			evt = UserOnline{UserID: userID}
		}

		published, err := p.board.Transition(context.Background(), userID, online, Delivery{ExcludeUser: userID, Event: evt})
		if err != nil {
			p.logger.Error("Failed to publish presence", "user_id", userID, "error", err)
		} else if published {
			p.logger.Info("Presence changed", "user_id", userID, "online", online)
		}

		p.mu.RLock()
		listeners := p.listeners
		p.mu.RUnlock()
		for _, fn := range listeners {
			fn(userID, online)
		}
	})
}

func (p *Presence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	m, err := p.board.Online(ctx, []int64{userID})
	if err != nil {
		return false, err
	}
	return m[userID], nil
}

// Snapshot lists every online user.
func (p *Presence) Snapshot(ctx context.Context) (map[int64]bool, error) {
	ids, err := p.board.OnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	return lo.SliceToMap(ids, func(id int64) (int64, bool) {
		return id, true
	}), nil
}

// SnapshotFor reports online state for the given users, offline included.
func (p *Presence) SnapshotFor(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	return p.board.Online(ctx, userIDs)
}
