package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// TransitionFunc observes a user crossing the online/offline boundary.
// It is called with the registry lock held and must not block.
type TransitionFunc func(userID int64, online bool)

// Registry tracks the live connections of every user.
type Registry struct {
	identity IdentityResolver
	rooms    *Rooms
	buffer   int
	logger   *slog.Logger

	mu        sync.RWMutex
	users     map[int64]map[string]*Connection
	observers []TransitionFunc
}

func NewRegistry(identity IdentityResolver, rooms *Rooms, buffer int, logger *slog.Logger) *Registry {
	return &Registry{
		identity: identity,
		rooms:    rooms,
		buffer:   buffer,
		logger:   logger.With("component", "registry"),
		users:    make(map[int64]map[string]*Connection),
	}
}

// Subscribe adds a transition observer. Call before serving connections.
func (r *Registry) Subscribe(fn TransitionFunc) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Register authenticates token and adds a new connection for its user.
func (r *Registry) Register(ctx context.Context, token string) (*Connection, error) {
	if token == "" {
		return nil, ErrAuthentication
	}
	userID, username, err := r.identity.ResolveUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	conn := newConnection(userID, username, r.buffer)

	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]*Connection)
		r.users[userID] = conns
	}
	conns[conn.ID] = conn

	r.logger.Info("Connection registered",
		"user_id", userID,
		"conn_id", conn.ID,
		"connections", len(conns))

	if len(conns) == 1 {
		r.notify(userID, true)
	}
	return conn, nil
}

// Unregister tears a connection down: it leaves every joined room and, if it
// was the user's last connection, signals offline. Safe to call repeatedly.
func (r *Registry) Unregister(conn *Connection) {
	rooms, first := conn.close()
	if !first {
		return
	}

	for _, id := range rooms {
		if err := r.rooms.Leave(context.Background(), conn, id); err != nil {
			r.logger.Warn("Leave during teardown failed, evicting",
				"conn_id", conn.ID,
				"conversation_id", id,
				"error", err)
			r.rooms.evict(conn, id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.users[conn.UserID]
	if !ok {
		return
	}
	if _, ok := conns[conn.ID]; !ok {
		return
	}
	delete(conns, conn.ID)

	r.logger.Info("Connection unregistered",
		"user_id", conn.UserID,
		"conn_id", conn.ID,
		"remaining_connections", len(conns))

	if len(conns) == 0 {
		delete(r.users, conn.UserID)
		r.notify(conn.UserID, false)
	}
}

func (r *Registry) notify(userID int64, online bool) {
	for _, fn := range r.observers {
		fn(userID, online)
	}
}

// ConnectionsFor returns a snapshot of userID's live connections.
func (r *Registry) ConnectionsFor(userID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, conns := range r.users {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Count(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}
