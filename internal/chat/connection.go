package chat

import (
	"sync"

	"github.com/google/uuid"
)

// Connection is one live session of a user, owned by the Registry.
// The transport reads Events() and closes the socket once Events() is closed
// or Kicked() fires.
type Connection struct {
	ID       string
	UserID   int64
	Username string

	mu     sync.Mutex
	send   chan Event
	rooms  map[int64]struct{}
	closed bool

	kick     chan struct{}
	kickOnce sync.Once
}

func newConnection(userID int64, username string, buffer int) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		send:     make(chan Event, buffer),
		rooms:    make(map[int64]struct{}),
		kick:     make(chan struct{}),
	}
}

// Events is the outbound stream; it is closed when the connection is unregistered.
func (c *Connection) Events() <-chan Event { return c.send }

// Kicked fires when the hub wants the transport to drop this connection,
// e.g. because its outbound buffer overflowed.
func (c *Connection) Kicked() <-chan struct{} { return c.kick }

// Rooms returns the conversations this connection has joined.
func (c *Connection) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver never blocks. A full buffer kicks the connection.
func (c *Connection) deliver(e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- e:
		return true
	default:
		c.kickOnce.Do(func() { close(c.kick) })
		return false
	}
}

// addRoom fails once teardown has started, so a join racing a disconnect
// cannot leave a subscriber behind.
func (c *Connection) addRoom(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	c.rooms[id] = struct{}{}
	return nil
}

func (c *Connection) removeRoom(id int64) {
	c.mu.Lock()
	delete(c.rooms, id)
	c.mu.Unlock()
}

// close marks the connection closed and returns the rooms it had joined.
// It reports false if it was already closed.
func (c *Connection) close() ([]int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	close(c.send)
	rooms := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms, true
}
