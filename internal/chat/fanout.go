package chat

import (
	"context"
	"sync"
)

// Delivery addresses one event. A zero ConversationID means every live
// connection (presence); otherwise the conversation's current subscribers.
type Delivery struct {
	ConversationID int64
	ExcludeConn    string
	ExcludeUser    int64
	Event          Event
}

func (d Delivery) accepts(c *Connection) bool {
	if d.ExcludeConn != "" && c.ID == d.ExcludeConn {
		return false
	}
	if d.ExcludeUser != 0 && c.UserID == d.ExcludeUser {
		return false
	}
	return true
}

// Fanout carries deliveries to the connections that should receive them.
// Publish is called from a single conversation lane at a time, so an
// implementation that preserves call order preserves room order.
type Fanout interface {
	Bind(deliver func(Delivery))
	Publish(ctx context.Context, d Delivery) error
	Run(ctx context.Context) error
}

// LocalFanout delivers in-process, synchronously.
type LocalFanout struct {
	mu      sync.RWMutex
	deliver func(Delivery)
}

func NewLocalFanout() *LocalFanout { return &LocalFanout{} }

func (f *LocalFanout) Bind(deliver func(Delivery)) {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
}

func (f *LocalFanout) Publish(_ context.Context, d Delivery) error {
	f.mu.RLock()
	deliver := f.deliver
	f.mu.RUnlock()
	if deliver != nil {
		deliver(d)
	}
	return nil
}

func (f *LocalFanout) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
