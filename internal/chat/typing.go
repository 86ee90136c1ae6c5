package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTypingWindow is how long a typing flag lives without a refresh.
	DefaultTypingWindow = 6 * time.Second
	// DefaultTypingSweep is how often expired flags are swept.
	DefaultTypingSweep = 2 * time.Second
)

type typingEntry struct {
	username  string
	updatedAt time.Time
}

// Typing holds ephemeral (conversation, user) typing flags. Only transitions
// are broadcast; a refresh just moves the timestamp.
type Typing struct {
	seq    *sequencer
	fanout Fanout
	window time.Duration
	sweep  time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int64]map[int64]typingEntry
}

func NewTyping(seq *sequencer, fanout Fanout, window, sweep time.Duration, logger *slog.Logger) *Typing {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if sweep <= 0 {
		sweep = DefaultTypingSweep
	}
	return &Typing{
		seq:     seq,
		fanout:  fanout,
		window:  window,
		sweep:   sweep,
		now:     time.Now,
		logger:  logger.With("component", "typing"),
		entries: make(map[int64]map[int64]typingEntry),
	}
}

// Set upserts or clears a typing flag. It reports whether a transition was broadcast.
func (t *Typing) Set(conversationID, userID int64, username string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[conversationID]
	_, present := users[userID]

	if isTyping {
		if users == nil {
			users = make(map[int64]typingEntry)
			t.entries[conversationID] = users
		}
		users[userID] = typingEntry{username: username, updatedAt: t.now()}
		if present {
			return false
		}
	} else {
		if !present {
			return false
		}
		t.remove(conversationID, userID)
	}

	t.broadcast(conversationID, userID, username, isTyping)
	return true
}

// remove expects t.mu held.
func (t *Typing) remove(conversationID, userID int64) {
	users := t.entries[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
}

// broadcast expects t.mu held, which keeps submission order equal to
// transition order.
func (t *Typing) broadcast(conversationID, userID int64, username string, isTyping bool) {
	d := Delivery{
		ConversationID: conversationID,
		ExcludeUser:    userID,
		Event: UserTyping{
			ConversationID: conversationID,
			UserID:         userID,
			Username:       username,
			IsTyping:       isTyping,
		},
	}
	t.seq.Submit(conversationKey(conversationID), func() {
		if err := t.fanout.Publish(context.Background(), d); err != nil {
			t.logger.Error("Failed to publish typing", "conversation_id", conversationID, "error", err)
		}
	})
}

// Active lists users typing in a conversation, ignoring entries past the window
// even if the sweep has not run yet.
func (t *Typing) Active(conversationID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	var out []int64
	for userID, e := range t.entries[conversationID] {
		if e.updatedAt.After(cutoff) {
			out = append(out, userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sweep expires stale entries, broadcasting an implicit stop for each.
func (t *Typing) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	expired := 0
	for conversationID, users := range t.entries {
		for userID, e := range users {
			if e.updatedAt.After(cutoff) {
				continue
			}
			t.remove(conversationID, userID)
			t.broadcast(conversationID, userID, e.username, false)
			expired++
		}
	}
	if expired > 0 {
		t.logger.Debug("Expired typing indicators", "count", expired)
	}
	return expired
}

// ClearUser drops every flag held by userID, e.g. once they go offline.
func (t *Typing) ClearUser(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conversationID, users := range t.entries {
		if e, ok := users[userID]; ok {
			t.remove(conversationID, userID)
			t.broadcast(conversationID, userID, e.username, false)
		}
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (t *Typing) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
