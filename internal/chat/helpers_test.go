package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIdentity accepts tokens of the form "token-<userID>".
type fakeIdentity struct{}

func (fakeIdentity) ResolveUser(_ context.Context, token string) (int64, string, error) {
	raw, ok := strings.CutPrefix(token, "token-")
	if !ok {
		return 0, "", errors.New("unknown token")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", err
	}
	return id, fmt.Sprintf("user%d", id), nil
}

type fakeDirectory struct {
	mu    sync.Mutex
	rooms map[int64]map[int64]bool
	calls int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{rooms: make(map[int64]map[int64]bool)}
}

func (d *fakeDirectory) add(conversationID int64, userIDs ...int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rooms[conversationID] == nil {
		d.rooms[conversationID] = make(map[int64]bool)
	}
	for _, id := range userIDs {
		d.rooms[conversationID][id] = true
	}
}

func (d *fakeDirectory) remove(conversationID, userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms[conversationID], userID)
}

func (d *fakeDirectory) IsParticipant(_ context.Context, userID, conversationID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.rooms[conversationID][userID], nil
}

func (d *fakeDirectory) ListParticipants(_ context.Context, conversationID int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for id := range d.rooms[conversationID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type memStore struct {
	mu            sync.Mutex
	nextID        int64
	messages      map[int64]*Envelope
	receipts      map[ReceiptKey]Receipt
	receiptWrites int
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[int64]*Envelope),
		receipts: make(map[ReceiptKey]Receipt),
	}
}

func (s *memStore) Persist(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if env.ID == 0 {
		s.nextID++
		env.ID = s.nextID
		cp := *env
		s.messages[env.ID] = &cp
		return nil
	}
	stored, ok := s.messages[env.ID]
	if !ok || stored.Deleted || stored.SenderID != env.SenderID || stored.ConversationID != env.ConversationID {
		return ErrStoreNotFound
	}
	stored.Body = env.Body
	stored.Edited = true
	stored.EditedAt = env.EditedAt
	env.Type = stored.Type
	env.CreatedAt = stored.CreatedAt
	return nil
}

func (s *memStore) MarkDeleted(_ context.Context, conversationID, messageID, senderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[messageID]
	if !ok || stored.Deleted || stored.SenderID != senderID || stored.ConversationID != conversationID {
		return ErrStoreNotFound
	}
	stored.Deleted = true
	stored.Body = ""
	return nil
}

func (s *memStore) PersistReceipt(_ context.Context, r Receipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[r.MessageID]
	if !ok || m.Deleted || m.ConversationID != r.ConversationID {
		return false, ErrStoreNotFound
	}
	if _, ok := s.receipts[r.ReceiptKey]; ok {
		return false, nil
	}
	s.receiptWrites++
	s.receipts[r.ReceiptKey] = r
	return true, nil
}

func (s *memStore) ExistingReceipt(_ context.Context, key ReceiptKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receipts[key]
	return ok, nil
}

func (s *memStore) MessagesAfter(_ context.Context, conversationID, afterID int64, limit int) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for id := afterID + 1; id <= s.nextID && len(out) < limit; id++ {
		if m, ok := s.messages[id]; ok && m.ConversationID == conversationID && !m.Deleted {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptWrites
}

type testEnv struct {
	hub   *Hub
	dir   *fakeDirectory
	store *memStore
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()
	dir := newFakeDirectory()
	store := newMemStore()
	o := Options{
		Identity:  fakeIdentity{},
		Directory: dir,
		Store:     store,
		Logger:    discardLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	hub, err := NewHub(o)
	require.NoError(t, err)
	t.Cleanup(hub.Close)
	return &testEnv{hub: hub, dir: dir, store: store}
}

func (e *testEnv) connect(t *testing.T, userID int64) *Connection {
	t.Helper()
	conn, err := e.hub.Connect(context.Background(), fmt.Sprintf("token-%d", userID))
	require.NoError(t, err)
	return conn
}

func (e *testEnv) join(t *testing.T, conn *Connection, conversationID int64) {
	t.Helper()
	require.NoError(t, e.hub.Join(context.Background(), conn, conversationID))
}

// next waits for the next event on conn.
func next(t *testing.T, conn *Connection) Event {
	t.Helper()
	select {
	case evt, ok := <-conn.Events():
		require.True(t, ok, "connection closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// nextOf skips events until one of type T arrives.
func nextOf[T Event](t *testing.T, conn *Connection) T {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt, ok := <-conn.Events():
			require.True(t, ok, "connection closed")
			if v, ok := evt.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// drain empties conn after letting asynchronous deliveries settle.
func drain(conn *Connection) []Event {
	time.Sleep(20 * time.Millisecond)
	var out []Event
	for {
		select {
		case evt, ok := <-conn.Events():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func countOf[T Event](events []Event) int {
	n := 0
	for _, e := range events {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

// blockLane holds the conversation's lane until the returned func is called,
// which also waits for everything queued behind the block to finish.
func (e *testEnv) blockLane(t *testing.T, conversationID int64) func() {
	t.Helper()
	gate := make(chan struct{})
	require.True(t, e.hub.seq.Submit(conversationKey(conversationID), func() { <-gate }))
	return func() {
		close(gate)
		require.NoError(t, e.hub.seq.Do(context.Background(), conversationKey(conversationID),
			func(context.Context) error { return nil }))
	}
}
