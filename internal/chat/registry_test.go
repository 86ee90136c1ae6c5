package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitionLog struct {
	mu      sync.Mutex
	online  map[int64]int
	offline map[int64]int
}

func watchTransitions(r *Registry) *transitionLog {
	l := &transitionLog{online: map[int64]int{}, offline: map[int64]int{}}
	r.Subscribe(func(userID int64, online bool) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if online {
			l.online[userID]++
		} else {
			l.offline[userID]++
		}
	})
	return l
}

func (l *transitionLog) counts(userID int64) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online[userID], l.offline[userID]
}

func TestRegistry_RejectsUnknownIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.hub.Connect(context.Background(), "forged")
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = env.hub.Connect(context.Background(), "")
	assert.ErrorIs(t, err, ErrAuthentication)

	assert.Empty(t, env.hub.Registry.All())
}

func TestRegistry_TransitionsOncePerBoundary(t *testing.T) {
	env := newTestEnv(t)
	log := watchTransitions(env.hub.Registry)

	a := env.connect(t, 1)
	b := env.connect(t, 1)
	c := env.connect(t, 1)
	on, off := log.counts(1)
	assert.Equal(t, 1, on, "extra tabs must not re-announce online")
	assert.Equal(t, 0, off)
	assert.Len(t, env.hub.Registry.ConnectionsFor(1), 3)

	env.hub.Disconnect(a)
	env.hub.Disconnect(b)
	_, off = log.counts(1)
	assert.Equal(t, 0, off, "user still has a live connection")

	env.hub.Disconnect(c)
	env.hub.Disconnect(c)
	on, off = log.counts(1)
	assert.Equal(t, 1, on)
	assert.Equal(t, 1, off)
	assert.Empty(t, env.hub.Registry.ConnectionsFor(1))

	d := env.connect(t, 1)
	on, _ = log.counts(1)
	assert.Equal(t, 2, on)
	env.hub.Disconnect(d)
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	env := newTestEnv(t)
	log := watchTransitions(env.hub.Registry)

	keep := env.connect(t, 5)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := env.hub.Connect(context.Background(), "token-5")
			if err != nil {
				return
			}
			env.hub.Disconnect(conn)
		}()
	}
	wg.Wait()

	on, off := log.counts(5)
	assert.Equal(t, 1, on)
	assert.Equal(t, 0, off)

	env.hub.Disconnect(keep)
	_, off = log.counts(5)
	assert.Equal(t, 1, off)
}

func TestRegistry_UnregisterLeavesEveryRoom(t *testing.T) {
	env := newTestEnv(t)
	env.dir.add(1, 1, 2)
	env.dir.add(2, 1, 2)

	u1 := env.connect(t, 1)
	u2 := env.connect(t, 2)
	env.join(t, u1, 1)
	env.join(t, u1, 2)
	env.join(t, u2, 1)
	drain(u2)

	env.hub.Disconnect(u1)

	assert.NotContains(t, env.hub.Rooms.SubscribersOf(1), u1)
	assert.Empty(t, env.hub.Rooms.SubscribersOf(2))
	assert.Empty(t, u1.Rooms())

	left := nextOf[UserLeft](t, u2)
	assert.Equal(t, int64(1), left.UserID)
	assert.Equal(t, int64(1), left.ConversationID)

	for range u1.Events() {
	}
	assert.True(t, u1.Closed(), "outbound stream closes on teardown")
}

func TestRegistry_DisconnectDuringJoinLeavesNoSubscriber(t *testing.T) {
	env := newTestEnv(t)
	env.dir.add(7, 1)

	for i := 0; i < 50; i++ {
		conn := env.connect(t, 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = env.hub.Join(context.Background(), conn, 7)
		}()
		go func() {
			defer wg.Done()
			env.hub.Disconnect(conn)
		}()
		wg.Wait()

		require.NotContains(t, env.hub.Rooms.SubscribersOf(7), conn)
	}
}
