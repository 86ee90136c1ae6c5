package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// sequencer runs jobs one at a time per key, in submission order.
// Jobs for different keys run concurrently. A lane's goroutine exits once
// its queue drains, so idle conversations cost nothing.
type sequencer struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type lane struct {
	queue []func()
}

func newSequencer() *sequencer {
	return &sequencer{lanes: make(map[string]*lane)}
}

func conversationKey(id int64) string { return fmt.Sprintf("conversation:%d", id) }
func userKey(id int64) string         { return fmt.Sprintf("user:%d", id) }

// Submit enqueues fn without blocking. It reports false once the sequencer is closed.
func (s *sequencer) Submit(key string, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	if l, ok := s.lanes[key]; ok {
		l.queue = append(l.queue, fn)
		return true
	}

	l := &lane{queue: []func(){fn}}
	s.lanes[key] = l
	s.wg.Add(1)
	go s.drain(key, l)
	return true
}

func (s *sequencer) drain(key string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		s.mu.Unlock()

		fn()
	}
}

// Do runs fn on key's lane and waits for its result. A job still queued when
// ctx ends is abandoned without running. A job that has started runs to
// completion under a context detached from ctx's deadline, and Do reports
// its real outcome. Never call Do for a key from inside a job running on
// that same key.
func (s *sequencer) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	var state atomic.Int32
	done := make(chan error, 1)

	job := func() {
		if ctx.Err() != nil || !state.CompareAndSwap(jobQueued, jobStarted) {
			return
		}
		done <- fn(context.WithoutCancel(ctx))
	}
	if !s.Submit(key, job) {
		return ErrHubStopped
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

// Close rejects new jobs and waits for queued ones to finish.
func (s *sequencer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
