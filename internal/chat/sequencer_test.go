package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencer_PreservesOrderPerKey(t *testing.T) {
	s := newSequencer()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.Submit("room", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	s.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSequencer_KeysRunIndependently(t *testing.T) {
	s := newSequencer()
	defer s.Close()

	block := make(chan struct{})
	s.Submit("slow", func() { <-block })

	err := s.Do(context.Background(), "fast", func(context.Context) error { return nil })
	assert.NoError(t, err, "a blocked lane must not stall other keys")
	close(block)
}

func TestSequencer_NoConcurrentJobsOnOneKey(t *testing.T) {
	s := newSequencer()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), "k", func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	s.Close()

	assert.Equal(t, int32(1), maxRunning)
}

func TestSequencer_DoAfterClose(t *testing.T) {
	s := newSequencer()
	s.Close()

	err := s.Do(context.Background(), "k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestSequencer_ExpiredJobNeverRuns(t *testing.T) {
	s := newSequencer()
	block := make(chan struct{})
	s.Submit("k", func() { <-block })

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, "k", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	s.Close()
	assert.False(t, ran.Load(), "an abandoned job must not be applied")
}

func TestSequencer_StartedJobReportsItsOutcome(t *testing.T) {
	s := newSequencer()
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		result <- s.Do(ctx, "k", func(jobCtx context.Context) error {
			close(started)
			<-release
			return jobCtx.Err()
		})
	}()

	<-started
	cancel()
	close(release)
	assert.NoError(t, <-result, "a started job finishes under a detached context")
}
