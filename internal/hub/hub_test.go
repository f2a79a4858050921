package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversInOrder(t *testing.T) {
	h := New[int](4)
	s, err := h.Subscribe()
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		h.Publish(i)
	}

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, uint64(3), s.Delivered())
}

func TestHub_DropOldest(t *testing.T) {
	h := New[int](2)
	s, err := h.Subscribe()
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		h.Publish(i)
	}

	// Only the newest two survive, still in order.
	v, ok := s.TryNext()
	require.True(t, ok)
	assert.Equal(t, 4, v)
	v, ok = s.TryNext()
	require.True(t, ok)
	assert.Equal(t, 5, v)
	_, ok = s.TryNext()
	assert.False(t, ok)

	assert.Equal(t, uint64(3), s.Dropped())
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := New[[]byte](DefaultQueueSize)

	// Subscribers that never read.
	for i := 0; i < 50; i++ {
		_, err := h.Subscribe()
		require.NoError(t, err)
	}

	payload := make([]byte, 1024)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			h.Publish(payload)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on stalled subscribers")
	}
	assert.Equal(t, uint64(10000), h.Published())
}

func TestHub_SlowSubscriberDoesNotAffectFast(t *testing.T) {
	h := New[int](2)
	fast, _ := h.Subscribe()
	slow, _ := h.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(got) < 100 {
			v, err := fast.Next(ctx)
			if err != nil {
				return
			}
			got = append(got, v)
		}
	}()

	for i := 0; i < 100; i++ {
		h.Publish(i)
		// Give the fast reader a chance to keep up.
		time.Sleep(100 * time.Microsecond)
	}
	h.Unsubscribe(fast)
	wg.Wait()

	// Fast sees an increasing subsequence, slow kept only the newest two.
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
	v, ok := slow.TryNext()
	require.True(t, ok)
	assert.Equal(t, 98, v)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := New[string](2)
	s, _ := h.Subscribe()
	require.Equal(t, 1, h.Len())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	h.Unsubscribe(s)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrUnsubscribed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Unsubscribe")
	}

	assert.Equal(t, 0, h.Len())
	h.Publish("ignored")
	_, ok := s.TryNext()
	assert.False(t, ok)

	// Twice is fine.
	h.Unsubscribe(s)
	<-s.Done()
}

func TestHub_NextHonoursContext(t *testing.T) {
	h := New[int](1)
	s, _ := h.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_Close(t *testing.T) {
	h := New[int](1)
	s, _ := h.Subscribe()

	h.Close()
	h.Close()

	_, err := h.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)
	assert.Equal(t, 0, h.Len())
	h.Publish(1)
}

func TestSubscriber_Drain(t *testing.T) {
	h := New[int](8)
	s, _ := h.Subscribe()

	for i := 0; i < 5; i++ {
		h.Publish(i)
	}

	errStop := errors.New("stop")
	var seen []int
	err := s.Drain(context.Background(), func(v int) error {
		seen = append(seen, v)
		if v == 3 {
			return errStop
		}
		return nil
	})

	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, []int{0, 1, 2, 3}, seen)
}

func TestHub_ConcurrentSubscribePublish(t *testing.T) {
	h := New[int](2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.Subscribe()
			if err != nil {
				return
			}
			for j := 0; j < 50; j++ {
				s.TryNext()
			}
			h.Unsubscribe(s)
		}()
	}
	for i := 0; i < 1000; i++ {
		h.Publish(i)
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}
