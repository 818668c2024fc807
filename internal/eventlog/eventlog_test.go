package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, ch <-chan T, n int) []T {
	t.Helper()
	out := make([]T, 0, n)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d items", len(out), n)
		}
	}
	return out
}

func TestQueue(t *testing.T) {
	t.Run("PushNeverBlocksAndPreservesOrder", func(t *testing.T) {
		q := NewQueue[int]()
		for i := 0; i < 10000; i++ {
			require.True(t, q.Push(i))
		}
		got := drain(t, q.Out(), 10000)
		for i, v := range got {
			require.Equal(t, i, v)
		}
	})

	t.Run("CloseDeliversPending", func(t *testing.T) {
		q := NewQueue[string]()
		q.Push("a")
		q.Push("b")
		q.Close()
		assert.False(t, q.Push("c"))

		var got []string
		for v := range q.Out() {
			got = append(got, v)
		}
		assert.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("DiscardDropsPending", func(t *testing.T) {
		q := NewQueue[int]()
		for i := 0; i < 100; i++ {
			q.Push(i)
		}
		q.Discard()
		q.Discard()

		n := 0
		for range q.Out() {
			n++
		}
		assert.Less(t, n, 100)
	})
}

func TestBus(t *testing.T) {
	t.Run("EverySubscriberSeesEveryEventInOrder", func(t *testing.T) {
		b := NewBus[int]()
		s1 := b.Subscribe()
		s2 := b.Subscribe()
		defer s1.Unsubscribe()
		defer s2.Unsubscribe()

		for i := 0; i < 500; i++ {
			b.Publish(i)
		}

		// s2 is read first; s1 keeps buffering without blocking Publish.
		got2 := drain(t, s2.C(), 500)
		got1 := drain(t, s1.C(), 500)
		for i := 0; i < 500; i++ {
			require.Equal(t, i, got1[i])
			require.Equal(t, i, got2[i])
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		b := NewBus[int]()
		s := b.Subscribe()
		require.Equal(t, 1, b.SubscriberCount())

		s.Unsubscribe()
		s.Unsubscribe()
		assert.Equal(t, 0, b.SubscriberCount())

		b.Publish(1)
		_, ok := <-s.C()
		assert.False(t, ok)
	})

	t.Run("CloseEndsSubscriptions", func(t *testing.T) {
		b := NewBus[string]()
		s := b.Subscribe()
		b.Publish("last")
		b.Close()

		got := drain(t, s.C(), 1)
		assert.Equal(t, []string{"last"}, got)
		_, ok := <-s.C()
		assert.False(t, ok)

		late := b.Subscribe()
		_, ok = <-late.C()
		assert.False(t, ok)
	})
}
