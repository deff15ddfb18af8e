package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus(8)

	var mu sync.Mutex
	var got []string
	bus.Subscribe(func(ctx context.Context, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(payload))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("event-%d", i)
		want = append(want, msg)
		require.NoError(t, bus.Publish(ctx, []byte(msg)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestEventBusBlocksWhenFull(t *testing.T) {
	bus := NewEventBus(1) // no Start: nothing drains the queue

	require.NoError(t, bus.Publish(context.Background(), []byte("first")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, []byte("second"))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "publish into a full queue must block until cancelled")
}

func TestEventBusTapReceivesCopies(t *testing.T) {
	bus := NewEventBus(8)
	tap := bus.Tap()

	require.NoError(t, bus.Publish(context.Background(), []byte("observed")))

	select {
	case payload := <-tap:
		assert.Equal(t, "observed", string(payload))
	default:
		t.Fatal("tap should have received the payload synchronously")
	}

	bus.Untap(tap)
	assert.Equal(t, 0, bus.TapCount())
}

func TestEventBusSlowTapDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus(256)
	tap := bus.Tap() // never drained; buffer is 100

	for i := 0; i < 150; i++ {
		require.NoError(t, bus.Publish(context.Background(), []byte("x")))
	}

	assert.Equal(t, 100, len(tap), "tap keeps its buffer and drops the rest")
	assert.Equal(t, 150, bus.QueueDepth(), "handler queue is unaffected by tap overflow")
}

func TestEventBusCloseRejectsPublish(t *testing.T) {
	bus := NewEventBus(4)
	bus.Close()

	err := bus.Publish(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, ErrBusClosed)
}
