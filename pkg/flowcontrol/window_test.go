package flowcontrol

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/veil/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowBasics(t *testing.T) {
	t.Parallel()

	w := NewWindow(100, 400)
	assert.Equal(t, uint64(100), w.Size())
	assert.Equal(t, uint64(100), w.Available())

	require.NoError(t, w.Consume(60))
	assert.Equal(t, uint64(40), w.Available())
	assert.Equal(t, uint64(60), w.InFlight())

	err := w.Consume(41)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestWindowUpdateAtHalf(t *testing.T) {
	t.Parallel()

	w := NewWindow(100, 400)
	require.NoError(t, w.Consume(60))

	assert.False(t, w.Ack(49), "below half the window, no update")
	assert.Equal(t, uint64(40), w.Available())

	assert.True(t, w.Ack(1))
	assert.Equal(t, uint64(100), w.Size(), "not exhausted, no growth")
	assert.Equal(t, uint64(90), w.Available())
	assert.Equal(t, uint64(1), w.Updates())
}

func TestWindowGrowsWhenExhausted(t *testing.T) {
	t.Parallel()

	w := NewWindow(100, 300)
	require.NoError(t, w.Consume(100))
	assert.Zero(t, w.Available())

	assert.True(t, w.Ack(100))
	assert.Equal(t, uint64(200), w.Size())
	assert.Equal(t, uint64(200), w.Available())

	require.NoError(t, w.Consume(200))
	assert.True(t, w.Ack(200))
	assert.Equal(t, uint64(300), w.Size(), "capped at max")

	require.NoError(t, w.Consume(300))
	assert.True(t, w.Ack(300))
	assert.Equal(t, uint64(300), w.Size())
}

func TestWindowAckClamped(t *testing.T) {
	t.Parallel()

	w := NewWindow(10, 10)
	require.NoError(t, w.Consume(4))
	w.Ack(100)
	assert.Zero(t, w.InFlight())
	assert.False(t, w.Ack(5), "nothing left to acknowledge")
}

func TestNewWindowNormalizes(t *testing.T) {
	t.Parallel()

	w := NewWindow(0, 0)
	assert.Equal(t, uint64(1), w.Size())
	require.NoError(t, w.Consume(1))
	assert.True(t, w.Ack(1))
	assert.Equal(t, uint64(1), w.Size())
}

// Random consume/ack interleavings never push the window past max and
// never leave a fully acknowledged reader blocked.
func TestWindowNeverExceedsMax(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		initial := uint64(1 + rng.Intn(64))
		max := initial * uint64(1+rng.Intn(8))
		w := NewWindow(initial, max)

		for step := 0; step < 500; step++ {
			if avail := w.Available(); avail > 0 && rng.Intn(2) == 0 {
				require.NoError(t, w.Consume(1+uint64(rng.Int63n(int64(avail)))))
			} else if inflight := w.InFlight(); inflight > 0 {
				w.Ack(1 + uint64(rng.Int63n(int64(inflight))))
			}
			require.LessOrEqual(t, w.Size(), max)
			require.GreaterOrEqual(t, w.Size(), initial)
		}

		w.Ack(w.InFlight())
		assert.Positive(t, w.Available(), "fully acknowledged window must have room")
	}
}

func TestWindowWait(t *testing.T) {
	t.Parallel()

	t.Run("ReturnsImmediatelyWithRoom", func(t *testing.T) {
		t.Parallel()
		w := NewWindow(8, 8)
		require.NoError(t, w.Wait(context.Background()))
	})

	t.Run("WakesOnUpdate", func(t *testing.T) {
		t.Parallel()
		w := NewWindow(8, 8)
		require.NoError(t, w.Consume(8))

		done := make(chan error, 1)
		go func() { done <- w.Wait(context.Background()) }()

		select {
		case <-done:
			t.Fatal("Wait returned before the window was acknowledged")
		case <-time.After(20 * time.Millisecond):
		}

		w.Ack(8)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Wait did not wake after update")
		}
	})

	t.Run("HonoursCancellation", func(t *testing.T) {
		t.Parallel()
		w := NewWindow(8, 8)
		require.NoError(t, w.Consume(8))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, w.Wait(ctx), context.DeadlineExceeded)
	})
}

func TestWindowConcurrentPipeline(t *testing.T) {
	t.Parallel()

	const total = 1 << 20
	w := NewWindow(1024, 8192)
	chunks := make(chan uint64, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	var received uint64
	go func() {
		defer wg.Done()
		for n := range chunks {
			received += n
			w.Ack(n)
		}
	}()

	ctx := context.Background()
	var sent uint64
	for sent < total {
		require.NoError(t, w.Wait(ctx))
		n := min(w.Available(), 700, total-sent)
		require.NoError(t, w.Consume(n))
		sent += n
		chunks <- n
	}
	close(chunks)
	wg.Wait()

	assert.Equal(t, uint64(total), received)
	assert.LessOrEqual(t, w.Size(), uint64(8192))
	assert.GreaterOrEqual(t, w.Size(), uint64(1024))
}
