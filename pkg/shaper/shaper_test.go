package shaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBucket(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NewBucket(0, time.Second), "zero rate is unlimited")

	b := NewBucket(200*bytesize.Mbps, 0)
	require.NotNil(t, b)
	assert.Equal(t, 25_000_000, b.Burst(), "default burst is one second")
	assert.Equal(t, 200*bytesize.Mbps, b.Rate())

	b = NewBucket(bytesize.Rate(1000), 100*time.Millisecond)
	assert.Equal(t, 100, b.Burst())

	b = NewBucket(bytesize.Rate(1), time.Millisecond)
	assert.Equal(t, 1, b.Burst(), "ceiling is never zero")
}

func TestNilBucketAndShaper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var b *Bucket
	require.NoError(t, b.Acquire(ctx, 1<<30))
	assert.Zero(t, b.Rate())
	assert.Zero(t, b.Burst())

	var s *Shaper
	require.NoError(t, s.Acquire(ctx, Up, 1<<30))
	assert.Zero(t, s.Acquired(Up))
	assert.Zero(t, s.Waited())
	assert.Nil(t, s.Bucket(Down))
	s.Close()
}

func TestUnlimitedShaperCounts(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	require.NoError(t, s.Acquire(context.Background(), Up, 10))
	require.NoError(t, s.Acquire(context.Background(), Down, 32))
	assert.Equal(t, uint64(10), s.Acquired(Up))
	assert.Equal(t, uint64(32), s.Acquired(Down))
	assert.True(t, Config{}.Unlimited())
}

func TestAcquireLargerThanBurst(t *testing.T) {
	t.Parallel()

	// 10 KB/s with a 1 KB ceiling: 3 KB needs about 0.2s after the
	// initial burst is spent.
	b := NewBucket(bytesize.Rate(10_000), 100*time.Millisecond)
	require.Equal(t, 1000, b.Burst())

	start := time.Now()
	require.NoError(t, b.Acquire(context.Background(), 3000))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	t.Parallel()

	s := New(Config{Up: bytesize.Rate(100), Burst: time.Second}, nil)
	require.NoError(t, s.Acquire(context.Background(), Up, 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, Up, 100) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire ignored cancellation")
	}
}

func TestAcquireAfterClose(t *testing.T) {
	t.Parallel()

	s := New(Config{Down: 10 * bytesize.Mbps}, nil)
	s.Close()
	assert.ErrorIs(t, s.Acquire(context.Background(), Down, 1), ErrClosed)
}

func TestSessionChargesParent(t *testing.T) {
	t.Parallel()

	global := New(Config{Up: bytesize.Rate(1_000_000)}, nil)
	a := New(Config{}, global)
	b := New(Config{}, global)

	require.NoError(t, a.Acquire(context.Background(), Up, 300))
	require.NoError(t, b.Acquire(context.Background(), Up, 200))
	assert.Equal(t, uint64(500), global.Acquired(Up))
	assert.Equal(t, uint64(300), a.Acquired(Up))
	assert.Zero(t, global.Acquired(Down))
}

// Over a sustained transfer the granted bytes stay within one burst of
// rate times elapsed time.
func TestSustainedThroughput(t *testing.T) {
	t.Parallel()

	const bytesPerSecond = 200_000
	b := NewBucket(bytesize.Rate(bytesPerSecond), 100*time.Millisecond)
	burst := b.Burst()

	const chunk = 4000
	ctx := context.Background()
	start := time.Now()
	total := 0
	for time.Since(start) < 500*time.Millisecond {
		require.NoError(t, b.Acquire(ctx, chunk))
		total += chunk
	}
	elapsed := time.Since(start).Seconds()

	upper := float64(bytesPerSecond)*elapsed + float64(burst) + chunk
	assert.LessOrEqual(t, float64(total), upper)
	assert.GreaterOrEqual(t, float64(total), float64(bytesPerSecond)*0.5*0.5)
}

func TestConcurrentAcquire(t *testing.T) {
	t.Parallel()

	s := New(Config{Up: bytesize.Rate(10_000_000)}, nil)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				assert.NoError(t, s.Acquire(context.Background(), Up, 1000))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(160_000), s.Acquired(Up))
}

func TestDirectionString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "up", Up.String())
	assert.Equal(t, "down", Down.String())
}
