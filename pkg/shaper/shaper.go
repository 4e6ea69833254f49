// Package shaper rate-limits relayed bytes with token buckets: one pair per
// session and an optional process-wide pair shared by every session.
package shaper

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/marmos91/veil/internal/bytesize"
	"golang.org/x/time/rate"
)

// DefaultBurst is the bucket ceiling expressed as time at the fill rate.
const DefaultBurst = time.Second

// ErrClosed is returned by Acquire after the shaper was released.
var ErrClosed = errors.New("shaper closed")

// Direction of relayed traffic.
type Direction uint8

const (
	// Up is client to upstream.
	Up Direction = iota
	// Down is upstream to client.
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Bucket is a token bucket counted in bytes. A nil *Bucket is unlimited.
type Bucket struct {
	limiter *rate.Limiter
	rate    bytesize.Rate
	burst   int
}

// NewBucket returns a bucket refilling at r with a ceiling of burst worth
// of throughput. An unlimited rate yields nil.
func NewBucket(r bytesize.Rate, burst time.Duration) *Bucket {
	if r.Unlimited() {
		return nil
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	size := float64(r.BytesPerSecond()) * burst.Seconds()
	if size > math.MaxInt32 {
		size = math.MaxInt32
	}
	b := max(int(size), 1)
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(r.BytesPerSecond()), b),
		rate:    r,
		burst:   b,
	}
}

// Rate returns the fill rate. Zero means unlimited.
func (b *Bucket) Rate() bytesize.Rate {
	if b == nil {
		return 0
	}
	return b.rate
}

// Burst returns the bucket ceiling in bytes. Zero means unlimited.
func (b *Bucket) Burst() int {
	if b == nil {
		return 0
	}
	return b.burst
}

// Acquire waits until n bytes of tokens were taken or ctx is done.
// Requests larger than the ceiling are served in ceiling-sized pieces.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if b == nil || n <= 0 {
		return ctx.Err()
	}
	for n > 0 {
		chunk := min(n, b.burst)
		if err := b.limiter.WaitN(ctx, chunk); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		n -= chunk
	}
	return nil
}

// Config sets the rates of one shaper.
type Config struct {
	Up    bytesize.Rate
	Down  bytesize.Rate
	Burst time.Duration
}

// Unlimited reports whether both directions are uncapped.
func (c Config) Unlimited() bool {
	return c.Up.Unlimited() && c.Down.Unlimited()
}

// Shaper limits both directions of one session, and of its parent when one
// is set. A nil *Shaper is unlimited.
//
// Thread Safety: All methods are safe for concurrent use.
type Shaper struct {
	up     *Bucket
	down   *Bucket
	parent *Shaper

	closed   atomic.Bool
	acquired [2]atomic.Uint64
	waited   atomic.Int64 // nanoseconds
}

// New creates a shaper. parent, typically the global shaper, is charged
// for the same bytes after this one.
func New(cfg Config, parent *Shaper) *Shaper {
	return &Shaper{
		up:     NewBucket(cfg.Up, cfg.Burst),
		down:   NewBucket(cfg.Down, cfg.Burst),
		parent: parent,
	}
}

// Bucket returns the bucket for dir, nil when unlimited.
func (s *Shaper) Bucket(dir Direction) *Bucket {
	if s == nil {
		return nil
	}
	if dir == Up {
		return s.up
	}
	return s.down
}

// Acquire takes n bytes of tokens for dir, waiting as needed. It returns
// ErrClosed once Close was called and ctx.Err() on cancellation.
func (s *Shaper) Acquire(ctx context.Context, dir Direction, n int) error {
	if s == nil {
		return ctx.Err()
	}
	if s.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	if err := s.Bucket(dir).Acquire(ctx, n); err != nil {
		return err
	}
	if err := s.parent.Acquire(ctx, dir, n); err != nil {
		return err
	}
	s.waited.Add(int64(time.Since(start)))
	if n > 0 {
		s.acquired[dir].Add(uint64(n))
	}
	return nil
}

// Acquired returns the bytes granted for dir.
func (s *Shaper) Acquired(dir Direction) uint64 {
	if s == nil {
		return 0
	}
	return s.acquired[dir].Load()
}

// Waited returns the time spent inside Acquire.
func (s *Shaper) Waited() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.waited.Load())
}

// Close releases the shaper. Pending waits end through their contexts;
// later calls to Acquire fail with ErrClosed.
func (s *Shaper) Close() {
	if s != nil {
		s.closed.Store(true)
	}
}
