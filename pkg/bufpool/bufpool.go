// Package bufpool provides tiered byte-slice pools for the relay and frame
// codec so pumping data between QUIC streams and upstream sockets does not
// allocate per read.
//
// Three tiers are kept:
//   - Small (default 2KiB): control frames such as AUTH, OPEN and results
//   - Medium (default 16KiB): the relay copy buffer
//   - Large (default 64KiB+512): one full frame, used for UDP datagrams
//
// Larger requests are allocated directly and never pooled.
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
package bufpool

import "sync"

const (
	DefaultSmallSize  = 2 << 10
	DefaultMediumSize = 16 << 10
	DefaultLargeSize  = 64<<10 + 512
)

// Config sets the tier sizes. Zero fields take the defaults.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

// DefaultConfig returns the default tier sizes.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

type tier struct {
	size int
	pool sync.Pool
}

// Pool hands out byte slices from size tiers.
type Pool struct {
	tiers []*tier
}

// NewPool creates a pool. A nil cfg uses DefaultConfig.
func NewPool(cfg *Config) *Pool {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.SmallSize > 0 {
			c.SmallSize = cfg.SmallSize
		}
		if cfg.MediumSize > 0 {
			c.MediumSize = cfg.MediumSize
		}
		if cfg.LargeSize > 0 {
			c.LargeSize = cfg.LargeSize
		}
	}

	p := &Pool{}
	for _, size := range []int{c.SmallSize, c.MediumSize, c.LargeSize} {
		t := &tier{size: size}
		t.pool.New = func() any {
			buf := make([]byte, t.size)
			return &buf
		}
		p.tiers = append(p.tiers, t)
	}
	return p
}

// Get returns a slice of length size. Its capacity is the tier size, so
// callers may reslice up to cap. Return it with Put.
func (p *Pool) Get(size int) []byte {
	for _, t := range p.tiers {
		if size <= t.size {
			buf := *(t.pool.Get().(*[]byte))
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its tier. Slices whose capacity matches no tier are
// left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	for _, t := range p.tiers {
		if cap(buf) == t.size {
			full := buf[:cap(buf)]
			t.pool.Put(&full)
			return
		}
	}
}

// TierSizes returns the configured tier sizes, smallest first.
func (p *Pool) TierSizes() []int {
	sizes := make([]int, len(p.tiers))
	for i, t := range p.tiers {
		sizes[i] = t.size
	}
	return sizes
}

var globalPool = NewPool(nil)

// Get returns a buffer from the package-level pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the package-level pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
