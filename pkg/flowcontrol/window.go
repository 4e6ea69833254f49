package flowcontrol

import (
	"context"
	"sync"

	"github.com/marmos91/veil/pkg/protocol"
)

// Window tracks how many bytes a relay direction may read from its source
// before the destination has acknowledged them.
//
// The state is a function of consumed and acknowledged byte counts only.
// The limit advances when acknowledged bytes not yet announced reach half
// the window, and the window doubles up to max when the reader ran it dry
// since the previous update.
type Window struct {
	mu sync.Mutex

	initial uint64
	max     uint64
	size    uint64

	consumed  uint64
	acked     uint64
	announced uint64 // acked count at the last update
	limit     uint64 // consumed may not exceed this
	exhausted bool
	updates   uint64

	ready chan struct{} // closed and replaced on every update
}

// NewWindow creates a window starting at initial and growing to at most
// max. max below initial is raised to initial.
func NewWindow(initial, max uint64) *Window {
	if initial == 0 {
		initial = 1
	}
	if max < initial {
		max = initial
	}
	return &Window{
		initial: initial,
		max:     max,
		size:    initial,
		limit:   initial,
		ready:   make(chan struct{}),
	}
}

// Size returns the current window size.
func (w *Window) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Available returns how many bytes may be consumed now.
func (w *Window) Available() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit - w.consumed
}

// InFlight returns consumed bytes not yet acknowledged.
func (w *Window) InFlight() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consumed - w.acked
}

// Consume records n bytes read from the source. Consuming more than is
// available is a flow-control violation.
func (w *Window) Consume(n uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.limit-w.consumed {
		return protocol.Errorf(protocol.KindProtocol, "window.consume",
			"consume %d exceeds available %d", n, w.limit-w.consumed)
	}
	w.consumed += n
	if w.consumed == w.limit {
		w.exhausted = true
	}
	return nil
}

// Ack records n bytes delivered to the destination and reports whether a
// window update was issued. Acknowledging more than was consumed is
// clamped.
func (w *Window) Ack(n uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.consumed-w.acked {
		n = w.consumed - w.acked
	}
	w.acked += n

	if w.acked-w.announced < w.size/2 || w.acked == w.announced {
		return false
	}
	if w.exhausted && w.size < w.max {
		w.size *= 2
		if w.size > w.max {
			w.size = w.max
		}
	}
	w.exhausted = false
	w.announced = w.acked
	w.limit = w.acked + w.size
	w.updates++
	close(w.ready)
	w.ready = make(chan struct{})
	return true
}

// Updates returns the number of window updates issued.
func (w *Window) Updates() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updates
}

// Wait blocks until at least one byte is available or ctx is done.
func (w *Window) Wait(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.limit > w.consumed {
			w.mu.Unlock()
			return nil
		}
		ready := w.ready
		w.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
