package relay

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/marmos91/veil/pkg/bufpool"
	"github.com/marmos91/veil/pkg/flowcontrol"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/session"
	"github.com/marmos91/veil/pkg/shaper"
)

// pipelineDepth is how many read buffers may wait for the writer.
const pipelineDepth = 4

// direction is one half of a TCP relay.
type direction struct {
	dir      shaper.Direction
	src      io.Reader
	dst      io.Writer
	win      *flowcontrol.Window
	srcErr   func(error) error
	dstErr   func(error) error
	count    func(int)
	closeDst func() error // half-closes dst after src reached EOF
}

// relayTCP pumps both directions. A direction reaching EOF half-closes its
// destination while the other keeps running; a failure cancels both.
func (r *Relay) relayTCP(ctx context.Context, st *session.Stream, up net.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(errFinished)
	stop := context.AfterFunc(ctx, func() {
		_ = up.Close()
		st.Conn().CancelRead(protocol.StreamResetCode)
		st.Conn().CancelWrite(protocol.StreamResetCode)
	})
	defer stop()

	prof := st.Session().Profile()
	newWindow := func() *flowcontrol.Window {
		return flowcontrol.NewWindow(prof.InitialStreamWindow.Uint64(), prof.MaxStreamWindow.Uint64())
	}

	results := make(chan error, 2)
	go func() {
		results <- r.pump(ctx, st, direction{
			dir:      shaper.Up,
			src:      st.Conn(),
			dst:      up,
			win:      newWindow(),
			srcErr:   clientErr,
			dstErr:   upstreamErr,
			count:    st.AddBytesIn,
			closeDst: func() error { return closeWrite(up) },
		})
	}()
	go func() {
		results <- r.pump(ctx, st, direction{
			dir:      shaper.Down,
			src:      up,
			dst:      st.Conn(),
			win:      newWindow(),
			srcErr:   upstreamErr,
			dstErr:   clientErr,
			count:    st.AddBytesOut,
			closeDst: st.Conn().Close,
		})
	}()

	var first error
	for range 2 {
		err := <-results
		if err != nil {
			if first == nil {
				first = err
				cancel(err)
			}
			continue
		}
		st.HalfClose()
	}
	return first
}

// pump copies d.src to d.dst in order. A reader goroutine fills buffers no
// faster than the window allows; this goroutine acquires shaper tokens,
// writes, and acknowledges what was written.
func (r *Relay) pump(ctx context.Context, st *session.Stream, d direction) error {
	chunks := make(chan []byte, pipelineDepth)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		readErr <- r.fill(ctx, d, chunks)
	}()

	sh := st.Session().Shaper()
	for b := range chunks {
		n := len(b)
		err := r.acquire(ctx, sh, d.dir, n)
		if err == nil {
			_, err = d.dst.Write(b)
			if err != nil {
				err = d.dstErr(err)
			}
		}
		bufpool.Put(b)
		if err != nil {
			return err
		}
		d.win.Ack(uint64(n))
		d.count(n)
	}

	if err := <-readErr; err != nil {
		return err
	}
	if err := d.closeDst(); err != nil {
		return d.dstErr(err)
	}
	return nil
}

// fill reads from d.src until EOF, never holding more unacknowledged bytes
// than the window allows.
func (r *Relay) fill(ctx context.Context, d direction, chunks chan<- []byte) error {
	for {
		if err := d.win.Wait(ctx); err != nil {
			return err
		}
		n := min(int(d.win.Available()), r.cfg.BufferSize)
		buf := bufpool.Get(r.cfg.BufferSize)

		k, err := d.src.Read(buf[:n])
		if k > 0 {
			if cerr := d.win.Consume(uint64(k)); cerr != nil {
				bufpool.Put(buf)
				return cerr
			}
			select {
			case chunks <- buf[:k]:
			case <-ctx.Done():
				bufpool.Put(buf)
				return context.Cause(ctx)
			}
		} else {
			bufpool.Put(buf)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return d.srcErr(err)
		}
	}
}

func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
