package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/bufpool"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/session"
	"github.com/marmos91/veil/pkg/shaper"
)

// maxDatagram is the largest UDP payload relayed in one frame.
const maxDatagram = 65507

// relayUDP forwards DATAGRAM frames to a connected UDP socket and wraps
// replies in DATAGRAM frames. When the client ends its side, replies keep
// flowing until the association has been idle for UDPIdleTimeout.
func (r *Relay) relayUDP(ctx context.Context, st *session.Stream, up net.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(errFinished)
	stop := context.AfterFunc(ctx, func() {
		_ = up.Close()
		st.Conn().CancelRead(protocol.StreamResetCode)
		// an idle end already closed the stream cleanly
		if !errors.Is(context.Cause(ctx), errFinished) {
			st.Conn().CancelWrite(protocol.StreamResetCode)
		}
	})
	defer stop()

	var last atomic.Int64
	touch := func() { last.Store(time.Now().UnixNano()) }
	touch()

	type result struct {
		dir shaper.Direction
		err error
	}
	results := make(chan result, 2)
	go func() { results <- result{shaper.Up, r.datagramsUp(ctx, st, up, touch)} }()
	go func() { results <- result{shaper.Down, r.datagramsDown(ctx, st, up, touch, &last)} }()

	var first error
	for range 2 {
		res := <-results
		switch {
		case res.err != nil:
			if first == nil && !errors.Is(context.Cause(ctx), errFinished) {
				first = res.err
				cancel(res.err)
			}
		case res.dir == shaper.Up:
			st.HalfClose()
		default:
			_ = st.Conn().Close()
			cancel(errFinished)
		}
	}
	return first
}

func (r *Relay) datagramsUp(ctx context.Context, st *session.Stream, up net.Conn, touch func()) error {
	buf := bufpool.Get(protocol.MaxPayloadSize)
	defer bufpool.Put(buf)

	sh := st.Session().Shaper()
	fr := protocol.NewFrameReader(st.Conn(), buf)
	for {
		f, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return clientErr(err)
		}
		if f.Type != protocol.FrameDatagram {
			return protocol.Errorf(protocol.KindProtocol, "relay.udp", "unexpected %s on datagram stream", f.Type)
		}
		if len(f.Payload) > maxDatagram {
			return protocol.Errorf(protocol.KindProtocol, "relay.udp", "datagram of %d bytes exceeds %d", len(f.Payload), maxDatagram)
		}
		touch()

		if err := r.acquire(ctx, sh, shaper.Up, len(f.Payload)); err != nil {
			return err
		}
		if _, err := up.Write(f.Payload); err != nil {
			return upstreamErr(err)
		}
		st.AddBytesIn(len(f.Payload))
	}
}

// datagramsDown returns nil once no datagram moved in either direction for
// UDPIdleTimeout.
func (r *Relay) datagramsDown(ctx context.Context, st *session.Stream, up net.Conn, touch func(), last *atomic.Int64) error {
	buf := bufpool.Get(protocol.MaxPayloadSize)
	defer bufpool.Put(buf)

	sh := st.Session().Shaper()
	for {
		deadline := time.Unix(0, last.Load()).Add(r.cfg.UDPIdleTimeout)
		if !time.Now().Before(deadline) {
			logger.DebugCtx(ctx, "udp association idle", "idle_timeout", r.cfg.UDPIdleTimeout.String())
			return nil
		}
		_ = up.SetReadDeadline(deadline)

		n, err := up.Read(buf[:maxDatagram])
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return upstreamErr(err)
		}
		touch()

		if err := r.acquire(ctx, sh, shaper.Down, n); err != nil {
			return err
		}
		if err := protocol.WriteFrame(st.Conn(), protocol.FrameDatagram, 0, buf[:n]); err != nil {
			return clientErr(err)
		}
		st.AddBytesOut(n)
	}
}
