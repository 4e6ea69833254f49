package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marmos91/veil/pkg/metrics"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/transport"
)

// Stream is one relayed logical stream of a Session. It owns the transport
// stream; the relay owns the upstream connection and must release it when
// Context is done.
type Stream struct {
	id        uint64
	kind      protocol.StreamKind
	target    string
	sess      *Session
	raw       transport.Stream
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	// stopReset unregisters the hook that resets raw on cancellation.
	stopReset func() bool

	state     atomic.Int32
	responded atomic.Bool
	bytesIn   atomic.Uint64 // client to upstream
	bytesOut  atomic.Uint64 // upstream to client
}

func (st *Stream) ID() uint64                { return st.id }
func (st *Stream) Kind() protocol.StreamKind { return st.kind }
func (st *Stream) Target() string            { return st.target }
func (st *Stream) Session() *Session         { return st.sess }
func (st *Stream) CreatedAt() time.Time      { return st.createdAt }

// Conn returns the client side of the stream.
func (st *Stream) Conn() transport.Stream { return st.raw }

// Context is cancelled when the stream is aborted or its session closes.
func (st *Stream) Context() context.Context { return st.ctx }

func (st *Stream) State() StreamState {
	return StreamState(st.state.Load())
}

func (st *Stream) transition(next StreamState) bool {
	for {
		cur := st.State()
		if !cur.CanTransition(next) {
			return false
		}
		if st.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// HalfClose records that one relay direction finished.
func (st *Stream) HalfClose() bool {
	return st.transition(StreamHalfClosed)
}

// AddBytesIn counts bytes forwarded from the client to the upstream.
func (st *Stream) AddBytesIn(n int) {
	if n > 0 {
		st.bytesIn.Add(uint64(n))
	}
}

// AddBytesOut counts bytes forwarded from the upstream to the client.
func (st *Stream) AddBytesOut(n int) {
	if n > 0 {
		st.bytesOut.Add(uint64(n))
	}
}

func (st *Stream) BytesIn() uint64  { return st.bytesIn.Load() }
func (st *Stream) BytesOut() uint64 { return st.bytesOut.Load() }

// Respond sends OPEN_RESULT for err (nil means OK) and moves an accepted
// stream to Relaying. Only the first call writes.
func (st *Stream) Respond(err error) error {
	if !st.responded.CompareAndSwap(false, true) {
		return nil
	}
	status := protocol.StatusFor(err)
	res := protocol.Result{Type: protocol.FrameOpenResult, Status: status}
	var flags uint8
	if err != nil {
		res.Message = err.Error()
		flags = protocol.FlagError
		metrics.StreamRejected(st.sess.m.cfg.Metrics, st.kind.String(), status.String())
	}
	if werr := protocol.WriteMessage(st.raw, res, flags); werr != nil {
		return protocol.NewError(protocol.KindTransport, "stream.respond", werr)
	}
	if err == nil {
		st.transition(StreamRelaying)
	}
	return nil
}

// Abort cancels the stream; the transport stream is reset in both
// directions.
func (st *Stream) Abort(cause error) {
	st.cancel(cause)
}

// StreamInfo is a point-in-time view of a Stream.
type StreamInfo struct {
	ID        uint64    `json:"id"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	State     string    `json:"state"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	CreatedAt time.Time `json:"created_at"`
}

// Info returns a snapshot of st.
func (st *Stream) Info() StreamInfo {
	return StreamInfo{
		ID:        st.id,
		Kind:      st.kind.String(),
		Target:    st.target,
		State:     st.State().String(),
		BytesIn:   st.BytesIn(),
		BytesOut:  st.BytesOut(),
		CreatedAt: st.createdAt,
	}
}

func resetStream(raw transport.Stream) {
	raw.CancelRead(protocol.StreamResetCode)
	raw.CancelWrite(protocol.StreamResetCode)
}
