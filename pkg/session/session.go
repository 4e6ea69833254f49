package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/internal/telemetry"
	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/flowcontrol"
	"github.com/marmos91/veil/pkg/metrics"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/shaper"
	"github.com/marmos91/veil/pkg/transport"
	"go.opentelemetry.io/otel/trace"
)

// ErrSessionClosed is the cancellation cause of streams whose session
// closed.
var ErrSessionClosed = errors.New("session closed")

// accountingTimeout bounds a single accounting update on close.
const accountingTimeout = 5 * time.Second

// Session is one authenticated client connection and the streams it
// multiplexes.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Session struct {
	id        string
	conn      transport.Conn
	clientIP  string
	createdAt time.Time
	m         *Manager
	shaper    *shaper.Shaper

	ctx    context.Context
	cancel context.CancelCauseFunc
	span   trace.Span

	state atomic.Int32

	mu      sync.Mutex
	streams map[uint64]*Stream
	control transport.Stream
	wg      sync.WaitGroup // admitted and pending stream goroutines

	opened    atomic.Uint64
	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
	lastSeen  atomic.Int64

	closeOnce sync.Once
	err       error
	done      chan struct{}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) ClientIP() string       { return s.clientIP }
func (s *Session) RemoteAddr() net.Addr   { return s.conn.RemoteAddr() }
func (s *Session) ALPN() string           { return s.conn.ALPN() }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }
func (s *Session) Shaper() *shaper.Shaper { return s.shaper }

// Profile returns the flow-control profile the session's streams use.
func (s *Session) Profile() flowcontrol.Profile { return s.m.cfg.Profile }

// Context is cancelled when the session starts closing.
func (s *Session) Context() context.Context { return s.ctx }

// Manager returns the manager tracking s.
func (s *Session) Manager() *Manager { return s.m }

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the abnormal cause that closed the session, nil for an
// orderly close. It is only meaningful after Done.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(next State) bool {
	for {
		cur := s.State()
		if !cur.CanTransition(next) {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Authenticate records that the client proved the shared secret.
func (s *Session) Authenticate() bool {
	if !s.transition(StateAuthenticated) {
		return false
	}
	logger.DebugCtx(s.ctx, "session authenticated", logger.KeyALPN, s.ALPN())
	return true
}

// StreamCount returns the number of admitted streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Streams returns the admitted streams ordered by id.
func (s *Session) Streams() []*Stream {
	s.mu.Lock()
	out := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OpenStream admits a stream for open. It fails with ResourceExhausted once
// the session holds its maximum number of concurrent streams, and with a
// transport error when the session is no longer active.
func (s *Session) OpenStream(raw transport.Stream, open protocol.Open) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateActive {
		return nil, protocol.Errorf(protocol.KindTransport, "session.open_stream", "session is %s", s.State())
	}
	limit := s.m.cfg.Profile.MaxConcurrentStreams
	if len(s.streams) >= limit {
		return nil, protocol.Errorf(protocol.KindResourceExhausted, "session.open_stream",
			"%d of %d concurrent streams in use", len(s.streams), limit)
	}

	st := &Stream{
		id:        raw.ID(),
		kind:      open.Kind,
		target:    open.Target,
		sess:      s,
		raw:       raw,
		createdAt: time.Now(),
	}
	lc := logger.FromContext(s.ctx).WithStream(st.id, open.Kind.String(), open.Target)
	st.ctx, st.cancel = context.WithCancelCause(logger.WithContext(s.ctx, lc))
	st.stopReset = context.AfterFunc(st.ctx, func() { resetStream(raw) })

	s.streams[st.id] = st
	s.opened.Add(1)
	return st, nil
}

// track registers a stream goroutine. It fails once the session is no
// longer active so Close never races a new goroutine.
func (s *Session) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateActive {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the client last sent a control frame or opened a
// stream.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// acceptLoop admits streams until the connection ends.
func (s *Session) acceptLoop() {
	for {
		raw, err := s.conn.AcceptStream(s.ctx)
		if err != nil {
			s.Close(closeCodeFor(err), "transport closed", err)
			return
		}
		s.touch()
		if !s.track() {
			resetStream(raw)
			return
		}
		go s.serveStream(raw)
	}
}

// serveStream reads OPEN, admits the stream and hands it to the handler.
func (s *Session) serveStream(raw transport.Stream) {
	defer s.wg.Done()

	stopPending := context.AfterFunc(s.ctx, func() { resetStream(raw) })
	open, err := s.readOpen(raw)
	if err != nil {
		stopPending()
		s.reject(raw, 0, err)
		return
	}
	st, err := s.OpenStream(raw, open)
	stopPending()
	if err != nil {
		s.reject(raw, open.Kind, err)
		return
	}

	ctx, span := telemetry.StartStreamSpan(st.ctx, st.id, open.Kind.String(), open.Target)
	metrics.StreamOpened(s.m.cfg.Metrics, open.Kind.String())
	logger.DebugCtx(ctx, "stream opened")

	err = s.m.cfg.Handler.ServeStream(ctx, st)
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	if rerr := st.Respond(err); rerr != nil && err == nil {
		err = rerr
	}
	span.End()
	s.finishStream(st, err)
}

func (s *Session) readOpen(raw transport.Stream) (protocol.Open, error) {
	_ = raw.SetReadDeadline(time.Now().Add(s.m.cfg.OpenTimeout))
	f, err := protocol.Expect(raw, protocol.FrameOpen)
	_ = raw.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return protocol.Open{}, protocol.Errorf(protocol.KindProtocol, "session.read_open",
				"no OPEN within %s", s.m.cfg.OpenTimeout)
		}
		if protocol.KindOf(err) == protocol.KindUnknown {
			return protocol.Open{}, protocol.NewError(protocol.KindTransport, "session.read_open", err)
		}
		return protocol.Open{}, err
	}
	return protocol.ParseOpen(f.Payload)
}

// reject answers an OPEN that was not admitted. The session continues.
func (s *Session) reject(raw transport.Stream, kind protocol.StreamKind, err error) {
	status := protocol.StatusFor(err)
	metrics.StreamRejected(s.m.cfg.Metrics, kind.String(), status.String())
	metrics.RecordError(s.m.cfg.Metrics, protocol.KindOf(err).String())
	logger.WarnCtx(s.ctx, "stream rejected",
		logger.StreamID(raw.ID()),
		logger.KeyStatus, status.String(),
		logger.Err(err))

	if s.State() == StateActive {
		res := protocol.Result{Type: protocol.FrameOpenResult, Status: status, Message: err.Error()}
		_ = protocol.WriteMessage(raw, res, protocol.FlagError)
		_ = raw.Close()
	}
	raw.CancelRead(protocol.StreamResetCode)
}

// finishStream releases an admitted stream after its handler returned.
func (s *Session) finishStream(st *Stream, err error) {
	aborted := st.ctx.Err() != nil
	st.stopReset()
	if err != nil {
		resetStream(st.raw)
	} else {
		_ = st.raw.Close()
		st.raw.CancelRead(protocol.StreamResetCode)
	}
	st.cancel(ErrSessionClosed)
	st.transition(StreamClosed)

	in, out := st.BytesIn(), st.BytesOut()
	s.mu.Lock()
	delete(s.streams, st.id)
	s.bytesUp.Add(in)
	s.bytesDown.Add(out)
	s.mu.Unlock()

	mx := s.m.cfg.Metrics
	metrics.RecordBytes(mx, shaper.Up.String(), in)
	metrics.RecordBytes(mx, shaper.Down.String(), out)
	metrics.StreamClosed(mx, st.kind.String(), time.Since(st.createdAt))

	lc := logger.FromContext(st.ctx)
	if kind, abnormal := transport.Classify(err); abnormal && !aborted {
		metrics.RecordError(mx, kind.String())
		logger.WarnCtx(st.ctx, "stream failed",
			logger.BytesIn(in), logger.BytesOut(out),
			logger.KeyErrorKind, kind.String(), logger.Err(err))
	} else {
		logger.DebugCtx(st.ctx, "stream closed",
			logger.BytesIn(in), logger.BytesOut(out),
			logger.KeyDurationMs, lc.DurationMs())
	}

	s.account(accounting.Delta{BytesUp: in, BytesDown: out, Streams: 1})
}

func (s *Session) account(d accounting.Delta) {
	store := s.m.cfg.Accounting
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
	defer cancel()
	if err := store.Add(ctx, s.clientIP, d); err != nil {
		logger.WarnCtx(s.ctx, "accounting update failed", logger.Err(err))
	}
}

// controlLoop serves HEARTBEAT and CLOSE frames on the control stream.
func (s *Session) controlLoop(control transport.Stream) {
	fr := protocol.NewFrameReader(control, nil)
	for {
		f, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.Close(protocol.CloseNormal, "control stream closed", nil)
			} else {
				s.Close(closeCodeFor(err), "control stream failed", err)
			}
			return
		}
		s.touch()

		switch f.Type {
		case protocol.FrameHeartbeat:
			if f.HasFlag(protocol.FlagAck) {
				continue
			}
			if err := protocol.WriteFrame(control, protocol.FrameHeartbeat, protocol.FlagAck, nil); err != nil {
				s.Close(closeCodeFor(err), "control stream failed", err)
				return
			}
		case protocol.FrameClose:
			msg, err := protocol.ParseClose(f.Payload)
			if err != nil {
				s.Close(protocol.CloseProtocol, "malformed CLOSE", err)
				return
			}
			logger.DebugCtx(s.ctx, "client closed session", logger.KeyReason, msg.Reason)
			s.Close(protocol.CloseNormal, msg.Reason, nil)
			return
		default:
			err := protocol.Errorf(protocol.KindProtocol, "session.control",
				"unexpected %s on control stream", f.Type)
			s.Close(protocol.CloseProtocol, "unexpected control frame", err)
			return
		}
	}
}

// closeCodeFor picks the application close code for a failure.
func closeCodeFor(err error) uint64 {
	if protocol.IsKind(err, protocol.KindProtocol) {
		return protocol.CloseProtocol
	}
	return protocol.CloseNormal
}

// Close tears the session down: child streams are cancelled, the
// connection is closed with code, and the call waits up to the drain
// timeout for stream goroutines. cause is nil for an orderly close.
// Subsequent calls block until the first completes.
func (s *Session) Close(code uint64, reason string, cause error) {
	s.closeOnce.Do(func() { s.close(code, reason, cause) })
}

func (s *Session) close(code uint64, reason string, cause error) {
	s.mu.Lock()
	prev := s.State()
	s.transition(StateClosing)
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	control := s.control
	s.mu.Unlock()

	mx := s.m.cfg.Metrics
	kind, abnormal := transport.Classify(cause)
	if abnormal {
		s.err = cause
		metrics.RecordError(mx, kind.String())
		telemetry.RecordError(s.ctx, cause)
	}

	if cause == nil {
		cause = ErrSessionClosed
	}
	s.cancel(cause)
	for _, st := range streams {
		st.Abort(ErrSessionClosed)
	}
	if control != nil {
		resetStream(control)
	}
	_ = s.conn.CloseWithError(code, reason)

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.m.cfg.DrainTimeout):
		logger.WarnCtx(s.ctx, "streams did not drain before close",
			logger.KeyStreams, s.StreamCount())
	}

	s.shaper.Close()
	s.transition(StateClosed)
	s.m.remove(s)

	lifetime := time.Since(s.createdAt)
	if prev >= StateAuthenticated {
		s.account(accounting.Delta{Sessions: 1})
	}
	if prev == StateActive {
		metrics.SessionClosed(mx, lifetime)
	}

	args := []any{
		logger.KeyReason, reason,
		logger.KeyStreams, s.opened.Load(),
		logger.BytesIn(s.bytesUp.Load()),
		logger.BytesOut(s.bytesDown.Load()),
		logger.DurationMs(lifetime),
	}
	switch {
	case abnormal:
		logger.WarnCtx(s.ctx, "session closed", append(args, logger.KeyErrorKind, kind.String(), logger.Err(s.err))...)
	case prev == StateActive:
		logger.InfoCtx(s.ctx, "session closed", args...)
	default:
		logger.DebugCtx(s.ctx, "session closed", args...)
	}

	s.span.End()
	close(s.done)
}

// Info is a point-in-time view of a Session.
type Info struct {
	ID        string       `json:"id"`
	Peer      string       `json:"peer"`
	ALPN      string       `json:"alpn"`
	State     string       `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	LastSeen  time.Time    `json:"last_seen"`
	BytesUp   uint64       `json:"bytes_up"`
	BytesDown uint64       `json:"bytes_down"`
	Opened    uint64       `json:"streams_opened"`
	Streams   []StreamInfo `json:"streams"`
}

// Info returns a snapshot of s. Byte counters include finished streams and
// the running totals of open ones.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.id,
		Peer:      s.RemoteAddr().String(),
		ALPN:      s.ALPN(),
		State:     s.State().String(),
		CreatedAt: s.createdAt,
		LastSeen:  s.LastSeen(),
		Opened:    s.opened.Load(),
		Streams:   []StreamInfo{},
	}

	s.mu.Lock()
	info.BytesUp = s.bytesUp.Load()
	info.BytesDown = s.bytesDown.Load()
	for _, st := range s.streams {
		si := st.Info()
		info.BytesUp += si.BytesIn
		info.BytesDown += si.BytesOut
		info.Streams = append(info.Streams, si)
	}
	s.mu.Unlock()

	sort.Slice(info.Streams, func(i, j int) bool { return info.Streams[i].ID < info.Streams[j].ID })
	return info
}
