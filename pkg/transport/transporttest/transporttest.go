// Package transporttest provides an in-memory transport for tests: a
// listener that accepts connections created by Dial, with streams that
// half-close like QUIC streams.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/veil/pkg/transport"
)

// ConnError is the cause of a closed connection.
type ConnError struct {
	Code   uint64
	Reason string
	Remote bool
}

func (e *ConnError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("connection closed (%s): code %#x: %s", side, e.Code, e.Reason)
}

// Stream is one end of an in-memory stream.
type Stream struct {
	id  uint64
	in  *pipe
	out *pipe
}

var _ transport.Stream = (*Stream)(nil)

func newStreamPair(id uint64) (*Stream, *Stream) {
	a, b := newPipe(), newPipe()
	return &Stream{id: id, in: a, out: b}, &Stream{id: id, in: b, out: a}
}

func (s *Stream) ID() uint64                        { return s.id }
func (s *Stream) Read(b []byte) (int, error)        { return s.in.read(b) }
func (s *Stream) Write(b []byte) (int, error)       { return s.out.write(b) }
func (s *Stream) Close() error                      { s.out.closeWrite(); return nil }
func (s *Stream) SetWriteDeadline(time.Time) error  { return nil }
func (s *Stream) SetReadDeadline(t time.Time) error { s.in.setDeadline(t); return nil }
func (s *Stream) SetDeadline(t time.Time) error     { return s.SetReadDeadline(t) }

func (s *Stream) CancelRead(code uint64) {
	s.in.reset(&StreamError{Code: code})
}

func (s *Stream) CancelWrite(code uint64) {
	s.out.reset(&StreamError{Code: code, Remote: true})
}

// WriteClosed reports whether this end closed or reset its write side.
func (s *Stream) WriteClosed() bool {
	closed, err, _ := s.out.state()
	return closed || err != nil
}

// ReadCancelled reports whether this end's read side was reset.
func (s *Stream) ReadCancelled() bool {
	_, err, _ := s.in.state()
	return err != nil
}

// link is the state shared by both ends of a connection.
type link struct {
	mu      sync.Mutex
	streams []*Stream
	nextID  atomic.Uint64
}

func (l *link) track(s ...*Stream) {
	l.mu.Lock()
	l.streams = append(l.streams, s...)
	l.mu.Unlock()
}

func (l *link) resetAll(err error) {
	l.mu.Lock()
	streams := l.streams
	l.mu.Unlock()
	for _, s := range streams {
		s.in.reset(err)
		s.out.reset(err)
	}
}

// Conn is the server end of an in-memory connection.
type Conn struct {
	id     string
	alpn   string
	remote net.Addr
	local  net.Addr
	link   *link

	ctx    context.Context
	cancel context.CancelCauseFunc
	peer   *Client

	accept chan *Stream
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) ID() string               { return c.id }
func (c *Conn) ALPN() string             { return c.alpn }
func (c *Conn) RemoteAddr() net.Addr     { return c.remote }
func (c *Conn) LocalAddr() net.Addr      { return c.local }
func (c *Conn) Context() context.Context { return c.ctx }
func (c *Conn) Closed() bool             { return c.ctx.Err() != nil }

// CloseError returns why the connection closed, or nil while open.
func (c *Conn) CloseError() *ConnError {
	var ce *ConnError
	if errors.As(context.Cause(c.ctx), &ce) {
		return ce
	}
	return nil
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.accept:
		return s, nil
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) CloseWithError(code uint64, reason string) error {
	closeLink(c.link, c, c.peer, code, reason, false)
	return nil
}

// Client is the dialing end of an in-memory connection.
type Client struct {
	conn   *Conn
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context is cancelled when the connection closes.
func (cl *Client) Context() context.Context { return cl.ctx }

// CloseError returns why the connection closed, or nil while open.
func (cl *Client) CloseError() *ConnError {
	var ce *ConnError
	if errors.As(context.Cause(cl.ctx), &ce) {
		return ce
	}
	return nil
}

// OpenStream opens a stream the server accepts.
func (cl *Client) OpenStream() (*Stream, error) {
	if err := context.Cause(cl.ctx); err != nil {
		return nil, err
	}
	id := cl.conn.link.nextID.Add(1) - 1
	local, remote := newStreamPair(id * 4)
	cl.conn.link.track(local, remote)
	select {
	case cl.conn.accept <- remote:
		return local, nil
	case <-cl.ctx.Done():
		return nil, context.Cause(cl.ctx)
	}
}

// Close closes the connection from the client side.
func (cl *Client) Close(code uint64, reason string) {
	closeLink(cl.conn.link, cl.conn, cl, code, reason, true)
}

func closeLink(l *link, server *Conn, client *Client, code uint64, reason string, byClient bool) {
	if server.ctx.Err() != nil {
		return
	}
	server.cancel(&ConnError{Code: code, Reason: reason, Remote: byClient})
	client.cancel(&ConnError{Code: code, Reason: reason, Remote: !byClient})
	l.resetAll(&ConnError{Code: code, Reason: reason})
}

// Listener is an in-memory transport.Listener.
type Listener struct {
	addr    net.Addr
	alpn    string
	conns   chan *Conn
	done    chan struct{}
	once    sync.Once
	counter atomic.Uint64
}

var _ transport.Listener = (*Listener)(nil)

// NewListener creates a listener negotiating alpn for every connection.
func NewListener(alpn string) *Listener {
	return &Listener{
		addr:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 443},
		alpn:  alpn,
		conns: make(chan *Conn),
		done:  make(chan struct{}),
	}
}

var connCounter atomic.Uint64

// ErrListenerClosed is returned by Accept and Dial after Close.
var ErrListenerClosed = errors.New("listener closed")

// NewConn creates a connected pair without a listener. remote is the
// client address the server sees.
func NewConn(alpn string, remote net.Addr) (*Conn, *Client) {
	if remote == nil {
		remote = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 50000}
	}
	l := &link{}
	sctx, scancel := context.WithCancelCause(context.Background())
	cctx, ccancel := context.WithCancelCause(context.Background())
	c := &Conn{
		id:     transport.SessionID(connCounter.Add(1)),
		alpn:   alpn,
		remote: remote,
		local:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 443},
		link:   l,
		ctx:    sctx,
		cancel: scancel,
		accept: make(chan *Stream, 16),
	}
	cl := &Client{conn: c, ctx: cctx, cancel: ccancel}
	c.peer = cl
	return c, cl
}

// Dial connects a client to the listener.
func (l *Listener) Dial(ctx context.Context) (*Client, error) {
	n := l.counter.Add(1)
	c, cl := NewConn(l.alpn, &net.UDPAddr{IP: net.IPv4(192, 0, 2, byte(n%250+1)), Port: 40000 + int(n%20000)})
	select {
	case l.conns <- c:
		return cl, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
