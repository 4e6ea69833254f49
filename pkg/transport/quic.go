package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/quic-go/quic-go"
)

// processNamespace keeps session ids unique across restarts even though
// quic-go's connection tracing ids restart at zero.
var processNamespace = uuid.New()

// SessionID derives a session identifier from a transport connection id.
func SessionID(connectionID uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], connectionID)
	return uuid.NewSHA1(processNamespace, b[:]).String()
}

type quicListener struct {
	ln *quic.Listener
}

// ListenQUIC binds a UDP socket on addr and returns a QUIC listener.
func ListenQUIC(addr string, tlsConf *tls.Config, conf *quic.Config) (Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, conf)
	if err != nil {
		return nil, protocol.NewError(protocol.KindTransport, "transport.listen", fmt.Errorf("listen on %s: %w", addr, err))
	}
	return &quicListener{ln: ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return WrapQUIC(c), nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error { return l.ln.Close() }

type quicConn struct {
	conn quic.Connection
	id   string
}

// WrapQUIC adapts a quic-go connection.
func WrapQUIC(c quic.Connection) Conn {
	var tracingID uint64
	if v, ok := c.Context().Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID); ok {
		tracingID = uint64(v)
	}
	return &quicConn{conn: c, id: SessionID(tracingID)}
}

func (c *quicConn) ID() string               { return c.id }
func (c *quicConn) RemoteAddr() net.Addr     { return c.conn.RemoteAddr() }
func (c *quicConn) LocalAddr() net.Addr      { return c.conn.LocalAddr() }
func (c *quicConn) Context() context.Context { return c.conn.Context() }

func (c *quicConn) ALPN() string {
	return c.conn.ConnectionState().TLS.NegotiatedProtocol
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

type quicStream struct {
	quic.Stream
}

func (s quicStream) ID() uint64 { return uint64(s.StreamID()) }

func (s quicStream) CancelRead(code uint64) {
	s.Stream.CancelRead(quic.StreamErrorCode(code))
}

func (s quicStream) CancelWrite(code uint64) {
	s.Stream.CancelWrite(quic.StreamErrorCode(code))
}

// IsIdleTimeout reports whether err ended a connection for inactivity.
func IsIdleTimeout(err error) bool {
	var idle *quic.IdleTimeoutError
	return errors.As(err, &idle)
}

// CloseCode extracts the application close code of a closed connection.
func CloseCode(err error) (code uint64, remote bool, ok bool) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return uint64(appErr.ErrorCode), appErr.Remote, true
	}
	return 0, false, false
}

// Classify maps a connection or stream error onto an error kind. Expected
// endings (local close, context cancellation) report false.
func Classify(err error) (protocol.Kind, bool) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, quic.ErrServerClosed):
		return protocol.KindUnknown, false
	case IsIdleTimeout(err):
		return protocol.KindTransport, true
	}
	if code, remote, ok := CloseCode(err); ok {
		if !remote {
			return protocol.KindUnknown, false
		}
		if code == protocol.CloseNormal {
			return protocol.KindUnknown, false
		}
		return protocol.KindTransport, true
	}
	if k := protocol.KindOf(err); k != protocol.KindUnknown {
		return k, true
	}
	return protocol.KindTransport, true
}
