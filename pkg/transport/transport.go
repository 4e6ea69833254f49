// Package transport abstracts the multiplexed, encrypted connection the
// tunnel runs over. The production implementation is QUIC; tests use the
// in-memory implementation in transporttest.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Stream is one bidirectional byte stream inside a connection.
//
// Close ends the write direction only; the peer reads io.EOF while this
// side can keep reading. CancelRead and CancelWrite abort a direction with
// an application error code.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	ID() uint64
	CancelRead(code uint64)
	CancelWrite(code uint64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetDeadline(t time.Time) error
}

// Conn is an established, TLS-authenticated connection.
type Conn interface {
	// ID is an opaque identifier derived from the transport's connection
	// identifier. It is unique for the life of the process.
	ID() string
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	// ALPN is the negotiated application protocol.
	ALPN() string

	AcceptStream(ctx context.Context) (Stream, error)
	CloseWithError(code uint64, reason string) error

	// Context is cancelled when the connection closes for any reason.
	Context() context.Context
}

// Listener yields established connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// ClientIP returns the host part of addr without the port.
func ClientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
