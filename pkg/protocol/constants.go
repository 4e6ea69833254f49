// Package protocol defines the veil tunnel wire format: the frame header,
// message bodies carried on QUIC streams, result statuses, close codes and
// the typed errors shared by every component.
package protocol

import "time"

// Frame header layout: magic(2) version(1) type(1) flags(1) length(4).
const (
	Magic0     byte = 'V'
	Magic1     byte = 'L'
	Version    byte = 1
	HeaderSize      = 9

	// MaxPayloadSize bounds one frame body: a full UDP datagram plus slack
	// for message framing.
	MaxPayloadSize = 64*1024 + 512
)

// FrameType identifies the message carried by a frame.
type FrameType uint8

const (
	FrameAuth       FrameType = 0x01
	FrameAuthResult FrameType = 0x02
	FrameOpen       FrameType = 0x03
	FrameOpenResult FrameType = 0x04
	FrameDatagram   FrameType = 0x05
	FrameHeartbeat  FrameType = 0x06
	FrameClose      FrameType = 0x07
)

func (t FrameType) String() string {
	switch t {
	case FrameAuth:
		return "AUTH"
	case FrameAuthResult:
		return "AUTH_RESULT"
	case FrameOpen:
		return "OPEN"
	case FrameOpenResult:
		return "OPEN_RESULT"
	case FrameDatagram:
		return "DATAGRAM"
	case FrameHeartbeat:
		return "HEARTBEAT"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	return t >= FrameAuth && t <= FrameClose
}

// Frame flags.
const (
	FlagEnd   uint8 = 0x01
	FlagAck   uint8 = 0x02
	FlagError uint8 = 0x04
)

// Status is the outcome carried by AUTH_RESULT and OPEN_RESULT.
type Status uint8

const (
	StatusOK                  Status = 0
	StatusResourceExhausted   Status = 1
	StatusUpstreamUnreachable Status = 2
	StatusProtocolError       Status = 3
	StatusAuthenticationError Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusResourceExhausted:
		return "ResourceExhausted"
	case StatusUpstreamUnreachable:
		return "UpstreamUnreachable"
	case StatusProtocolError:
		return "ProtocolError"
	case StatusAuthenticationError:
		return "AuthenticationError"
	default:
		return "Unknown"
	}
}

// Kind returns the error kind a non-OK status reports.
func (s Status) Kind() Kind {
	switch s {
	case StatusOK:
		return KindUnknown
	case StatusResourceExhausted:
		return KindResourceExhausted
	case StatusUpstreamUnreachable:
		return KindUpstreamUnreachable
	case StatusAuthenticationError:
		return KindAuthentication
	default:
		return KindProtocol
	}
}

// StreamKind selects how an opened stream is relayed.
type StreamKind uint8

const (
	StreamTCP StreamKind = 1
	StreamUDP StreamKind = 2
)

func (k StreamKind) String() string {
	switch k {
	case StreamTCP:
		return "tcp"
	case StreamUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Network returns the net.Dial network name for k.
func (k StreamKind) Network() string {
	return k.String()
}

// QUIC application error codes used when closing a connection.
const (
	CloseNormal     uint64 = 0x100
	CloseProtocol   uint64 = 0x101
	CloseAuthFailed uint64 = 0x102
	CloseShutdown   uint64 = 0x103
)

// StreamResetCode is used when a stream is cancelled by the server.
const StreamResetCode uint64 = 0x200

// MaxTargetLength bounds the host part of an OPEN target.
const MaxTargetLength = 255

// DefaultHandshakeTimeout bounds how long the server waits for AUTH.
const DefaultHandshakeTimeout = 10 * time.Second
