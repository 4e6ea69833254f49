package protocol

import (
	"io"
	"net"
	"strconv"

	"golang.org/x/crypto/cryptobyte"
)

// Message is a typed frame body.
type Message interface {
	FrameType() FrameType
	MarshalBinary() ([]byte, error)
}

// Auth is the first frame on the control stream.
type Auth struct {
	Password string
}

func (Auth) FrameType() FrameType { return FrameAuth }

func (m Auth) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	addString16(&b, m.Password)
	return b.Bytes()
}

// ParseAuth decodes an AUTH body.
func ParseAuth(data []byte) (Auth, error) {
	s := cryptobyte.String(data)
	var pw cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&pw) || !s.Empty() {
		return Auth{}, Errorf(KindProtocol, "auth.parse", "malformed AUTH body")
	}
	return Auth{Password: string(pw)}, nil
}

// Result answers AUTH and OPEN.
type Result struct {
	Type    FrameType // FrameAuthResult or FrameOpenResult
	Status  Status
	Message string
}

func (m Result) FrameType() FrameType { return m.Type }

func (m Result) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(m.Status))
	addString16(&b, m.Message)
	return b.Bytes()
}

// Err converts a non-OK result into a typed error.
func (m Result) Err() error {
	if m.Status == StatusOK {
		return nil
	}
	return Errorf(m.Status.Kind(), "result", "%s: %s", m.Status, m.Message)
}

// ParseResult decodes an AUTH_RESULT or OPEN_RESULT body.
func ParseResult(t FrameType, data []byte) (Result, error) {
	s := cryptobyte.String(data)
	var status uint8
	var msg cryptobyte.String
	if !s.ReadUint8(&status) || !s.ReadUint16LengthPrefixed(&msg) || !s.Empty() {
		return Result{}, Errorf(KindProtocol, "result.parse", "malformed %s body", t)
	}
	return Result{Type: t, Status: Status(status), Message: string(msg)}, nil
}

// Open asks the server to relay a new stream to Target.
type Open struct {
	Kind   StreamKind
	Target string
}

func (Open) FrameType() FrameType { return FrameOpen }

func (m Open) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(m.Kind))
	addString16(&b, m.Target)
	return b.Bytes()
}

// ParseOpen decodes and validates an OPEN body.
func ParseOpen(data []byte) (Open, error) {
	s := cryptobyte.String(data)
	var kind uint8
	var target cryptobyte.String
	if !s.ReadUint8(&kind) || !s.ReadUint16LengthPrefixed(&target) || !s.Empty() {
		return Open{}, Errorf(KindProtocol, "open.parse", "malformed OPEN body")
	}
	m := Open{Kind: StreamKind(kind), Target: string(target)}
	if m.Kind != StreamTCP && m.Kind != StreamUDP {
		return Open{}, Errorf(KindProtocol, "open.parse", "unknown stream kind %d", kind)
	}
	if err := ValidateTarget(m.Target); err != nil {
		return Open{}, err
	}
	return m, nil
}

// Close ends the session from the client side.
type Close struct {
	Reason string
}

func (Close) FrameType() FrameType { return FrameClose }

func (m Close) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	addString16(&b, m.Reason)
	return b.Bytes()
}

// ParseClose decodes a CLOSE body. An empty body is accepted.
func ParseClose(data []byte) (Close, error) {
	if len(data) == 0 {
		return Close{}, nil
	}
	s := cryptobyte.String(data)
	var reason cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&reason) || !s.Empty() {
		return Close{}, Errorf(KindProtocol, "close.parse", "malformed CLOSE body")
	}
	return Close{Reason: string(reason)}, nil
}

// WriteMessage encodes m as a single frame.
func WriteMessage(w io.Writer, m Message, flags uint8) error {
	body, err := m.MarshalBinary()
	if err != nil {
		return NewError(KindProtocol, "message.encode", err)
	}
	return WriteFrame(w, m.FrameType(), flags, body)
}

// ValidateTarget checks a "host:port" relay destination.
func ValidateTarget(target string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return Errorf(KindProtocol, "target", "invalid target %q: %v", target, err)
	}
	if host == "" || len(host) > MaxTargetLength {
		return Errorf(KindProtocol, "target", "invalid host in %q", target)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Errorf(KindProtocol, "target", "invalid port in %q", target)
	}
	return nil
}

func addString16(b *cryptobyte.Builder, s string) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
	})
}
