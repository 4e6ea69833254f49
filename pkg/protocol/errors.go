package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide between closing a stream,
// closing a session or aborting startup.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfig
	KindProtocol
	KindAuthentication
	KindResourceExhausted
	KindUpstreamUnreachable
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindProtocol:
		return "ProtocolError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindUpstreamUnreachable:
		return "UpstreamUnreachable"
	case KindTransport:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrConfig              = errors.New("configuration error")
	ErrProtocol            = errors.New("protocol error")
	ErrAuthentication      = errors.New("authentication failed")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrTransport           = errors.New("transport error")
)

var sentinels = map[Kind]error{
	KindConfig:              ErrConfig,
	KindProtocol:            ErrProtocol,
	KindAuthentication:      ErrAuthentication,
	KindResourceExhausted:   ErrResourceExhausted,
	KindUpstreamUnreachable: ErrUpstreamUnreachable,
	KindTransport:           ErrTransport,
}

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind Kind
	Op   string // e.g. "credential.load", "relay.dial"
	Err  error
}

// NewError wraps err with a kind and operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first *Error or sentinel in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// StatusFor maps an error onto the status carried in result frames.
func StatusFor(err error) Status {
	switch KindOf(err) {
	case KindUnknown:
		if err == nil {
			return StatusOK
		}
		return StatusProtocolError
	case KindResourceExhausted:
		return StatusResourceExhausted
	case KindUpstreamUnreachable:
		return StatusUpstreamUnreachable
	case KindAuthentication:
		return StatusAuthenticationError
	default:
		return StatusProtocolError
	}
}
