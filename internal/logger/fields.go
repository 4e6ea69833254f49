package logger

import (
	"log/slog"
	"time"
)

// Standard field keys. Use these consistently so log aggregation can query
// sessions and streams across components.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Transport and session
	KeySessionID  = "session_id"
	KeyStreamID   = "stream_id"
	KeyClientIP   = "client_ip"
	KeyClientAddr = "client_addr"
	KeyALPN       = "alpn"
	KeyState      = "state"
	KeyStreams    = "streams"
	KeyActive     = "active"
	KeyListen     = "listen"

	// Relay
	KeyTarget    = "target"
	KeyKind      = "kind"
	KeyBytesIn   = "bytes_in"
	KeyBytesOut  = "bytes_out"
	KeyWindow    = "window"
	KeyDirection = "direction"

	// Outcome
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorKind  = "error_kind"
	KeyStatus     = "status"
	KeyReason     = "reason"
	KeyAttempt    = "attempt"
	KeyBackoff    = "backoff"
)

// SessionID returns a slog.Attr for a session identifier.
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// StreamID returns a slog.Attr for a stream identifier.
func StreamID(id uint64) slog.Attr {
	return slog.Uint64(KeyStreamID, id)
}

// ClientIP returns a slog.Attr for the peer IP.
func ClientIP(ip string) slog.Attr {
	return slog.String(KeyClientIP, ip)
}

// Target returns a slog.Attr for an upstream address.
func Target(addr string) slog.Attr {
	return slog.String(KeyTarget, addr)
}

// Kind returns a slog.Attr for a stream kind.
func Kind(kind string) slog.Attr {
	return slog.String(KeyKind, kind)
}

// BytesIn returns a slog.Attr for bytes received from the client.
func BytesIn(n uint64) slog.Attr {
	return slog.Uint64(KeyBytesIn, n)
}

// BytesOut returns a slog.Attr for bytes sent to the client.
func BytesOut(n uint64) slog.Attr {
	return slog.Uint64(KeyBytesOut, n)
}

// DurationMs returns a slog.Attr for an elapsed duration in milliseconds.
func DurationMs(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(d.Microseconds())/1000.0)
}

// Err returns a slog.Attr for an error. A nil error yields an empty Attr,
// which handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
