package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext carries the per-session and per-stream fields that every log
// line emitted while serving a tunnel should include.
type LogContext struct {
	TraceID   string
	SpanID    string
	SessionID string
	StreamID  uint64
	ClientIP  string // without port
	Target    string // upstream host:port for relay streams
	Kind      string // tcp or udp
	StartTime time.Time
}

// WithContext returns a new context carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext returns the LogContext stored in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext starts a LogContext for a connection from clientIP.
func NewLogContext(clientIP string) *LogContext {
	return &LogContext{
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone returns a copy of lc. A nil receiver yields nil.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithSession returns a copy bound to a session id.
func (lc *LogContext) WithSession(id string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.SessionID = id
	}
	return c
}

// WithStream returns a copy bound to a relay stream. StartTime is reset so
// DurationMs measures the stream, not the session.
func (lc *LogContext) WithStream(id uint64, kind, target string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.StreamID = id
		c.Kind = kind
		c.Target = target
		c.StartTime = time.Now()
	}
	return c
}

// WithTrace returns a copy carrying trace identifiers.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns the milliseconds elapsed since StartTime.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
