package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for tunnel spans. Network keys follow OpenTelemetry
// semantic conventions, tunnel-specific keys use the "veil." prefix.
const (
	AttrClientIP   = "client.address"
	AttrClientPort = "client.port"
	AttrALPN       = "tls.alpn"

	AttrSessionID = "veil.session.id"
	AttrStreamID  = "veil.stream.id"
	AttrKind      = "veil.stream.kind"
	AttrTarget    = "veil.stream.target"
	AttrStatus    = "veil.status"
	AttrBytesIn   = "veil.bytes_in"
	AttrBytesOut  = "veil.bytes_out"
	AttrErrorKind = "veil.error.kind"
)

// Span names.
const (
	SpanHandshake = "veil.handshake"
	SpanSession   = "veil.session"
	SpanStream    = "veil.stream"
	SpanDial      = "veil.dial"
)

func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

func ALPN(proto string) attribute.KeyValue {
	return attribute.String(AttrALPN, proto)
}

func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

func StreamID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrStreamID, int64(id))
}

func Kind(kind string) attribute.KeyValue {
	return attribute.String(AttrKind, kind)
}

func Target(addr string) attribute.KeyValue {
	return attribute.String(AttrTarget, addr)
}

func Status(status string) attribute.KeyValue {
	return attribute.String(AttrStatus, status)
}

func BytesIn(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrBytesIn, int64(n))
}

func BytesOut(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrBytesOut, int64(n))
}

func ErrorKind(kind string) attribute.KeyValue {
	return attribute.String(AttrErrorKind, kind)
}

// StartHandshakeSpan starts the span covering TLS, ALPN and password check
// for one incoming transport.
func StartHandshakeSpan(ctx context.Context, clientIP string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanHandshake,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(append([]attribute.KeyValue{ClientIP(clientIP)}, attrs...)...),
	)
}

// StartSessionSpan starts the long-lived span of an authenticated session.
func StartSessionSpan(ctx context.Context, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanSession,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(append([]attribute.KeyValue{SessionID(sessionID)}, attrs...)...),
	)
}

// StartStreamSpan starts the span of one relayed stream, as a child of the
// session span carried by ctx.
func StartStreamSpan(ctx context.Context, streamID uint64, kind, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanStream,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(StreamID(streamID), Kind(kind), Target(target)),
	)
}

// StartDialSpan starts the span covering an upstream connect.
func StartDialSpan(ctx context.Context, network, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanDial,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("network.transport", network), Target(target)),
	)
}
