package metrics

import (
	"time"
)

// Handshake outcomes.
const (
	HandshakeOK            = "ok"
	HandshakeAuthFailed    = "auth_failed"
	HandshakeProtocolError = "protocol_error"
	HandshakeTimeout       = "timeout"
	HandshakeRejected      = "rejected" // connection limit reached
)

// ProxyMetrics provides observability for the tunnel data path.
//
// Implementations collect handshake outcomes, session and stream lifecycle,
// relayed bytes and error kinds. This interface is optional: pass nil to
// disable collection.
//
// Example usage:
//
//	metrics.InitRegistry()
//	m := metrics.NewProxyMetrics()
//	manager := session.NewManager(session.Config{Metrics: m})
type ProxyMetrics interface {
	// RecordHandshake records the outcome of a transport handshake plus
	// authentication, measured from accept.
	RecordHandshake(outcome string, duration time.Duration)

	// SessionOpened and SessionClosed track the active session gauge.
	SessionOpened()
	SessionClosed(lifetime time.Duration)

	// StreamOpened records an admitted relay stream of kind "tcp" or "udp".
	StreamOpened(kind string)

	// StreamRejected records an OPEN refused with a non-OK status.
	StreamRejected(kind string, status string)

	// StreamClosed records the end of an admitted stream.
	StreamClosed(kind string, lifetime time.Duration)

	// RecordBytes records relayed bytes; direction is "up" or "down".
	RecordBytes(direction string, n uint64)

	// RecordError records a recovered per-connection or per-stream error by
	// kind name, e.g. "UpstreamUnreachable".
	RecordError(kind string)

	// ObserveShaperWait records time spent waiting for bandwidth tokens.
	ObserveShaperWait(direction string, d time.Duration)

	// CredentialReloaded records a certificate hot reload.
	CredentialReloaded()
}

// NewProxyMetrics creates a Prometheus-backed ProxyMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called) or the
// prometheus implementation is not linked in.
func NewProxyMetrics() ProxyMetrics {
	if !IsEnabled() || newPrometheusProxyMetrics == nil {
		return nil
	}
	return newPrometheusProxyMetrics()
}

// newPrometheusProxyMetrics is set by pkg/metrics/prometheus. The
// indirection avoids an import cycle.
var newPrometheusProxyMetrics func() ProxyMetrics

// RegisterProxyMetricsConstructor registers the Prometheus implementation.
func RegisterProxyMetricsConstructor(constructor func() ProxyMetrics) {
	newPrometheusProxyMetrics = constructor
}

// RecordHandshake records a handshake outcome if m is non-nil.
func RecordHandshake(m ProxyMetrics, outcome string, d time.Duration) {
	if m != nil {
		m.RecordHandshake(outcome, d)
	}
}

// SessionOpened records a new session if m is non-nil.
func SessionOpened(m ProxyMetrics) {
	if m != nil {
		m.SessionOpened()
	}
}

// SessionClosed records a closed session if m is non-nil.
func SessionClosed(m ProxyMetrics, lifetime time.Duration) {
	if m != nil {
		m.SessionClosed(lifetime)
	}
}

// StreamOpened records an admitted stream if m is non-nil.
func StreamOpened(m ProxyMetrics, kind string) {
	if m != nil {
		m.StreamOpened(kind)
	}
}

// StreamRejected records a refused stream if m is non-nil.
func StreamRejected(m ProxyMetrics, kind, status string) {
	if m != nil {
		m.StreamRejected(kind, status)
	}
}

// StreamClosed records a finished stream if m is non-nil.
func StreamClosed(m ProxyMetrics, kind string, lifetime time.Duration) {
	if m != nil {
		m.StreamClosed(kind, lifetime)
	}
}

// RecordBytes records relayed bytes if m is non-nil.
func RecordBytes(m ProxyMetrics, direction string, n uint64) {
	if m != nil && n > 0 {
		m.RecordBytes(direction, n)
	}
}

// RecordError records an error kind if m is non-nil.
func RecordError(m ProxyMetrics, kind string) {
	if m != nil {
		m.RecordError(kind)
	}
}

// ObserveShaperWait records token wait time if m is non-nil.
func ObserveShaperWait(m ProxyMetrics, direction string, d time.Duration) {
	if m != nil {
		m.ObserveShaperWait(direction, d)
	}
}

// CredentialReloaded records a certificate reload if m is non-nil.
func CredentialReloaded(m ProxyMetrics) {
	if m != nil {
		m.CredentialReloaded()
	}
}
