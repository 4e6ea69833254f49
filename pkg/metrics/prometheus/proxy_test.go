package prometheus

import (
	"testing"
	"time"

	"github.com/marmos91/veil/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enable(t *testing.T) {
	t.Helper()
	metrics.ResetRegistry()
	metrics.InitRegistry()
	t.Cleanup(metrics.ResetRegistry)
}

func TestNewProxyMetricsDisabled(t *testing.T) {
	metrics.ResetRegistry()
	assert.Nil(t, NewProxyMetrics())
	assert.Nil(t, metrics.NewProxyMetrics())

	var m *proxyMetrics
	assert.NotPanics(t, func() {
		m.RecordHandshake(metrics.HandshakeOK, time.Millisecond)
		m.SessionOpened()
		m.SessionClosed(time.Second)
		m.StreamOpened("tcp")
		m.StreamRejected("tcp", "ResourceExhausted")
		m.StreamClosed("tcp", time.Second)
		m.RecordBytes("up", 1)
		m.RecordError("TransportError")
		m.ObserveShaperWait("down", time.Millisecond)
		m.CredentialReloaded()
	})
}

func TestProxyMetricsRecord(t *testing.T) {
	enable(t)

	m := NewProxyMetrics()
	require.NotNil(t, m)
	assert.Same(t, m, NewProxyMetrics(), "collectors are registered once")

	m.RecordHandshake(metrics.HandshakeOK, 5*time.Millisecond)
	m.RecordHandshake(metrics.HandshakeAuthFailed, time.Millisecond)
	m.RecordHandshake(metrics.HandshakeAuthFailed, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues(metrics.HandshakeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.handshakes.WithLabelValues(metrics.HandshakeAuthFailed)))

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))

	m.StreamOpened("tcp")
	m.StreamOpened("udp")
	m.StreamClosed("tcp", time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeStreams.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeStreams.WithLabelValues("udp")))

	m.StreamRejected("tcp", "ResourceExhausted")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsRejected.WithLabelValues("tcp", "ResourceExhausted")))

	m.RecordBytes("up", 1000)
	m.RecordBytes("up", 24)
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.bytes.WithLabelValues("up")))

	m.RecordError("UpstreamUnreachable")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("UpstreamUnreachable")))

	m.CredentialReloaded()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.credentialReloads))
}

func TestConstructorRegistered(t *testing.T) {
	enable(t)
	assert.NotNil(t, metrics.NewProxyMetrics())
}
