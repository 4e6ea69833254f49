// Package prometheus implements the metrics interfaces with
// prometheus/client_golang. Import it for its side effect of registering
// the constructors.
package prometheus

import (
	"sync"
	"time"

	"github.com/marmos91/veil/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterProxyMetricsConstructor(func() metrics.ProxyMetrics { return NewProxyMetrics() })
}

// proxyMetrics is the Prometheus implementation of metrics.ProxyMetrics.
type proxyMetrics struct {
	handshakes        *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	activeSessions    prometheus.Gauge
	sessionLifetime   prometheus.Histogram
	streamsOpened     *prometheus.CounterVec
	streamsRejected   *prometheus.CounterVec
	activeStreams     *prometheus.GaugeVec
	streamLifetime    *prometheus.HistogramVec
	bytes             *prometheus.CounterVec
	errors            *prometheus.CounterVec
	shaperWait        *prometheus.HistogramVec
	credentialReloads prometheus.Counter
}

var (
	cacheMu     sync.Mutex
	cachedReg   *prometheus.Registry
	cachedProxy *proxyMetrics
)

// NewProxyMetrics creates the Prometheus-backed proxy metrics. Collectors
// are registered once per registry; later calls return the same instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called). All
// methods are safe on a nil receiver.
func NewProxyMetrics() *proxyMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cachedReg == reg && cachedProxy != nil {
		return cachedProxy
	}
	cachedReg, cachedProxy = reg, newProxyMetrics(reg)
	return cachedProxy
}

func newProxyMetrics(reg *prometheus.Registry) *proxyMetrics {
	f := promauto.With(reg)

	return &proxyMetrics{
		handshakes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "handshakes_total",
				Help:      "Handshakes by outcome",
			},
			[]string{"outcome"}, // ok, auth_failed, protocol_error, timeout, rejected
		),
		handshakeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from accept to authentication result",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "sessions_active",
			Help:      "Authenticated sessions currently open",
		}),
		sessionLifetime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "session_lifetime_seconds",
			Help:      "Lifetime of closed sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1s .. ~4.5h
		}),
		streamsOpened: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "streams_opened_total",
				Help:      "Relay streams admitted by kind",
			},
			[]string{"kind"},
		),
		streamsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "streams_rejected_total",
				Help:      "Relay stream opens refused by kind and status",
			},
			[]string{"kind", "status"},
		),
		activeStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Name:      "streams_active",
				Help:      "Relay streams currently open by kind",
			},
			[]string{"kind"},
		),
		streamLifetime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Name:      "stream_lifetime_seconds",
				Help:      "Lifetime of closed relay streams",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms .. ~45min
			},
			[]string{"kind"},
		),
		bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "relay_bytes_total",
				Help:      "Bytes relayed by direction",
			},
			[]string{"direction"}, // up, down
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "errors_total",
				Help:      "Recovered errors by kind",
			},
			[]string{"kind"},
		),
		shaperWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Name:      "shaper_wait_seconds",
				Help:      "Time spent waiting for bandwidth tokens",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"direction"},
		),
		credentialReloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "credential_reloads_total",
			Help:      "Certificate hot reloads",
		}),
	}
}

func (m *proxyMetrics) RecordHandshake(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
	m.handshakeDuration.Observe(d.Seconds())
}

func (m *proxyMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *proxyMetrics) SessionClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

func (m *proxyMetrics) StreamOpened(kind string) {
	if m == nil {
		return
	}
	m.streamsOpened.WithLabelValues(kind).Inc()
	m.activeStreams.WithLabelValues(kind).Inc()
}

func (m *proxyMetrics) StreamRejected(kind, status string) {
	if m == nil {
		return
	}
	m.streamsRejected.WithLabelValues(kind, status).Inc()
}

func (m *proxyMetrics) StreamClosed(kind string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.activeStreams.WithLabelValues(kind).Dec()
	m.streamLifetime.WithLabelValues(kind).Observe(lifetime.Seconds())
}

func (m *proxyMetrics) RecordBytes(direction string, n uint64) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *proxyMetrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *proxyMetrics) ObserveShaperWait(direction string, d time.Duration) {
	if m == nil {
		return
	}
	m.shaperWait.WithLabelValues(direction).Observe(d.Seconds())
}

func (m *proxyMetrics) CredentialReloaded() {
	if m == nil {
		return
	}
	m.credentialReloads.Inc()
}
