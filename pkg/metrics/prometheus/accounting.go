package prometheus

import (
	"time"

	"github.com/marmos91/veil/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterAccountingMetricsConstructor(func() metrics.AccountingMetrics { return NewAccountingMetrics() })
}

// accountingMetrics is the Prometheus implementation of
// metrics.AccountingMetrics.
type accountingMetrics struct {
	writeDuration *prometheus.HistogramVec
	writeErrors   *prometheus.CounterVec
	records       *prometheus.GaugeVec
}

var (
	cachedAccountingReg *prometheus.Registry
	cachedAccounting    *accountingMetrics
)

// NewAccountingMetrics creates the Prometheus-backed accounting metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewAccountingMetrics() *accountingMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cachedAccountingReg == reg && cachedAccounting != nil {
		return cachedAccounting
	}
	f := promauto.With(reg)
	cachedAccountingReg = reg
	cachedAccounting = &accountingMetrics{
		writeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Name:      "accounting_write_duration_seconds",
				Help:      "Duration of usage record writes by backend",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"backend"}, // "badger", "memory"
		),
		writeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "accounting_write_errors_total",
				Help:      "Failed usage record writes by backend",
			},
			[]string{"backend"},
		),
		records: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Name:      "accounting_records",
				Help:      "Client records in the usage store as of the last listing",
			},
			[]string{"backend"},
		),
	}
	return cachedAccounting
}

func (m *accountingMetrics) ObserveWrite(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.writeDuration.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		m.writeErrors.WithLabelValues(backend).Inc()
	}
}

func (m *accountingMetrics) SetRecords(backend string, n int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(backend).Set(float64(n))
}
