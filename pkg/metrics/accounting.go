package metrics

import "time"

// AccountingMetrics provides observability for the usage accounting store.
//
// backend is the configured store name ("badger" or "memory").
type AccountingMetrics interface {
	// ObserveWrite records one Add call and whether it failed.
	ObserveWrite(backend string, d time.Duration, err error)

	// SetRecords records the number of client records seen by the last List.
	SetRecords(backend string, n int)
}

// NewAccountingMetrics creates a Prometheus-backed AccountingMetrics.
//
// Returns nil if metrics are not enabled or the prometheus implementation
// is not linked in.
func NewAccountingMetrics() AccountingMetrics {
	if !IsEnabled() || newPrometheusAccountingMetrics == nil {
		return nil
	}
	return newPrometheusAccountingMetrics()
}

var newPrometheusAccountingMetrics func() AccountingMetrics

// RegisterAccountingMetricsConstructor registers the Prometheus implementation.
func RegisterAccountingMetricsConstructor(constructor func() AccountingMetrics) {
	newPrometheusAccountingMetrics = constructor
}
