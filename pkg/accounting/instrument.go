package accounting

import (
	"context"
	"time"

	"github.com/marmos91/veil/pkg/metrics"
)

// instrumented records write latency and record counts for a Store.
type instrumented struct {
	Store
	backend string
	m       metrics.AccountingMetrics
}

// Instrument wraps s so its writes and listings are reported to m under
// backend. A nil m returns s unchanged.
func Instrument(s Store, backend string, m metrics.AccountingMetrics) Store {
	if m == nil {
		return s
	}
	return &instrumented{Store: s, backend: backend, m: m}
}

func (s *instrumented) Add(ctx context.Context, key string, d Delta) error {
	start := time.Now()
	err := s.Store.Add(ctx, key, d)
	s.m.ObserveWrite(s.backend, time.Since(start), err)
	return err
}

func (s *instrumented) List(ctx context.Context) ([]Record, error) {
	records, err := s.Store.List(ctx)
	if err == nil {
		s.m.SetRecords(s.backend, len(records))
	}
	return records, err
}
