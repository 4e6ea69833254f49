// Package accounting keeps per-client traffic totals. Sessions and streams
// report their counters when they close.
package accounting

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("accounting record not found")

// Delta is added to a record. Up is client to upstream, Down the reverse.
type Delta struct {
	BytesUp   uint64
	BytesDown uint64
	Sessions  uint64
	Streams   uint64
}

// Record is the running total for one client.
type Record struct {
	Key       string    `json:"key"`
	BytesUp   uint64    `json:"bytes_up"`
	BytesDown uint64    `json:"bytes_down"`
	Sessions  uint64    `json:"sessions"`
	Streams   uint64    `json:"streams"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Apply adds d to r at time now.
func (r *Record) Apply(d Delta, now time.Time) {
	if r.FirstSeen.IsZero() {
		r.FirstSeen = now
	}
	r.LastSeen = now
	r.BytesUp += d.BytesUp
	r.BytesDown += d.BytesDown
	r.Sessions += d.Sessions
	r.Streams += d.Streams
}

// Store persists records keyed by client IP.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	Add(ctx context.Context, key string, d Delta) error
	Get(ctx context.Context, key string) (Record, error)
	// List returns every record ordered by key.
	List(ctx context.Context) ([]Record, error)
	Close() error
}
