package apiclient

import (
	"context"
	"net/http"

	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/api/handlers"
	"github.com/marmos91/veil/pkg/session"
)

// Health returns the liveness report.
func (c *Client) Health(ctx context.Context) (*handlers.HealthInfo, error) {
	var info handlers.HealthInfo
	if err := c.do(ctx, "/health", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ready returns the readiness report. A server that is up but not yet
// accepting tunnels answers 503 with Ready false, which is not an error.
func (c *Client) Ready(ctx context.Context) (*handlers.HealthInfo, error) {
	var info handlers.HealthInfo
	if err := c.do(ctx, "/health/ready", &info, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListSessions returns a snapshot of every open session.
func (c *Client) ListSessions(ctx context.Context) ([]session.Info, error) {
	var sessions []session.Info
	if err := c.do(ctx, "/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one session by ID.
func (c *Client) GetSession(ctx context.Context, id string) (*session.Info, error) {
	var info session.Info
	if err := c.do(ctx, "/sessions/"+escape(id), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListAccounting returns the persisted per-client totals ordered by key.
func (c *Client) ListAccounting(ctx context.Context) ([]accounting.Record, error) {
	var records []accounting.Record
	if err := c.do(ctx, "/accounting", &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetAccounting returns the totals for one client IP.
func (c *Client) GetAccounting(ctx context.Context, key string) (*accounting.Record, error) {
	var rec accounting.Record
	if err := c.do(ctx, "/accounting/"+escape(key), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
