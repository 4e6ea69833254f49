package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/api"
	"github.com/marmos91/veil/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, src api.Sources) *Client {
	t.Helper()
	srv := httptest.NewServer(api.NewRouter(src))
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestNew(t *testing.T) {
	client := New("http://localhost:9091/")
	assert.Equal(t, "http://localhost:9091", client.baseURL)

	short := client.WithTimeout(time.Second)
	assert.Equal(t, client.baseURL, short.baseURL)
	assert.Equal(t, time.Second, short.httpClient.Timeout)
}

func TestHealth(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	client := newTestServer(t, api.Sources{
		Sessions:  session.NewManager(session.Config{}),
		StartedAt: started,
		Version:   "1.2.3",
	})

	info, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "veil", info.Service)
	assert.Equal(t, "1.2.3", info.Version)
	assert.True(t, info.Ready)
	assert.Equal(t, 0, info.Sessions)
	assert.WithinDuration(t, started, info.StartedAt, time.Second)
}

func TestReadyNotReadyIsNotAnError(t *testing.T) {
	client := newTestServer(t, api.Sources{Ready: func() bool { return false }})

	info, err := client.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Ready)
}

func TestSessions(t *testing.T) {
	client := newTestServer(t, api.Sources{Sessions: session.NewManager(session.Config{})})

	sessions, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = client.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestAccounting(t *testing.T) {
	store := accounting.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, "2001:db8::1", accounting.Delta{BytesUp: 10, BytesDown: 20, Sessions: 1}))
	require.NoError(t, store.Add(ctx, "192.0.2.1", accounting.Delta{BytesUp: 5}))

	client := newTestServer(t, api.Sources{Accounting: store})

	records, err := client.ListAccounting(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	rec, err := client.GetAccounting(ctx, "2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.BytesUp)
	assert.Equal(t, uint64(20), rec.BytesDown)

	_, err = client.GetAccounting(ctx, "198.51.100.9")
	assert.True(t, IsNotFound(err))
}

func TestAccountingDisabled(t *testing.T) {
	client := newTestServer(t, api.Sources{})

	_, err := client.ListAccounting(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Health(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.False(t, apiErr.IsNotFound())
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, err := New(url).Health(context.Background())
	assert.Error(t, err)
}
