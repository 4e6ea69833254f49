package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/session"
	"github.com/marmos91/veil/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter int

func (c counter) Count() int { return int(c) }

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	resp := Response{Data: data}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	return resp
}

// withParam attaches a chi URL parameter so handlers can be called directly.
func withParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// ============================================================================
// Health Tests
// ============================================================================

func TestLiveness(t *testing.T) {
	t.Parallel()
	started := time.Now().Add(-time.Minute)
	h := NewHealthHandler(counter(3), nil, started, "v1.2.3")

	w := httptest.NewRecorder()
	h.Liveness(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var info HealthInfo
	resp := decode(t, w, &info)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "veil", info.Service)
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, 3, info.Sessions)
	assert.True(t, info.Ready)
	assert.WithinDuration(t, started, info.StartedAt, time.Millisecond)
	assert.NotEmpty(t, info.Uptime)
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	t.Run("NotReady", func(t *testing.T) {
		t.Parallel()
		h := NewHealthHandler(nil, func() bool { return false }, time.Now(), "")
		w := httptest.NewRecorder()
		h.Readiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", decode(t, w, nil).Status)
	})

	t.Run("Ready", func(t *testing.T) {
		t.Parallel()
		h := NewHealthHandler(counter(0), func() bool { return true }, time.Now(), "")
		w := httptest.NewRecorder()
		h.Readiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "healthy", decode(t, w, nil).Status)
	})
}

// ============================================================================
// Session Tests
// ============================================================================

func TestSessions(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Config{})
	conn, _ := transporttest.NewConn("h3", nil)
	sess, err := mgr.Begin(context.Background(), conn)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close(protocol.CloseNormal, "done", nil) })

	h := NewSessionHandler(mgr)

	t.Run("List", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest(http.MethodGet, "/sessions", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var infos []session.Info
		resp := decode(t, w, &infos)
		assert.Equal(t, "ok", resp.Status)
		require.Len(t, infos, 1)
		assert.Equal(t, sess.ID(), infos[0].ID)
		assert.Equal(t, "handshaking", infos[0].State)
		assert.Equal(t, "192.0.2.1:50000", infos[0].Peer)
		assert.Empty(t, infos[0].Streams)
	})

	t.Run("Get", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Get(w, withParam(httptest.NewRequest(http.MethodGet, "/sessions/x", nil), "id", sess.ID()))

		assert.Equal(t, http.StatusOK, w.Code)
		var info session.Info
		decode(t, w, &info)
		assert.Equal(t, "h3", info.ALPN)
	})

	t.Run("GetMissing", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Get(w, withParam(httptest.NewRequest(http.MethodGet, "/sessions/x", nil), "id", "nope"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "session not found", decode(t, w, nil).Error)
	})
}

func TestSessionsEmptyIsArray(t *testing.T) {
	t.Parallel()
	h := NewSessionHandler(session.NewManager(session.Config{}))
	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

// ============================================================================
// Accounting Tests
// ============================================================================

func TestAccounting(t *testing.T) {
	t.Parallel()
	store := accounting.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, "2001:db8::1", accounting.Delta{BytesUp: 10, BytesDown: 20, Sessions: 1}))
	require.NoError(t, store.Add(ctx, "192.0.2.9", accounting.Delta{Streams: 4}))

	h := NewAccountingHandler(store)

	t.Run("List", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest(http.MethodGet, "/accounting", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var recs []accounting.Record
		decode(t, w, &recs)
		require.Len(t, recs, 2)
		assert.Equal(t, "192.0.2.9", recs[0].Key)
		assert.Equal(t, "2001:db8::1", recs[1].Key)
	})

	t.Run("GetEscapedKey", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Get(w, withParam(httptest.NewRequest(http.MethodGet, "/accounting/x", nil), "key", "2001%3Adb8%3A%3A1"))

		assert.Equal(t, http.StatusOK, w.Code)
		var rec accounting.Record
		decode(t, w, &rec)
		assert.EqualValues(t, 10, rec.BytesUp)
		assert.EqualValues(t, 20, rec.BytesDown)
		assert.EqualValues(t, 1, rec.Sessions)
	})

	t.Run("GetMissing", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Get(w, withParam(httptest.NewRequest(http.MethodGet, "/accounting/x", nil), "key", "198.51.100.1"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
