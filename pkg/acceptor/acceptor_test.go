package acceptor

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/veil/pkg/credential"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/session"
	"github.com/marmos91/veil/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testPassword = "correct horse battery staple"
	waitFor      = 2 * time.Second
)

type staticCreds struct{ c *credential.Credential }

func (s staticCreds) Current() *credential.Credential { return s.c }

func newCredential(t *testing.T) *credential.Credential {
	t.Helper()
	certPEM, keyPEM, err := credential.GenerateSelfSigned("localhost", time.Hour)
	require.NoError(t, err)
	c, err := credential.New(certPEM, keyPEM, testPassword, "localhost", []string{"h3"})
	require.NoError(t, err)
	return c
}

type handshakeMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	errors   map[string]int
}

func newHandshakeMetrics() *handshakeMetrics {
	return &handshakeMetrics{outcomes: map[string]int{}, errors: map[string]int{}}
}

func (f *handshakeMetrics) RecordHandshake(outcome string, _ time.Duration) {
	f.mu.Lock()
	f.outcomes[outcome]++
	f.mu.Unlock()
}

func (f *handshakeMetrics) RecordError(kind string) {
	f.mu.Lock()
	f.errors[kind]++
	f.mu.Unlock()
}

func (f *handshakeMetrics) outcome(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[name]
}

func (f *handshakeMetrics) SessionOpened()                          {}
func (f *handshakeMetrics) SessionClosed(time.Duration)             {}
func (f *handshakeMetrics) StreamOpened(string)                     {}
func (f *handshakeMetrics) StreamRejected(string, string)           {}
func (f *handshakeMetrics) StreamClosed(string, time.Duration)      {}
func (f *handshakeMetrics) RecordBytes(string, uint64)              {}
func (f *handshakeMetrics) ObserveShaperWait(string, time.Duration) {}
func (f *handshakeMetrics) CredentialReloaded()                     {}

type fixture struct {
	acc     *Acceptor
	ln      *transporttest.Listener
	mgr     *session.Manager
	metrics *handshakeMetrics
	served  chan error
	cancel  context.CancelFunc
}

func start(t *testing.T, cfg Config) *fixture {
	t.Helper()
	m := newHandshakeMetrics()
	cfg.Metrics = m
	mgr := session.NewManager(session.Config{Metrics: m})
	f := &fixture{
		acc:     New(cfg, staticCreds{newCredential(t)}, mgr),
		ln:      transporttest.NewListener("h3"),
		mgr:     mgr,
		metrics: m,
		served:  make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.served <- f.acc.Serve(ctx, f.ln) }()
	<-f.acc.Ready()

	t.Cleanup(func() {
		cancel()
		select {
		case <-f.served:
		case <-time.After(waitFor):
		}
	})
	return f
}

func (f *fixture) dial(t *testing.T) *transporttest.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	cl, err := f.ln.Dial(ctx)
	require.NoError(t, err)
	return cl
}

// authenticate runs the client side of the handshake and returns the
// control stream together with the AUTH_RESULT.
func authenticate(t *testing.T, cl *transporttest.Client, password string) (*transporttest.Stream, protocol.Result, error) {
	t.Helper()
	control, err := cl.OpenStream()
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(control, protocol.Auth{Password: password}, 0))

	f, err := protocol.Expect(control, protocol.FrameAuthResult)
	if err != nil {
		return control, protocol.Result{}, err
	}
	res, err := protocol.ParseResult(f.Type, f.Payload)
	require.NoError(t, err)
	return control, res, nil
}

func waitClientClosed(t *testing.T, cl *transporttest.Client) *transporttest.ConnError {
	t.Helper()
	select {
	case <-cl.Context().Done():
	case <-time.After(waitFor):
		t.Fatal("connection was not closed")
	}
	ce := cl.CloseError()
	require.NotNil(t, ce)
	return ce
}

// ============================================================================
// Handshake Tests
// ============================================================================

func TestAuthenticateSuccess(t *testing.T) {
	t.Parallel()
	f := start(t, Config{})

	cl := f.dial(t)
	_, res, err := authenticate(t, cl, testPassword)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)

	require.Eventually(t, func() bool { return f.mgr.Count() == 1 }, waitFor, time.Millisecond)
	sess := f.mgr.Sessions()[0]
	assert.Equal(t, session.StateActive, sess.State())
	assert.Equal(t, "h3", sess.ALPN())
	assert.Equal(t, 1, f.metrics.outcome("ok"))
	assert.EqualValues(t, 1, f.acc.ActiveConnections())
}

func TestAuthenticateWrongPassword(t *testing.T) {
	t.Parallel()
	f := start(t, Config{})

	cl := f.dial(t)
	_, _, err := authenticate(t, cl, "guess")
	require.Error(t, err, "no AUTH_RESULT is sent on mismatch")

	ce := waitClientClosed(t, cl)
	assert.Equal(t, protocol.CloseAuthFailed, ce.Code)
	assert.True(t, ce.Remote)

	require.Eventually(t, func() bool { return f.acc.ActiveConnections() == 0 }, waitFor, time.Millisecond)
	assert.Zero(t, f.mgr.Count())
	assert.Equal(t, 1, f.metrics.outcome("auth_failed"))
}

func TestHandshakeNoControlStream(t *testing.T) {
	t.Parallel()
	f := start(t, Config{HandshakeTimeout: 50 * time.Millisecond})

	cl := f.dial(t)
	ce := waitClientClosed(t, cl)
	assert.Equal(t, protocol.CloseProtocol, ce.Code)
	require.Eventually(t, func() bool { return f.metrics.outcome("timeout") == 1 }, waitFor, time.Millisecond)
}

func TestHandshakeNoAuthFrame(t *testing.T) {
	t.Parallel()
	f := start(t, Config{HandshakeTimeout: 50 * time.Millisecond})

	cl := f.dial(t)
	_, err := cl.OpenStream()
	require.NoError(t, err)

	ce := waitClientClosed(t, cl)
	assert.Equal(t, protocol.CloseProtocol, ce.Code)
	require.Eventually(t, func() bool { return f.metrics.outcome("timeout") == 1 }, waitFor, time.Millisecond)
}

func TestHandshakeWrongFirstFrame(t *testing.T) {
	t.Parallel()
	f := start(t, Config{})

	cl := f.dial(t)
	control, err := cl.OpenStream()
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(control, protocol.FrameHeartbeat, 0, nil))

	ce := waitClientClosed(t, cl)
	assert.Equal(t, protocol.CloseProtocol, ce.Code)
	require.Eventually(t, func() bool { return f.metrics.outcome("protocol_error") == 1 }, waitFor, time.Millisecond)
}

func TestHandshakesRunConcurrently(t *testing.T) {
	t.Parallel()
	f := start(t, Config{HandshakeTimeout: time.Minute})

	// a client that never authenticates must not hold up the next one
	_ = f.dial(t)

	cl := f.dial(t)
	_, res, err := authenticate(t, cl, testPassword)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.EqualValues(t, 2, f.acc.ActiveConnections())
}

// ============================================================================
// Connection Limit Tests
// ============================================================================

func TestMaxConnections(t *testing.T) {
	t.Parallel()
	f := start(t, Config{MaxConnections: 1})

	first := f.dial(t)
	_, _, err := authenticate(t, first, testPassword)
	require.NoError(t, err)

	second := f.dial(t)
	ce := waitClientClosed(t, second)
	assert.Equal(t, protocol.CloseShutdown, ce.Code)
	assert.Equal(t, "server at capacity", ce.Reason)
	assert.Equal(t, 1, f.metrics.outcome("rejected"))

	// the slot frees once the first session ends
	first.Close(protocol.CloseNormal, "bye")
	require.Eventually(t, func() bool { return f.acc.ActiveConnections() == 0 }, waitFor, time.Millisecond)

	third := f.dial(t)
	_, res, err := authenticate(t, third, testPassword)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestStopClosesSessions(t *testing.T) {
	t.Parallel()
	f := start(t, Config{})

	authed := f.dial(t)
	_, _, err := authenticate(t, authed, testPassword)
	require.NoError(t, err)
	pending := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.acc.Stop(ctx))

	assert.Equal(t, protocol.CloseShutdown, waitClientClosed(t, authed).Code)
	assert.Equal(t, protocol.CloseShutdown, waitClientClosed(t, pending).Code)

	select {
	case err := <-f.served:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	assert.Zero(t, f.mgr.Count())

	_, err = f.ln.Dial(context.Background())
	assert.ErrorIs(t, err, transporttest.ErrListenerClosed)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	f := start(t, Config{})

	f.cancel()
	select {
	case err := <-f.served:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	assert.NotNil(t, f.acc.Addr())
}

// ============================================================================
// TLS Tests
// ============================================================================

func TestTLSConfigALPN(t *testing.T) {
	t.Parallel()
	certPEM, keyPEM, err := credential.GenerateSelfSigned("localhost", time.Hour)
	require.NoError(t, err)
	dir := t.TempDir()
	certPath, keyPath := dir+"/cert.pem", dir+"/key.pem"
	require.NoError(t, credential.WriteKeyPair(certPath, keyPath, certPEM, keyPEM, false))

	store, err := credential.NewStore(context.Background(), &credential.FileProvider{
		CertPath: certPath,
		KeyPath:  keyPath,
		Identity: credential.Identity{Password: testPassword, SNI: "localhost", ALPN: []string{"h3", "veil/1"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := newHandshakeMetrics()
	cfg := TLSConfig(store, m)
	require.NotNil(t, cfg.GetConfigForClient)

	t.Run("Overlap", func(t *testing.T) {
		got, err := cfg.GetConfigForClient(&tls.ClientHelloInfo{SupportedProtos: []string{"veil/1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"h3", "veil/1"}, got.NextProtos)
		assert.Nil(t, got.GetConfigForClient)
		assert.Equal(t, uint16(tls.VersionTLS13), got.MinVersion)
	})

	t.Run("NoOverlap", func(t *testing.T) {
		_, err := cfg.GetConfigForClient(&tls.ClientHelloInfo{SupportedProtos: []string{"http/1.1"}})
		require.Error(t, err)
		assert.True(t, protocol.IsKind(err, protocol.KindProtocol))
		assert.Equal(t, 1, m.outcome("protocol_error"))
	})
}
