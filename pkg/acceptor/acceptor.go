// Package acceptor admits QUIC connections into the tunnel.
//
// Every accepted connection is handshaken in its own goroutine: the client
// opens a control stream, sends AUTH with the shared password, and on a
// match the connection becomes a session handed to the session manager.
// The accept loop itself never waits on a handshake.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/internal/telemetry"
	"github.com/marmos91/veil/pkg/credential"
	"github.com/marmos91/veil/pkg/metrics"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/session"
	"github.com/marmos91/veil/pkg/transport"
)

const (
	// DefaultHandshakeTimeout bounds control stream open plus AUTH.
	DefaultHandshakeTimeout = protocol.DefaultHandshakeTimeout

	// DefaultShutdownTimeout bounds the graceful drain in Stop.
	DefaultShutdownTimeout = 30 * time.Second
)

// Credentials yields the credential used to verify AUTH. credential.Store
// satisfies it and swaps the value on hot reload.
type Credentials interface {
	Current() *credential.Credential
}

// Config configures an Acceptor.
type Config struct {
	// MaxConnections caps concurrent transports; 0 means unlimited.
	// Connections over the cap are closed right after the transport
	// handshake.
	MaxConnections int

	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration

	Metrics metrics.ProxyMetrics
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Acceptor runs the accept loop over a transport.Listener.
//
// Shutdown flow:
//  1. Stop closes the listener, which makes Serve's Accept fail
//  2. In-flight handshakes are cancelled and sessions get the shutdown code
//  3. Serve waits up to ShutdownTimeout for connection goroutines
//  4. Connections still open after that are force-closed
//
// Thread Safety: Serve must be called once. Stop and the accessors are safe
// for concurrent use.
type Acceptor struct {
	cfg      Config
	creds    Credentials
	sessions *session.Manager

	// connSemaphore limits concurrent connections when MaxConnections > 0.
	connSemaphore chan struct{}

	// activeConns tracks connection goroutines for graceful shutdown.
	activeConns sync.WaitGroup

	// connCount is the live connection gauge.
	connCount atomic.Int32

	// activeConnections maps connection id to transport.Conn for forced
	// closure.
	activeConnections sync.Map

	shutdownOnce sync.Once
	shutdown     chan struct{}

	// serveCtx is cancelled on shutdown to abort in-flight handshakes and
	// close served sessions.
	serveCtx    context.Context
	cancelServe context.CancelFunc

	listenerMu    sync.RWMutex
	listener      transport.Listener
	listenerReady chan struct{}
}

// New creates an acceptor that verifies clients against creds and hands
// authenticated sessions to sessions.
func New(cfg Config, creds Credentials, sessions *session.Manager) *Acceptor {
	cfg.applyDefaults()

	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Acceptor{
		cfg:           cfg,
		creds:         creds,
		sessions:      sessions,
		connSemaphore: sem,
		shutdown:      make(chan struct{}),
		serveCtx:      ctx,
		cancelServe:   cancel,
		listenerReady: make(chan struct{}),
	}
}

// Serve accepts connections from ln until ctx is cancelled or Stop is
// called. It returns nil after a graceful shutdown and an error when the
// listener fails on its own.
func (a *Acceptor) Serve(ctx context.Context, ln transport.Listener) error {
	a.listenerMu.Lock()
	a.listener = ln
	a.listenerMu.Unlock()
	close(a.listenerReady)

	logger.Info("Acceptor listening", logger.KeyListen, ln.Addr().String(),
		"max_connections", a.cfg.MaxConnections)

	go func() {
		select {
		case <-ctx.Done():
			a.initiateShutdown()
		case <-a.shutdown:
		}
	}()

	for {
		conn, err := ln.Accept(a.serveCtx)
		if err != nil {
			select {
			case <-a.shutdown:
				return a.gracefulShutdown()
			default:
			}
			a.initiateShutdown()
			_ = a.gracefulShutdown()
			return protocol.NewError(protocol.KindTransport, "acceptor.accept", err)
		}

		if !a.acquire() {
			a.rejectOverCapacity(conn)
			continue
		}

		a.activeConns.Add(1)
		a.connCount.Add(1)
		a.activeConnections.Store(conn.ID(), conn)

		go a.handleConn(conn)
	}
}

func (a *Acceptor) acquire() bool {
	if a.connSemaphore == nil {
		return true
	}
	select {
	case a.connSemaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

func (a *Acceptor) release() {
	if a.connSemaphore != nil {
		<-a.connSemaphore
	}
}

func (a *Acceptor) rejectOverCapacity(conn transport.Conn) {
	clientIP := transport.ClientIP(conn.RemoteAddr())
	logger.Warn("Connection limit reached, rejecting",
		logger.ClientIP(clientIP),
		logger.KeyActive, a.connCount.Load(),
		"max_connections", a.cfg.MaxConnections)
	metrics.RecordHandshake(a.cfg.Metrics, metrics.HandshakeRejected, 0)
	_ = conn.CloseWithError(protocol.CloseShutdown, "server at capacity")
}

// handleConn runs one connection from handshake to session end.
func (a *Acceptor) handleConn(conn transport.Conn) {
	start := time.Now()
	clientIP := transport.ClientIP(conn.RemoteAddr())

	defer func() {
		a.activeConnections.Delete(conn.ID())
		a.connCount.Add(-1)
		a.release()
		a.activeConns.Done()
		logger.Debug("Connection finished",
			logger.ClientIP(clientIP),
			logger.KeyActive, a.connCount.Load())
	}()

	ctx := logger.WithContext(a.serveCtx, logger.NewLogContext(clientIP))
	sess, err := a.sessions.Begin(ctx, conn)
	if err != nil {
		metrics.RecordHandshake(a.cfg.Metrics, metrics.HandshakeRejected, time.Since(start))
		_ = conn.CloseWithError(protocol.CloseShutdown, "server shutting down")
		return
	}

	control, err := a.handshake(sess, conn)
	outcome := handshakeOutcome(err)
	metrics.RecordHandshake(a.cfg.Metrics, outcome, time.Since(start))
	if err != nil {
		if a.serveCtx.Err() != nil {
			sess.Close(protocol.CloseShutdown, "server shutting down", nil)
			return
		}
		if outcome == metrics.HandshakeAuthFailed {
			logger.WarnCtx(sess.Context(), "Authentication failed", logger.Err(err))
		} else {
			logger.DebugCtx(sess.Context(), "Handshake failed",
				logger.KeyStatus, outcome, logger.Err(err))
		}
		code, reason := closeFor(outcome)
		sess.Close(code, reason, err)
		return
	}

	logger.DebugCtx(sess.Context(), "Client authenticated",
		logger.KeyALPN, conn.ALPN(),
		logger.DurationMs(time.Since(start)))

	// Serve reports abnormal ends through the session's own logging.
	_ = a.sessions.Serve(a.serveCtx, sess, control)
}

// handshake accepts the control stream and verifies AUTH. On success the
// session is Authenticated and AUTH_RESULT has been written.
func (a *Acceptor) handshake(sess *session.Session, conn transport.Conn) (transport.Stream, error) {
	ctx, span := telemetry.StartHandshakeSpan(sess.Context(), sess.ClientIP(),
		telemetry.ALPN(conn.ALPN()), telemetry.SessionID(sess.ID()))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()
	// the session context outlives Stop; the handshake must not
	stop := context.AfterFunc(a.serveCtx, cancel)
	defer stop()

	control, err := conn.AcceptStream(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = handshakeTimeout("no control stream", a.cfg.HandshakeTimeout)
		}
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = control.SetReadDeadline(deadline)
	}
	f, err := protocol.Expect(control, protocol.FrameAuth)
	_ = control.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = handshakeTimeout("no AUTH", a.cfg.HandshakeTimeout)
		}
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	auth, err := protocol.ParseAuth(f.Payload)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	cred := a.creds.Current()
	if cred == nil || !cred.VerifyPassword(auth.Password) {
		err := protocol.Errorf(protocol.KindAuthentication, "acceptor.auth", "password mismatch")
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	if !sess.Authenticate() {
		return nil, protocol.Errorf(protocol.KindTransport, "acceptor.auth",
			"session is %s", sess.State())
	}
	ok := protocol.Result{Type: protocol.FrameAuthResult, Status: protocol.StatusOK}
	if err := protocol.WriteMessage(control, ok, 0); err != nil {
		return nil, protocol.NewError(protocol.KindTransport, "acceptor.auth", err)
	}
	return control, nil
}

// handshakeTimeout is a protocol error that still matches
// os.ErrDeadlineExceeded.
func handshakeTimeout(what string, after time.Duration) error {
	return protocol.NewError(protocol.KindProtocol, "acceptor.handshake",
		fmt.Errorf("%s within %s: %w", what, after, os.ErrDeadlineExceeded))
}

func handshakeOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.HandshakeOK
	case errors.Is(err, os.ErrDeadlineExceeded):
		return metrics.HandshakeTimeout
	case protocol.IsKind(err, protocol.KindAuthentication):
		return metrics.HandshakeAuthFailed
	default:
		return metrics.HandshakeProtocolError
	}
}

func closeFor(outcome string) (uint64, string) {
	switch outcome {
	case metrics.HandshakeAuthFailed:
		return protocol.CloseAuthFailed, "authentication failed"
	case metrics.HandshakeTimeout:
		return protocol.CloseProtocol, "handshake timeout"
	default:
		return protocol.CloseProtocol, "handshake failed"
	}
}

// Stop initiates graceful shutdown and waits for Serve's drain or ctx.
// Safe to call multiple times.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.initiateShutdown()

	done := make(chan struct{})
	go func() {
		a.activeConns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.forceCloseConnections()
		return ctx.Err()
	}
}

// initiateShutdown closes the listener and cancels in-flight work. Safe to
// call multiple times.
func (a *Acceptor) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Debug("Acceptor shutdown initiated")
		close(a.shutdown)

		a.listenerMu.RLock()
		ln := a.listener
		a.listenerMu.RUnlock()
		if ln != nil {
			if err := ln.Close(); err != nil {
				logger.Debug("Error closing listener", logger.Err(err))
			}
		}
		a.cancelServe()
	})
}

// gracefulShutdown waits for connection goroutines up to ShutdownTimeout,
// then force-closes whatever is left.
func (a *Acceptor) gracefulShutdown() error {
	active := a.connCount.Load()
	logger.Info("Acceptor graceful shutdown: waiting for connections",
		logger.KeyActive, active,
		"timeout", a.cfg.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		a.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Acceptor graceful shutdown complete")
		return nil
	case <-time.After(a.cfg.ShutdownTimeout):
		remaining := a.connCount.Load()
		logger.Warn("Acceptor shutdown timeout exceeded, forcing closure",
			logger.KeyActive, remaining,
			"timeout", a.cfg.ShutdownTimeout)
		a.forceCloseConnections()
		return fmt.Errorf("shutdown timeout: %d connections force-closed", remaining)
	}
}

func (a *Acceptor) forceCloseConnections() {
	closed := 0
	a.activeConnections.Range(func(key, value any) bool {
		if conn, ok := value.(transport.Conn); ok {
			if err := conn.CloseWithError(protocol.CloseShutdown, "server shutting down"); err != nil {
				logger.Debug("Error force-closing connection", "conn", key, logger.Err(err))
			} else {
				closed++
			}
		}
		return true
	})
	if closed > 0 {
		logger.Info("Force-closed connections", "count", closed)
	}
}

// ActiveConnections returns the number of live connections.
func (a *Acceptor) ActiveConnections() int32 {
	return a.connCount.Load()
}

// Addr returns the bound address once Serve has started, nil before.
func (a *Acceptor) Addr() net.Addr {
	a.listenerMu.RLock()
	defer a.listenerMu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Ready is closed once Serve has a listener.
func (a *Acceptor) Ready() <-chan struct{} {
	return a.listenerReady
}
