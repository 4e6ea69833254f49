// Package session tracks authenticated tunnel sessions and multiplexes the
// relay streams each one opens.
//
// A Session is created in Handshaking by Begin, moves to Authenticated
// once the acceptor verified the client, and to Active when Serve starts
// reading its control stream and admitting streams. Closing a session
// cancels every child stream and releases its bandwidth shaper.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/internal/telemetry"
	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/flowcontrol"
	"github.com/marmos91/veil/pkg/metrics"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/shaper"
	"github.com/marmos91/veil/pkg/transport"
)

const (
	// DefaultOpenTimeout bounds the wait for the OPEN frame of a new stream.
	DefaultOpenTimeout = protocol.DefaultHandshakeTimeout

	// DefaultDrainTimeout bounds how long Close waits for stream goroutines.
	DefaultDrainTimeout = 10 * time.Second
)

// ErrManagerClosed is returned by Begin after Shutdown.
var ErrManagerClosed = errors.New("session manager is shut down")

// StreamHandler relays an admitted stream. It must call Stream.Respond
// before moving data, stop when ctx is done and release everything it
// opened before returning.
type StreamHandler interface {
	ServeStream(ctx context.Context, st *Stream) error
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(ctx context.Context, st *Stream) error

func (f StreamHandlerFunc) ServeStream(ctx context.Context, st *Stream) error {
	return f(ctx, st)
}

// Config configures a Manager.
type Config struct {
	// Profile supplies the per-session stream limit and relay windows.
	Profile flowcontrol.Profile

	// Shaper is the per-session bandwidth cap; Global, when set, is charged
	// for every session as well.
	Shaper shaper.Config
	Global *shaper.Shaper

	Handler    StreamHandler
	Accounting accounting.Store
	Metrics    metrics.ProxyMetrics

	OpenTimeout  time.Duration
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Profile.MaxConcurrentStreams <= 0 {
		c.Profile = flowcontrol.Relaxed()
	}
	if c.Handler == nil {
		c.Handler = StreamHandlerFunc(func(context.Context, *Stream) error {
			return protocol.Errorf(protocol.KindUpstreamUnreachable, "session.handler", "no relay configured")
		})
	}
}

// Manager holds the table of live sessions.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	shutdown bool
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Begin registers a session for conn in the Handshaking state. ctx supplies
// values such as the logging context; its cancellation does not close the
// session.
func (m *Manager) Begin(ctx context.Context, conn transport.Conn) (*Session, error) {
	clientIP := transport.ClientIP(conn.RemoteAddr())
	s := &Session{
		id:        conn.ID(),
		conn:      conn,
		clientIP:  clientIP,
		createdAt: time.Now(),
		m:         m,
		shaper:    shaper.New(m.cfg.Shaper, m.cfg.Global),
		streams:   make(map[uint64]*Stream),
		done:      make(chan struct{}),
	}
	s.touch()

	lc := logger.FromContext(ctx)
	if lc == nil {
		lc = logger.NewLogContext(clientIP)
	}
	base := context.WithoutCancel(ctx)
	base, s.span = telemetry.StartSessionSpan(base, s.id,
		telemetry.ClientIP(clientIP), telemetry.ALPN(conn.ALPN()))
	lc = lc.WithSession(s.id).WithTrace(telemetry.TraceID(base), telemetry.SpanID(base))
	s.ctx, s.cancel = context.WithCancelCause(logger.WithContext(base, lc))

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		s.cancel(ErrManagerClosed)
		s.span.End()
		return nil, ErrManagerClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	return s, nil
}

// Serve runs an authenticated session until it closes: control frames are
// answered on control and every further stream the client opens is
// admitted and handed to the handler. Cancelling ctx closes the session
// with the shutdown code. Serve returns the abnormal cause of the close,
// nil for an orderly one.
func (m *Manager) Serve(ctx context.Context, s *Session, control transport.Stream) error {
	s.mu.Lock()
	if !s.transition(StateActive) {
		state := s.State()
		s.mu.Unlock()
		err := protocol.Errorf(protocol.KindProtocol, "session.serve", "session is %s, not authenticated", state)
		s.Close(protocol.CloseProtocol, "not authenticated", err)
		return err
	}
	s.control = control
	s.mu.Unlock()

	metrics.SessionOpened(m.cfg.Metrics)
	logger.InfoCtx(s.ctx, "session active",
		logger.KeyALPN, s.ALPN(),
		logger.KeyStreams, m.cfg.Profile.MaxConcurrentStreams)

	stop := context.AfterFunc(ctx, func() {
		s.Close(protocol.CloseShutdown, "server shutting down", nil)
	})
	defer stop()

	go s.controlLoop(control)
	s.acceptLoop()
	<-s.done
	return s.err
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of tracked sessions, including handshaking ones.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns the tracked sessions ordered by creation time.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Snapshot returns point-in-time views of all sessions.
func (m *Manager) Snapshot() []Info {
	sessions := m.Sessions()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// Shutdown refuses new sessions and closes every tracked one with the
// shutdown code. It returns ctx.Err() if sessions are still closing when
// ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	sessions := m.Sessions()
	if len(sessions) == 0 {
		return nil
	}
	logger.Info("closing sessions", logger.KeyActive, len(sessions))

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(protocol.CloseShutdown, "server shutting down", nil)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
