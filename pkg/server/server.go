// Package server assembles a veil proxy from its configuration: the
// flow-control profile, TLS credentials, bandwidth shapers, session table,
// relay, acceptor and the optional metrics and status endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/acceptor"
	"github.com/marmos91/veil/pkg/accounting"
	accountingbadger "github.com/marmos91/veil/pkg/accounting/badger"
	"github.com/marmos91/veil/pkg/api"
	"github.com/marmos91/veil/pkg/config"
	"github.com/marmos91/veil/pkg/credential"
	"github.com/marmos91/veil/pkg/flowcontrol"
	"github.com/marmos91/veil/pkg/metrics"
	"github.com/marmos91/veil/pkg/platform"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/relay"
	"github.com/marmos91/veil/pkg/session"
	"github.com/marmos91/veil/pkg/shaper"
	"github.com/marmos91/veil/pkg/supervisor"
	"github.com/marmos91/veil/pkg/transport"

	// Registers the Prometheus metrics constructors.
	_ "github.com/marmos91/veil/pkg/metrics/prometheus"
)

// Server is one assembled proxy. It is served once; build a new one to
// start again.
type Server struct {
	cfg  *config.Config
	opts options

	profile    flowcontrol.Profile
	creds      *credential.Store
	global     *shaper.Shaper
	accounting accounting.Store
	metrics    metrics.ProxyMetrics
	sessions   *session.Manager
	relay      *relay.Relay
	acceptor   *acceptor.Acceptor

	metricsServer *metrics.Server
	apiServer     *api.Server

	startedAt time.Time
	ready     atomic.Bool
	served    atomic.Bool
}

// New builds a server from cfg. Nothing is bound until Serve.
func New(cfg *config.Config, opts ...Option) (_ *Server, err error) {
	if cfg == nil {
		return nil, protocol.Errorf(protocol.KindConfig, "server.new", "configuration is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{cfg: cfg, opts: o, startedAt: time.Now()}
	defer func() {
		if err != nil {
			_ = s.release()
		}
	}()

	detector := o.detector
	if detector == nil {
		detector = platform.NewDetector(cfg.QUIC.MemoryMB)
	}
	s.profile = flowcontrol.DeriveFrom(detector).Apply(flowcontrol.Overrides{
		MaxConcurrentStreams: cfg.QUIC.MaxConcurrentStreams,
		InitialStreamWindow:  cfg.QUIC.InitialStreamReceiveWindow,
		MaxStreamWindow:      cfg.QUIC.MaxStreamReceiveWindow,
		InitialConnWindow:    cfg.QUIC.InitialConnReceiveWindow,
		MaxConnWindow:        cfg.QUIC.MaxConnReceiveWindow,
	})
	if err := s.profile.Validate(); err != nil {
		return nil, protocol.NewError(protocol.KindConfig, "server.profile", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		s.metrics = metrics.NewProxyMetrics()
		s.metricsServer = metrics.NewServer(cfg.Metrics.Port)
	}

	provider, err := credential.NewProvider(cfg.TLS.Provider, cfg.TLS.Cert, cfg.TLS.Key, credential.Identity{
		Password: cfg.Auth.Password,
		SNI:      cfg.TLS.SNI,
		ALPN:     cfg.TLS.ALPN,
	})
	if err != nil {
		return nil, err
	}
	s.creds, err = credential.NewStore(context.Background(), provider)
	if err != nil {
		return nil, err
	}
	s.creds.OnReload(func(*credential.Credential) {
		metrics.CredentialReloaded(s.metrics)
	})

	globalCfg := shaper.Config{
		Up:    cfg.Bandwidth.Global.Up,
		Down:  cfg.Bandwidth.Global.Down,
		Burst: cfg.Bandwidth.Burst,
	}
	if !globalCfg.Unlimited() {
		s.global = shaper.New(globalCfg, nil)
	}

	s.accounting, err = openAccounting(cfg.Accounting, o.accounting)
	if err != nil {
		return nil, err
	}
	if s.accounting != nil && cfg.Metrics.Enabled {
		s.accounting = accounting.Instrument(s.accounting, accountingBackend(cfg.Accounting, o.accounting), metrics.NewAccountingMetrics())
	}

	s.relay = relay.New(relay.Config{
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		BufferSize:     cfg.Relay.BufferSize.Int(),
		UDPIdleTimeout: cfg.Relay.UDPIdleTimeout,
		Dialer:         o.dialer,
		Metrics:        s.metrics,
	})

	s.sessions = session.NewManager(session.Config{
		Profile: s.profile,
		Shaper: shaper.Config{
			Up:    cfg.Bandwidth.Up,
			Down:  cfg.Bandwidth.Down,
			Burst: cfg.Bandwidth.Burst,
		},
		Global:       s.global,
		Handler:      s.relay,
		Accounting:   s.accounting,
		Metrics:      s.metrics,
		OpenTimeout:  cfg.QUIC.HandshakeTimeout,
		DrainTimeout: cfg.QUIC.MaxIdleTimeout,
	})

	s.acceptor = acceptor.New(acceptor.Config{
		MaxConnections:   cfg.MaxConnections,
		HandshakeTimeout: cfg.QUIC.HandshakeTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Metrics:          s.metrics,
	}, s.creds, s.sessions)

	if cfg.API.Enabled {
		s.apiServer = api.NewServer(api.Config{
			Port:         cfg.API.Port,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  cfg.API.IdleTimeout,
		}, api.Sources{
			Sessions:   s.sessions,
			Accounting: s.accounting,
			Ready:      s.ready.Load,
			StartedAt:  s.startedAt,
			Version:    o.version,
		})
	}

	return s, nil
}

func openAccounting(cfg config.AccountingConfig, override accounting.Store) (accounting.Store, error) {
	if override != nil {
		return override, nil
	}
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "badger":
		st, err := accountingbadger.Open(cfg.Path)
		if err != nil {
			return nil, protocol.NewError(protocol.KindConfig, "server.accounting", err)
		}
		return st, nil
	case "memory", "":
		return accounting.NewMemoryStore(), nil
	default:
		return nil, protocol.Errorf(protocol.KindConfig, "server.accounting", "unknown backend %q", cfg.Backend)
	}
}

func accountingBackend(cfg config.AccountingConfig, override accounting.Store) string {
	switch {
	case override != nil:
		return "custom"
	case cfg.Backend == "":
		return "memory"
	default:
		return cfg.Backend
	}
}

// Serve binds the listener and proxies until ctx is cancelled, then closes
// every session with the shutdown code and unbinds. It returns nil after a
// clean shutdown. A bind failure is a ConfigError.
func (s *Server) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return errors.New("server already served")
	}

	ln := s.opts.listener
	if ln == nil {
		var err error
		ln, err = transport.ListenQUIC(s.cfg.Listen,
			acceptor.TLSConfig(s.creds, s.metrics),
			s.profile.QUICConfig(s.cfg.QUIC.MaxIdleTimeout, s.cfg.QUIC.HandshakeTimeout))
		if err != nil {
			s.release()
			return protocol.NewError(protocol.KindConfig, "server.listen", err)
		}
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.TLS.Watch {
		if err := s.creds.Watch(serveCtx); err != nil {
			logger.Warn("Certificate hot-reload disabled", logger.Err(err))
		}
	}

	errCh := make(chan error, 2)
	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.Start(serveCtx); err != nil {
				errCh <- err
			}
		}()
	}
	if s.apiServer != nil {
		go func() {
			if err := s.apiServer.Start(serveCtx); err != nil {
				errCh <- err
			}
		}()
	}

	// The acceptor outlives ctx until shutdown has closed the sessions.
	// Closing a QUIC listener tears down its connections without a close
	// code.
	acceptCtx, stopAccept := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAccept()
	acceptDone := make(chan error, 1)
	go func() { acceptDone <- s.acceptor.Serve(acceptCtx, ln) }()
	<-s.acceptor.Ready()
	s.ready.Store(true)

	current := s.creds.Current()
	logger.Info("veil server is running",
		logger.KeyListen, ln.Addr().String(),
		"profile", s.profile.String(),
		"sni", current.SNI(),
		logger.KeyALPN, current.ALPN(),
		"max_connections", s.cfg.MaxConnections)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping server")
	case err := <-acceptDone:
		acceptDone = nil
		if err != nil {
			serveErr = fmt.Errorf("acceptor failed: %w", err)
		}
	case err := <-errCh:
		serveErr = err
	}

	if err := s.shutdown(cancel, acceptDone); err != nil {
		logger.Warn("Shutdown finished with errors", logger.Err(err))
	}
	return serveErr
}

// shutdown closes sessions before the listener so clients receive the
// shutdown close code.
func (s *Server) shutdown(cancel context.CancelFunc, acceptDone <-chan error) error {
	s.ready.Store(false)

	ctx, done := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer done()

	var errs []error
	if err := s.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := s.acceptor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("acceptor: %w", err))
	}
	cancel()

	if acceptDone != nil {
		select {
		case err := <-acceptDone:
			if err != nil {
				errs = append(errs, fmt.Errorf("acceptor: %w", err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("acceptor: %w", ctx.Err()))
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}

	logger.Info("Server stopped")
	return errors.Join(errs...)
}

// release frees what New acquired.
func (s *Server) release() error {
	var errs []error
	if s.creds != nil {
		if err := s.creds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("credentials: %w", err))
		}
	}
	s.global.Close()
	if s.accounting != nil {
		if err := s.accounting.Close(); err != nil {
			errs = append(errs, fmt.Errorf("accounting: %w", err))
		}
		s.accounting = nil
	}
	return errors.Join(errs...)
}

// Addr returns the bound listener address once Serve is ready, else nil.
func (s *Server) Addr() net.Addr {
	return s.acceptor.Addr()
}

// Ready is closed once Serve has bound its listener.
func (s *Server) Ready() <-chan struct{} {
	return s.acceptor.Ready()
}

// APIAddr returns the status API address once it listens, else nil.
func (s *Server) APIAddr() net.Addr {
	if s.apiServer == nil {
		return nil
	}
	return s.apiServer.Addr()
}

// Sessions returns the live session table.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Profile returns the effective flow-control profile.
func (s *Server) Profile() flowcontrol.Profile {
	return s.profile
}

// Credential returns the credential currently presented to clients.
func (s *Server) Credential() *credential.Credential {
	return s.creds.Current()
}

// Run serves cfg until ctx is cancelled. With the supervisor enabled a
// failed serve loop is rebuilt and restarted with exponential backoff;
// configuration errors are never retried.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) error {
	serveOnce := func(ctx context.Context) error {
		srv, err := New(cfg, opts...)
		if err != nil {
			return err
		}
		return srv.Serve(ctx)
	}

	if !cfg.Supervisor.Enabled {
		return serveOnce(ctx)
	}

	sup := supervisor.New(supervisor.Config{
		MaxRestarts:    cfg.Supervisor.MaxRestarts,
		InitialBackoff: cfg.Supervisor.InitialBackoff,
		MaxBackoff:     cfg.Supervisor.MaxBackoff,
		ResetAfter:     cfg.Supervisor.ResetAfter,
	})
	return sup.Run(ctx, "server", serveOnce)
}
