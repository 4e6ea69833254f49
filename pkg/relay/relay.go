// Package relay moves bytes between an admitted session stream and its
// upstream target. TCP streams are pumped in both directions with
// flow-control windows and half-close; UDP streams carry DATAGRAM frames
// over a connected UDP socket until the association goes idle.
package relay

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/internal/telemetry"
	"github.com/marmos91/veil/pkg/bufpool"
	"github.com/marmos91/veil/pkg/metrics"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/marmos91/veil/pkg/session"
	"github.com/marmos91/veil/pkg/shaper"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultBufferSize     = bufpool.DefaultMediumSize
	DefaultUDPIdleTimeout = 60 * time.Second

	// shaperWaitThreshold filters token waits too short to report.
	shaperWaitThreshold = time.Millisecond
)

// errFinished cancels the remaining direction once a relay is done.
var errFinished = errors.New("relay finished")

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a Relay.
type Config struct {
	ConnectTimeout time.Duration
	BufferSize     int
	UDPIdleTimeout time.Duration
	Dialer         Dialer
	Metrics        metrics.ProxyMetrics
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = DefaultUDPIdleTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
}

// Relay serves session streams.
//
// Thread Safety: A Relay is stateless and serves streams concurrently.
type Relay struct {
	cfg Config
}

var _ session.StreamHandler = (*Relay)(nil)

// New creates a relay.
func New(cfg Config) *Relay {
	cfg.applyDefaults()
	return &Relay{cfg: cfg}
}

// ServeStream connects st to its target and relays until both directions
// finish, the stream fails or ctx is done.
func (r *Relay) ServeStream(ctx context.Context, st *session.Stream) error {
	up, err := r.dial(ctx, st)
	if err != nil {
		_ = st.Respond(err)
		return err
	}
	defer func() { _ = up.Close() }()

	if err := st.Respond(nil); err != nil {
		return err
	}
	logger.DebugCtx(ctx, "upstream connected", "upstream_addr", up.RemoteAddr().String())

	if st.Kind() == protocol.StreamUDP {
		err = r.relayUDP(ctx, st, up)
	} else {
		err = r.relayTCP(ctx, st, up)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// dial connects to the target within the connect timeout. Resolution and
// connect failures are UpstreamUnreachable.
func (r *Relay) dial(ctx context.Context, st *session.Stream) (net.Conn, error) {
	network := st.Kind().Network()
	ctx, span := telemetry.StartDialSpan(ctx, network, st.Target())
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	conn, err := r.cfg.Dialer.DialContext(dctx, network, st.Target())
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		telemetry.RecordError(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, protocol.Errorf(protocol.KindUpstreamUnreachable, "relay.dial",
				"dial %s %s: no connection within %s", network, st.Target(), r.cfg.ConnectTimeout)
		}
		return nil, protocol.NewError(protocol.KindUpstreamUnreachable, "relay.dial", err)
	}
	return conn, nil
}

// acquire takes shaper tokens for n bytes and reports long waits.
func (r *Relay) acquire(ctx context.Context, sh *shaper.Shaper, dir shaper.Direction, n int) error {
	start := time.Now()
	if err := sh.Acquire(ctx, dir, n); err != nil {
		return err
	}
	if d := time.Since(start); d >= shaperWaitThreshold {
		metrics.ObserveShaperWait(r.cfg.Metrics, dir.String(), d)
	}
	return nil
}

func clientErr(err error) error {
	if protocol.KindOf(err) != protocol.KindUnknown {
		return err
	}
	return protocol.NewError(protocol.KindTransport, "relay.client", err)
}

func upstreamErr(err error) error {
	if protocol.KindOf(err) != protocol.KindUnknown {
		return err
	}
	return protocol.NewError(protocol.KindUpstreamUnreachable, "relay.upstream", err)
}
