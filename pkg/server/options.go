package server

import (
	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/platform"
	"github.com/marmos91/veil/pkg/relay"
	"github.com/marmos91/veil/pkg/transport"
)

// Option customizes a Server.
type Option func(*options)

type options struct {
	version    string
	detector   platform.Detector
	dialer     relay.Dialer
	listener   transport.Listener
	accounting accounting.Store
}

// WithVersion sets the version reported by the status API.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithDetector replaces memory detection when deriving the flow-control
// profile.
func WithDetector(d platform.Detector) Option {
	return func(o *options) { o.detector = d }
}

// WithDialer replaces the dialer used for upstream connections.
func WithDialer(d relay.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithListener serves ln instead of binding the configured QUIC address.
// The server closes ln on shutdown.
func WithListener(ln transport.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithAccountingStore uses st instead of the configured accounting
// backend. The server closes st on shutdown.
func WithAccountingStore(st accounting.Store) Option {
	return func(o *options) { o.accounting = st }
}
