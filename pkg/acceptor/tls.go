package acceptor

import (
	"crypto/tls"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/credential"
	"github.com/marmos91/veil/pkg/metrics"
	"github.com/marmos91/veil/pkg/transport"
)

// TLSConfig returns the server TLS configuration for store. The certificate
// is looked up per handshake so reloads apply to new connections, and a
// client offering no protocol from the credential's ALPN list is refused
// with a ProtocolError before any tunnel frame is read.
func TLSConfig(store *credential.Store, m metrics.ProxyMetrics) *tls.Config {
	base := store.TLSConfig()
	base.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		supported := store.Current().ALPN()
		if _, err := credential.NegotiateALPN(hello.SupportedProtos, supported); err != nil {
			var clientIP string
			if hello.Conn != nil {
				clientIP = transport.ClientIP(hello.Conn.RemoteAddr())
			}
			logger.Warn("Rejecting handshake: no common ALPN",
				logger.ClientIP(clientIP),
				logger.KeyALPN, hello.SupportedProtos,
				logger.Err(err))
			metrics.RecordHandshake(m, metrics.HandshakeProtocolError, 0)
			metrics.RecordError(m, "ProtocolError")
			return nil, err
		}

		cfg := base.Clone()
		cfg.GetConfigForClient = nil
		cfg.NextProtos = supported
		return cfg, nil
	}
	return base
}
