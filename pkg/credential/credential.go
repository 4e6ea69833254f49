// Package credential holds the TLS identity and shared secret the tunnel
// server authenticates with. A Credential is immutable once built; the
// Store swaps whole snapshots when certificates are reloaded.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/marmos91/veil/pkg/protocol"
)

// DefaultALPN is negotiated when no list is configured.
var DefaultALPN = []string{"h3"}

// Credential is a loaded TLS identity plus the tunnel password.
type Credential struct {
	password [sha256.Size]byte

	cert    tls.Certificate
	certPEM []byte
	keyPEM  []byte
	sni     string
	alpn    []string
}

// Load reads a PEM certificate and key from disk. It fails with a
// ConfigError if either file is unreadable or malformed, or if password is
// empty.
func Load(certPath, keyPath, password, sni string, alpn []string) (*Credential, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfig, "credential.load", fmt.Errorf("read certificate: %w", err))
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfig, "credential.load", fmt.Errorf("read key: %w", err))
	}
	return New(certPEM, keyPEM, password, sni, alpn)
}

// New builds a Credential from PEM-encoded material.
func New(certPEM, keyPEM []byte, password, sni string, alpn []string) (*Credential, error) {
	if password == "" {
		return nil, protocol.Errorf(protocol.KindConfig, "credential.load", "password must not be empty")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfig, "credential.load", fmt.Errorf("parse key pair: %w", err))
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, protocol.NewError(protocol.KindConfig, "credential.load", fmt.Errorf("parse certificate: %w", err))
		}
		cert.Leaf = leaf
	}

	if len(alpn) == 0 {
		alpn = DefaultALPN
	}
	return &Credential{
		password: sha256.Sum256([]byte(password)),
		cert:     cert,
		certPEM:  slices.Clone(certPEM),
		keyPEM:   slices.Clone(keyPEM),
		sni:      sni,
		alpn:     slices.Clone(alpn),
	}, nil
}

// VerifyPassword reports whether candidate equals the configured password.
// Both sides are hashed first so the comparison time does not depend on
// either length.
func (c *Credential) VerifyPassword(candidate string) bool {
	sum := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(sum[:], c.password[:]) == 1
}

// Certificate returns the TLS certificate. Callers must not modify it.
func (c *Credential) Certificate() *tls.Certificate {
	return &c.cert
}

// CertificatePEM returns a copy of the PEM certificate chain.
func (c *Credential) CertificatePEM() []byte {
	return slices.Clone(c.certPEM)
}

// KeyPEM returns a copy of the PEM private key.
func (c *Credential) KeyPEM() []byte {
	return slices.Clone(c.keyPEM)
}

// SNI is the server name clients are told to present.
func (c *Credential) SNI() string {
	return c.sni
}

// ALPN returns a copy of the accepted protocols in preference order.
func (c *Credential) ALPN() []string {
	return slices.Clone(c.alpn)
}

// NotAfter is the leaf certificate expiry.
func (c *Credential) NotAfter() time.Time {
	return c.cert.Leaf.NotAfter
}

// Fingerprint is the lowercase hex SHA-256 of the leaf certificate DER.
func (c *Credential) Fingerprint() string {
	sum := sha256.Sum256(c.cert.Leaf.Raw)
	return hex.EncodeToString(sum[:])
}

// NegotiateALPN returns the first server protocol the client offered. A
// client offering nothing in common is a ProtocolError.
func NegotiateALPN(offered, supported []string) (string, error) {
	for _, p := range supported {
		if slices.Contains(offered, p) {
			return p, nil
		}
	}
	return "", protocol.Errorf(protocol.KindProtocol, "tls.alpn",
		"no common application protocol: client offered [%s], server accepts [%s]",
		strings.Join(offered, ","), strings.Join(supported, ","))
}
