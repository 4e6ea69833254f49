package credential

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/veil/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "k7PqT2vXw9LmZr4s"

// writePair generates a certificate for sni under dir.
func writePair(t *testing.T, dir, sni string) (certPath, keyPath string) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSigned(sni, time.Hour)
	require.NoError(t, err)
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, WriteKeyPair(certPath, keyPath, certPEM, keyPEM, true))
	return certPath, keyPath
}

// ============================================================================
// Load Tests
// ============================================================================

func TestLoad(t *testing.T) {
	t.Parallel()
	certPath, keyPath := writePair(t, t.TempDir(), "tunnel.example.com")

	c, err := Load(certPath, keyPath, testPassword, "tunnel.example.com", []string{"h3", "veil/1"})
	require.NoError(t, err)

	assert.Equal(t, "tunnel.example.com", c.SNI())
	assert.Equal(t, []string{"h3", "veil/1"}, c.ALPN())
	assert.Equal(t, "tunnel.example.com", c.Certificate().Leaf.Subject.CommonName)
	assert.True(t, c.NotAfter().After(time.Now()))

	sum := sha256.Sum256(c.Certificate().Leaf.Raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), c.Fingerprint())
	assert.Len(t, c.Fingerprint(), 64)
}

func TestLoadDefaultsALPN(t *testing.T) {
	t.Parallel()
	certPath, keyPath := writePair(t, t.TempDir(), "localhost")

	c, err := Load(certPath, keyPath, testPassword, "localhost", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"h3"}, c.ALPN())
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	certPath, keyPath := writePair(t, dir, "localhost")

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))

	tests := []struct {
		name     string
		cert     string
		key      string
		password string
	}{
		{"MissingCert", filepath.Join(dir, "nope.pem"), keyPath, testPassword},
		{"MissingKey", certPath, filepath.Join(dir, "nope.pem"), testPassword},
		{"MalformedCert", garbage, keyPath, testPassword},
		{"MalformedKey", certPath, garbage, testPassword},
		{"MismatchedPair", certPath, certPath, testPassword},
		{"EmptyPassword", certPath, keyPath, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.cert, tt.key, tt.password, "localhost", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, protocol.ErrConfig)
		})
	}
}

func TestCredentialIsImmutable(t *testing.T) {
	t.Parallel()
	certPath, keyPath := writePair(t, t.TempDir(), "localhost")
	alpn := []string{"h3"}

	c, err := Load(certPath, keyPath, testPassword, "localhost", alpn)
	require.NoError(t, err)

	alpn[0] = "mutated"
	got := c.ALPN()
	got[0] = "also-mutated"
	assert.Equal(t, []string{"h3"}, c.ALPN())

	pemCopy := c.CertificatePEM()
	pemCopy[0] = 'X'
	assert.NotEqual(t, pemCopy[0], c.CertificatePEM()[0])
	assert.NotEmpty(t, c.KeyPEM())
}

// ============================================================================
// Password Tests
// ============================================================================

func TestVerifyPassword(t *testing.T) {
	t.Parallel()
	certPath, keyPath := writePair(t, t.TempDir(), "localhost")
	c, err := Load(certPath, keyPath, testPassword, "localhost", nil)
	require.NoError(t, err)

	assert.True(t, c.VerifyPassword(testPassword))
	assert.False(t, c.VerifyPassword(""))
	assert.False(t, c.VerifyPassword(testPassword+"x"))
	assert.False(t, c.VerifyPassword(testPassword[:len(testPassword)-1]))
	assert.False(t, c.VerifyPassword("K7PqT2vXw9LmZr4s"), "comparison is case sensitive")
}

// ============================================================================
// ALPN Tests
// ============================================================================

func TestNegotiateALPN(t *testing.T) {
	t.Parallel()

	p, err := NegotiateALPN([]string{"veil/1", "h3"}, []string{"h3", "veil/1"})
	require.NoError(t, err)
	assert.Equal(t, "h3", p, "server preference wins")

	_, err = NegotiateALPN([]string{"h2"}, []string{"h3"})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProtocol)

	_, err = NegotiateALPN(nil, []string{"h3"})
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

// ============================================================================
// Self-signed Generation Tests
// ============================================================================

func TestGenerateSelfSigned(t *testing.T) {
	t.Parallel()

	t.Run("Hostname", func(t *testing.T) {
		t.Parallel()
		certPEM, keyPEM, err := GenerateSelfSigned("vpn.example.org", 0)
		require.NoError(t, err)

		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		require.NoError(t, err)
		c, err := New(certPEM, keyPEM, testPassword, "vpn.example.org", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"vpn.example.org"}, c.Certificate().Leaf.DNSNames)
		assert.NotNil(t, pair.PrivateKey)
		assert.True(t, c.NotAfter().After(time.Now().Add(DefaultValidity-24*time.Hour)))
	})

	t.Run("IPAddress", func(t *testing.T) {
		t.Parallel()
		certPEM, keyPEM, err := GenerateSelfSigned("192.0.2.10", time.Hour)
		require.NoError(t, err)
		c, err := New(certPEM, keyPEM, testPassword, "192.0.2.10", nil)
		require.NoError(t, err)
		require.Len(t, c.Certificate().Leaf.IPAddresses, 1)
		assert.Equal(t, "192.0.2.10", c.Certificate().Leaf.IPAddresses[0].String())
		assert.Empty(t, c.Certificate().Leaf.DNSNames)
	})

	t.Run("EmptySNI", func(t *testing.T) {
		t.Parallel()
		_, _, err := GenerateSelfSigned("", time.Hour)
		assert.ErrorIs(t, err, protocol.ErrConfig)
	})
}

func TestWriteKeyPairRefusesOverwrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	certPath, keyPath := writePair(t, dir, "localhost")

	err := WriteKeyPair(certPath, keyPath, []byte("x"), []byte("y"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// ============================================================================
// Provider Tests
// ============================================================================

func TestNewProvider(t *testing.T) {
	t.Parallel()
	id := Identity{Password: testPassword, SNI: "localhost"}

	p, err := NewProvider(ProviderFile, "c.pem", "k.pem", id)
	require.NoError(t, err)
	assert.Equal(t, ProviderFile, p.Name())
	assert.Equal(t, []string{"c.pem", "k.pem"}, p.Paths())

	_, err = NewProvider(ProviderFile, "", "k.pem", id)
	assert.ErrorIs(t, err, protocol.ErrConfig)

	p, err = NewProvider("", "", "", id)
	require.NoError(t, err)
	assert.Equal(t, ProviderSelfSigned, p.Name())
	assert.Empty(t, p.Paths())

	_, err = NewProvider("acme", "", "", id)
	assert.ErrorIs(t, err, protocol.ErrConfig)
}

func TestSelfSignedProviderPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := &SelfSignedProvider{
		CertPath: filepath.Join(dir, "tls", "cert.pem"),
		KeyPath:  filepath.Join(dir, "tls", "key.pem"),
		Identity: Identity{Password: testPassword, SNI: "localhost"},
	}

	first, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, p.CertPath)
	assert.FileExists(t, p.KeyPath)

	second, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint(), "restart keeps the certificate")
}

func TestSelfSignedProviderErrors(t *testing.T) {
	t.Parallel()

	t.Run("EmptyPassword", func(t *testing.T) {
		t.Parallel()
		p := &SelfSignedProvider{Identity: Identity{SNI: "localhost"}}
		_, err := p.Load(context.Background())
		assert.ErrorIs(t, err, protocol.ErrConfig)
	})

	t.Run("HalfPresentPair", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		certPath := filepath.Join(dir, "cert.pem")
		require.NoError(t, os.WriteFile(certPath, []byte("x"), 0o600))

		p := &SelfSignedProvider{
			CertPath: certPath,
			KeyPath:  filepath.Join(dir, "key.pem"),
			Identity: Identity{Password: testPassword, SNI: "localhost"},
		}
		_, err := p.Load(context.Background())
		assert.ErrorIs(t, err, protocol.ErrConfig)
	})

	t.Run("Ephemeral", func(t *testing.T) {
		t.Parallel()
		p := &SelfSignedProvider{Identity: Identity{Password: testPassword, SNI: "localhost"}}
		a, err := p.Load(context.Background())
		require.NoError(t, err)
		b, err := p.Load(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("CancelledContext", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := &FileProvider{Identity: Identity{Password: testPassword}}
		_, err := p.Load(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
