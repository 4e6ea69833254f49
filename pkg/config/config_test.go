package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "k7PqT2vXw9LmZr4s"

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are escape sequences.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
auth:
  password: "`+testPassword+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":443", cfg.Listen)
	assert.Equal(t, "self-signed", cfg.TLS.Provider)
	assert.Equal(t, []string{"h3"}, cfg.TLS.ALPN)
	assert.Equal(t, "password", cfg.Auth.Type)
	assert.Equal(t, 10*time.Second, cfg.QUIC.MaxIdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Relay.ConnectTimeout)
	assert.Equal(t, 16*bytesize.KiB, cfg.Relay.BufferSize)
	assert.Equal(t, time.Second, cfg.Bandwidth.Burst)
	assert.True(t, cfg.Bandwidth.Up.Unlimited())
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.API.Enabled, "api defaults to enabled when the file is silent")
	assert.True(t, cfg.Supervisor.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoad_FullFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
listen: "0.0.0.0:8443"
tls:
  provider: file
  cert: "`+yamlSafePath(dir)+`/cert.pem"
  key: "`+yamlSafePath(dir)+`/key.pem"
  sni: tunnel.example.com
  alpn: [h3, hq-29]
auth:
  password: "`+testPassword+`"
bandwidth:
  up: 200 Mbps
  down: 25MB/s
  burst: 500ms
  global:
    down: 1Gbps
quic:
  max_idle_timeout: 30s
  max_concurrent_streams: 16
  initial_stream_receive_window: 64KiB
  max_stream_receive_window: 1MiB
  memory_mb: 256
relay:
  connect_timeout: 5s
  buffer_size: 32KiB
api:
  enabled: false
logging:
  level: debug
  format: JSON
accounting:
  enabled: true
  backend: badger
  path: "`+yamlSafePath(dir)+`/acct"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8443", cfg.Listen)
	assert.Equal(t, "file", cfg.TLS.Provider)
	assert.Equal(t, []string{"h3", "hq-29"}, cfg.TLS.ALPN)
	assert.Equal(t, "tunnel.example.com", cfg.TLS.SNI)
	assert.Equal(t, bytesize.Rate(25_000_000), cfg.Bandwidth.Up)
	assert.Equal(t, bytesize.Rate(25_000_000), cfg.Bandwidth.Down)
	assert.Equal(t, bytesize.Rate(125_000_000), cfg.Bandwidth.Global.Down)
	assert.True(t, cfg.Bandwidth.Global.Up.Unlimited())
	assert.Equal(t, 500*time.Millisecond, cfg.Bandwidth.Burst)
	assert.Equal(t, 30*time.Second, cfg.QUIC.MaxIdleTimeout)
	assert.Equal(t, 16, cfg.QUIC.MaxConcurrentStreams)
	assert.Equal(t, 64*bytesize.KiB, cfg.QUIC.InitialStreamReceiveWindow)
	assert.Equal(t, bytesize.MiB, cfg.QUIC.MaxStreamReceiveWindow)
	assert.Equal(t, 256, cfg.QUIC.MemoryMB)
	assert.Equal(t, 32*bytesize.KiB, cfg.Relay.BufferSize)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "badger", cfg.Accounting.Backend)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
auth:
  password: "`+testPassword+`"
`)
	t.Setenv("VEIL_LISTEN", ":9443")
	t.Setenv("VEIL_AUTH_PASSWORD", "an-env-supplied-secret")
	t.Setenv("VEIL_BANDWIDTH_DOWN", "100 Mbps")
	t.Setenv("VEIL_QUIC_MAX_IDLE_TIMEOUT", "45s")
	t.Setenv("VEIL_TLS_ALPN", "h3,veil/1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, "an-env-supplied-secret", cfg.Auth.Password)
	assert.Equal(t, bytesize.Rate(12_500_000), cfg.Bandwidth.Down)
	assert.Equal(t, 45*time.Second, cfg.QUIC.MaxIdleTimeout)
	assert.Equal(t, []string{"h3", "veil/1"}, cfg.TLS.ALPN)
}

func TestLoad_NoFileUsesEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("VEIL_AUTH_PASSWORD", "only-from-the-environment")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "only-from-the-environment", cfg.Auth.Password)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("MissingPassword", func(t *testing.T) {
		_, err := Load(writeConfig(t, "listen: \":443\"\n"))
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrConfig)
		assert.Contains(t, err.Error(), "Password")
	})

	t.Run("BadRate", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
auth: { password: "`+testPassword+`" }
bandwidth: { up: "fast" }
`))
		assert.Error(t, err)
	})

	t.Run("BadYAML", func(t *testing.T) {
		_, err := Load(writeConfig(t, "listen: [unterminated\n"))
		assert.Error(t, err)
	})
}

func TestMustLoad_MissingFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "veil init --config")

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err = MustLoad("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "veil init")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Auth.Password = testPassword
	cfg.Bandwidth.Up = 25 * bytesize.Mbps
	cfg.QUIC.MaxStreamReceiveWindow = 2 * bytesize.MiB
	cfg.API.Enabled = false

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	assert.Equal(t, filepath.Join(dir, "veil"), GetConfigDir())
	assert.Equal(t, filepath.Join(dir, "veil", "config.yaml"), GetDefaultConfigPath())
	assert.False(t, DefaultConfigExists())
}
