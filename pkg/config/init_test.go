package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfig_Success(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	require.NoError(t, err)

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)

	for _, section := range []string{"# veil configuration file", "listen:", "tls:", "auth:", "bandwidth:", "quic:", "relay:"} {
		if !strings.Contains(string(content), section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.False(t, IsWeakPassword(cfg.Auth.Password))
	assert.Equal(t, filepath.Join(filepath.Dir(configPath), "cert.pem"), cfg.TLS.Cert)
	assert.Equal(t, "self-signed", cfg.TLS.Provider)
}

func TestInitConfig_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, InitConfigToPath(path, false))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	err = InitConfigToPath(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, InitConfigToPath(path, true))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "force regenerates the password")
}

func TestGeneratePassword(t *testing.T) {
	a, err := GeneratePassword()
	require.NoError(t, err)
	b, err := GeneratePassword()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.False(t, IsWeakPassword(a))
}

func TestWriteSampleConfig_Invalid(t *testing.T) {
	cfg := GetDefaultConfig()
	err := WriteSampleConfig(cfg, filepath.Join(t.TempDir(), "c.yaml"), false)
	assert.Error(t, err, "a config without password is not written")
}
