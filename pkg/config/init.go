package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# veil configuration file
#
# Environment variables override any value here, e.g.
#   VEIL_AUTH_PASSWORD, VEIL_LISTEN, VEIL_BANDWIDTH_UP
#
# Bandwidth accepts bit rates (200 Mbps) or byte rates (25 MB/s).
# Window sizes accept binary units (64KiB); 0 derives them from memory.

`

// GeneratePassword returns a random URL-safe password with 192 bits of
// entropy.
func GeneratePassword() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewSampleConfig returns defaults with a generated password and a
// persisted self-signed certificate under dir.
func NewSampleConfig(dir string) (*Config, error) {
	pw, err := GeneratePassword()
	if err != nil {
		return nil, err
	}
	cfg := GetDefaultConfig()
	cfg.Auth.Password = pw
	cfg.TLS.Cert = filepath.Join(dir, "cert.pem")
	cfg.TLS.Key = filepath.Join(dir, "key.pem")
	return cfg, nil
}

// InitConfig writes a sample configuration to the default path.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a sample configuration to path. An existing file
// is only replaced when force is set.
func InitConfigToPath(path string, force bool) error {
	cfg, err := NewSampleConfig(filepath.Dir(path))
	if err != nil {
		return err
	}
	return WriteSampleConfig(cfg, path, force)
}

// WriteSampleConfig validates cfg and writes it to path with a comment
// header.
func WriteSampleConfig(cfg *Config, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeConfigFile(path, append([]byte(configHeader), body...))
}
