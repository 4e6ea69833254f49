package config

import (
	"strings"
	"time"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/marmos91/veil/internal/telemetry"
)

// Defaults that other packages refer to.
const (
	DefaultListen           = ":443"
	DefaultSNI              = "localhost"
	DefaultALPN             = "h3"
	DefaultIdleTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultBufferSize       = 16 * bytesize.KiB
	DefaultUDPIdleTimeout   = 60 * time.Second
	DefaultBurst            = time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultMetricsPort      = 9090
	DefaultAPIPort          = 9091
)

// ApplyDefaults fills zero-valued fields. Explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	applyTLSDefaults(&cfg.TLS)
	applyAuthDefaults(&cfg.Auth)
	applyBandwidthDefaults(&cfg.Bandwidth)
	applyQUICDefaults(&cfg.QUIC)
	applyRelayDefaults(&cfg.Relay)
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyAPIDefaults(&cfg.API)
	applyAccountingDefaults(&cfg.Accounting)
	applySupervisorDefaults(&cfg.Supervisor)
}

func applyTLSDefaults(cfg *TLSConfig) {
	if cfg.Provider == "" {
		if cfg.Cert != "" && cfg.Key != "" {
			cfg.Provider = "file"
		} else {
			cfg.Provider = "self-signed"
		}
	}
	if cfg.SNI == "" {
		cfg.SNI = DefaultSNI
	}
	if len(cfg.ALPN) == 0 {
		cfg.ALPN = []string{DefaultALPN}
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Type == "" {
		cfg.Type = "password"
	}
}

func applyBandwidthDefaults(cfg *BandwidthConfig) {
	if cfg.Burst == 0 {
		cfg.Burst = DefaultBurst
	}
}

func applyQUICDefaults(cfg *QUICConfig) {
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = DefaultIdleTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

func applyRelayDefaults(cfg *RelayConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.UDPIdleTimeout == 0 {
		cfg.UDPIdleTimeout = DefaultUDPIdleTimeout
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Level == "WARNING" {
		cfg.Level = "WARN"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	def := telemetry.DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}

	prof := telemetry.DefaultProfilingConfig()
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = prof.Endpoint
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = prof.ProfileTypes
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultAPIPort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

func applyAccountingDefaults(cfg *AccountingConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
}

func applySupervisorDefaults(cfg *SupervisorConfig) {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.ResetAfter == 0 {
		cfg.ResetAfter = time.Minute
	}
}

// GetDefaultConfig returns a Config with every default applied. The password
// is left empty; InitConfig generates one.
func GetDefaultConfig() *Config {
	cfg := &Config{
		API:        APIConfig{Enabled: true},
		Supervisor: SupervisorConfig{Enabled: true},
		Telemetry:  TelemetryConfig{Insecure: true},
	}
	ApplyDefaults(cfg)
	return cfg
}
