// Package config loads, validates and saves the veil server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. VEIL_AUTH_PASSWORD.
const EnvPrefix = "VEIL"

// Config is the static configuration of a veil server. It is built once at
// startup and passed explicitly to every component.
//
// Sources, highest precedence first:
//  1. Environment variables (VEIL_*)
//  2. Configuration file (YAML or TOML)
//  3. Defaults
type Config struct {
	// Listen is the UDP address the QUIC listener binds, e.g. ":443".
	Listen string `mapstructure:"listen" validate:"required,listenaddr" yaml:"listen"`

	TLS       TLSConfig       `mapstructure:"tls" yaml:"tls"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Bandwidth BandwidthConfig `mapstructure:"bandwidth" yaml:"bandwidth"`
	QUIC      QUICConfig      `mapstructure:"quic" yaml:"quic"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`

	// MaxConnections caps concurrent QUIC connections. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`

	// ShutdownTimeout bounds graceful shutdown before connections are
	// force-closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	Accounting AccountingConfig `mapstructure:"accounting" yaml:"accounting"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
}

// TLSConfig selects the certificate and the negotiated application protocols.
type TLSConfig struct {
	// Provider is "file" (load Cert/Key) or "self-signed" (generate a
	// certificate for SNI, persisted to Cert/Key when both are set).
	Provider string `mapstructure:"provider" validate:"required,oneof=file self-signed" yaml:"provider"`

	Cert string `mapstructure:"cert" yaml:"cert,omitempty"`
	Key  string `mapstructure:"key" yaml:"key,omitempty"`

	// SNI is the server name clients should present. It is the CN of
	// generated certificates and a hint in client URIs; it is not enforced.
	SNI string `mapstructure:"sni" validate:"required,max=253" yaml:"sni"`

	// ALPN lists acceptable application protocols in preference order.
	ALPN []string `mapstructure:"alpn" validate:"required,min=1,dive,required,max=255" yaml:"alpn"`

	// Watch reloads Cert/Key when they change on disk.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// AuthConfig holds the shared tunnel secret.
type AuthConfig struct {
	Type     string `mapstructure:"type" validate:"required,oneof=password" yaml:"type"`
	Password string `mapstructure:"password" validate:"required" yaml:"password"`

	// AllowWeakPassword accepts short or well-known passwords.
	AllowWeakPassword bool `mapstructure:"allow_weak_password" yaml:"allow_weak_password,omitempty"`
}

// BandwidthConfig caps throughput. Zero rates are unlimited.
type BandwidthConfig struct {
	// Up limits client to upstream traffic per session.
	Up bytesize.Rate `mapstructure:"up" yaml:"up,omitempty"`
	// Down limits upstream to client traffic per session.
	Down bytesize.Rate `mapstructure:"down" yaml:"down,omitempty"`
	// Burst is the bucket ceiling expressed as time at the configured rate.
	Burst time.Duration `mapstructure:"burst" validate:"gte=0" yaml:"burst"`

	// Global caps the whole process, shared by all sessions.
	Global GlobalBandwidthConfig `mapstructure:"global" yaml:"global"`
}

// GlobalBandwidthConfig caps aggregate throughput.
type GlobalBandwidthConfig struct {
	Up   bytesize.Rate `mapstructure:"up" yaml:"up,omitempty"`
	Down bytesize.Rate `mapstructure:"down" yaml:"down,omitempty"`
}

// QUICConfig tunes the transport. Zero window and stream values are derived
// from available memory.
type QUICConfig struct {
	MaxIdleTimeout       time.Duration `mapstructure:"max_idle_timeout" validate:"required,gt=0" yaml:"max_idle_timeout"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout" validate:"required,gt=0" yaml:"handshake_timeout"`
	MaxConcurrentStreams int           `mapstructure:"max_concurrent_streams" validate:"gte=0,lte=65535" yaml:"max_concurrent_streams"`

	InitialStreamReceiveWindow bytesize.ByteSize `mapstructure:"initial_stream_receive_window" yaml:"initial_stream_receive_window"`
	MaxStreamReceiveWindow     bytesize.ByteSize `mapstructure:"max_stream_receive_window" yaml:"max_stream_receive_window"`
	InitialConnReceiveWindow   bytesize.ByteSize `mapstructure:"initial_conn_receive_window" yaml:"initial_conn_receive_window"`
	MaxConnReceiveWindow       bytesize.ByteSize `mapstructure:"max_conn_receive_window" yaml:"max_conn_receive_window"`

	// MemoryMB overrides total memory detection. 0 detects.
	MemoryMB int `mapstructure:"memory_mb" validate:"gte=0" yaml:"memory_mb"`
}

// RelayConfig tunes upstream connections.
type RelayConfig struct {
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout" validate:"required,gt=0" yaml:"connect_timeout"`
	BufferSize     bytesize.ByteSize `mapstructure:"buffer_size" validate:"gte=512,lte=1048576" yaml:"buffer_size"`
	UDPIdleTimeout time.Duration     `mapstructure:"udp_idle_timeout" validate:"required,gt=0" yaml:"udp_idle_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR, normalized to upper case.
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" validate:"dive,profiletype" yaml:"profile_types"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// APIConfig controls the local status API.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gte=0" yaml:"idle_timeout"`
}

// AccountingConfig controls per-client traffic totals.
type AccountingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend string `mapstructure:"backend" validate:"omitempty,oneof=memory badger" yaml:"backend"`
	// Path is the badger directory. Required for the badger backend.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// SupervisorConfig controls restart of the serve loop after failures.
type SupervisorConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRestarts    int           `mapstructure:"max_restarts" validate:"gte=0" yaml:"max_restarts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0" yaml:"max_backoff"`
	ResetAfter     time.Duration `mapstructure:"reset_after" validate:"gte=0" yaml:"reset_after"`
}

// Load reads configuration from file, environment and defaults, then
// validates it. An empty configPath searches the default location; a missing
// file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Decode onto the defaults so booleans that default to true survive
	// files that do not mention them.
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is Load with operator-facing errors when the file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Initialize one first:\n"+
				"  veil init\n\n"+
				"Or point at a file:\n"+
				"  veil <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  veil init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML with owner-only permissions, since the file
// holds the tunnel password.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeConfigFile(path, data)
}

func writeConfigFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// bindEnvs registers every leaf key with viper. AutomaticEnv alone only
// covers keys viper already knows from a file, so without this an override
// like VEIL_AUTH_PASSWORD is ignored when no file sets auth.password.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// readConfigFile reports whether a file was found. A missing file is fine.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		rateDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook accepts "64KiB" style strings and plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// rateDecodeHook accepts "200 Mbps" style strings and plain bytes/s.
func rateDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.Rate(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseRate(v)
		case int:
			return bytesize.Rate(v), nil
		case int64:
			return bytesize.Rate(v), nil
		case uint64:
			return bytesize.Rate(v), nil
		case float64:
			return bytesize.Rate(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook accepts "30s" style strings. Raw integers are
// nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/veil, ~/.config/veil, or "." when
// no home directory is known.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "veil")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "veil")
}

// GetConfigDir returns the default configuration directory.
func GetConfigDir() string {
	return getConfigDir()
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether the default configuration file exists.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
