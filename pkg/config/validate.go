package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/veil/internal/telemetry"
	"github.com/marmos91/veil/pkg/protocol"
)

// MinPasswordLength is the shortest password accepted without
// auth.allow_weak_password.
const MinPasswordLength = 12

// commonPasswords are rejected regardless of length unless weak passwords
// are explicitly allowed.
var commonPasswords = map[string]struct{}{
	"password":         {},
	"password123":      {},
	"changeme":         {},
	"changeme123":      {},
	"123456789012":     {},
	"qwertyuiopas":     {},
	"letmein":          {},
	"admin":            {},
	"secret":           {},
	"veil":             {},
	"veilpassword":     {},
	"correcthorsebatt": {},
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("listenaddr", validateListenAddr)
		_ = validate.RegisterValidation("profiletype", func(fl validator.FieldLevel) bool {
			return telemetry.ValidProfileType(fl.Field().String())
		})
	})
	return validate
}

// validateListenAddr accepts "host:port" and ":port" with port 1-65535.
func validateListenAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

// IsWeakPassword reports whether pw is too short or well known.
func IsWeakPassword(pw string) bool {
	if len(pw) < MinPasswordLength {
		return true
	}
	_, common := commonPasswords[strings.ToLower(pw)]
	return common
}

// Validate checks struct constraints and cross-field rules. Failures are
// ConfigError.
func Validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' validation", fe.Namespace(), fe.Tag()))
			}
			return protocol.Errorf(protocol.KindConfig, "config.validate", "%s", strings.Join(msgs, "; "))
		}
		return protocol.NewError(protocol.KindConfig, "config.validate", err)
	}

	var problems []string

	if cfg.TLS.Provider == "file" && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		problems = append(problems, "tls.cert and tls.key are required with the file provider")
	}
	if (cfg.TLS.Cert == "") != (cfg.TLS.Key == "") {
		problems = append(problems, "tls.cert and tls.key must be set together")
	}
	if cfg.TLS.Watch && cfg.TLS.Cert == "" {
		problems = append(problems, "tls.watch requires tls.cert and tls.key")
	}

	if !cfg.Auth.AllowWeakPassword && cfg.Auth.Password != "" && IsWeakPassword(cfg.Auth.Password) {
		problems = append(problems, fmt.Sprintf(
			"auth.password is weak (fewer than %d characters or a common password); "+
				"choose a stronger one or set auth.allow_weak_password", MinPasswordLength))
	}

	q := cfg.QUIC
	if q.InitialStreamReceiveWindow != 0 && q.MaxStreamReceiveWindow != 0 &&
		q.InitialStreamReceiveWindow > q.MaxStreamReceiveWindow {
		problems = append(problems, "quic.initial_stream_receive_window exceeds quic.max_stream_receive_window")
	}
	if q.InitialConnReceiveWindow != 0 && q.MaxConnReceiveWindow != 0 &&
		q.InitialConnReceiveWindow > q.MaxConnReceiveWindow {
		problems = append(problems, "quic.initial_conn_receive_window exceeds quic.max_conn_receive_window")
	}

	if cfg.Metrics.Enabled && cfg.API.Enabled && cfg.Metrics.Port == cfg.API.Port {
		problems = append(problems, fmt.Sprintf("metrics.port and api.port both use %d", cfg.API.Port))
	}

	if cfg.Accounting.Enabled && cfg.Accounting.Backend == "badger" && cfg.Accounting.Path == "" {
		problems = append(problems, "accounting.path is required with the badger backend")
	}

	if cfg.Supervisor.MaxBackoff != 0 && cfg.Supervisor.InitialBackoff > cfg.Supervisor.MaxBackoff {
		problems = append(problems, "supervisor.initial_backoff exceeds supervisor.max_backoff")
	}

	if len(problems) > 0 {
		return protocol.Errorf(protocol.KindConfig, "config.validate", "%s", strings.Join(problems, "; "))
	}
	return nil
}
