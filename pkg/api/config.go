package api

import (
	"fmt"
	"time"
)

// Config configures the status API HTTP server.
type Config struct {
	// Port is the HTTP port. Zero picks 9091; tests pass -1 for an
	// ephemeral port.
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 10s
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	// Default: 10s
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 60s
	IdleTimeout time.Duration
}

// DefaultPort is the status API port when none is configured.
const DefaultPort = 9091

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

func (c *Config) listenAddr() string {
	if c.Port < 0 {
		return "127.0.0.1:0"
	}
	return fmt.Sprintf(":%d", c.Port)
}
