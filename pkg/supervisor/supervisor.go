// Package supervisor restarts long-running components after failures with
// exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/protocol"
)

const (
	DefaultMaxRestarts    = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultResetAfter     = time.Minute
)

// ErrTooManyRestarts is returned once a component failed more than
// MaxRestarts times in a row.
var ErrTooManyRestarts = errors.New("too many restarts")

// Config configures restart policy.
type Config struct {
	// MaxRestarts is the number of consecutive failures tolerated before
	// Run gives up. Zero means the first failure is final.
	MaxRestarts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ResetAfter is the run length after which a failure no longer counts
	// as consecutive: the backoff and the failure count start over.
	ResetAfter time.Duration
}

// Supervisor applies one restart policy to any number of components.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor. Zero durations take the defaults; a negative
// MaxRestarts is treated as zero.
func New(cfg Config) *Supervisor {
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = DefaultResetAfter
	}
	return &Supervisor{cfg: cfg}
}

// Permanent wraps err so that Run returns it without restarting.
// ConfigError kinds are permanent without wrapping.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm) || protocol.IsKind(err, protocol.KindConfig)
}

// Run executes fn in a child goroutine and restarts it when it fails.
//
// Run returns nil when fn returns nil or ctx is cancelled. It returns fn's
// error unchanged when the error is permanent, and an error wrapping
// ErrTooManyRestarts and the last failure once MaxRestarts consecutive
// restarts have been spent. A panic in fn is recovered and treated as a
// failure.
func (s *Supervisor) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	failures := 0
	for {
		started := time.Now()
		err := runChild(ctx, fn)

		switch {
		case ctx.Err() != nil:
			logger.Debug("Supervised component stopped", "component", name, logger.Err(err))
			return nil
		case err == nil:
			logger.Debug("Supervised component finished", "component", name)
			return nil
		case isPermanent(err):
			logger.Error("Supervised component failed permanently", "component", name, logger.Err(err))
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return perm.Err
			}
			return err
		}

		if time.Since(started) >= s.cfg.ResetAfter {
			b.Reset()
			failures = 0
		}
		failures++
		if failures > s.cfg.MaxRestarts {
			logger.Error("Supervised component exceeded restart limit",
				"component", name,
				"max_restarts", s.cfg.MaxRestarts,
				logger.Err(err))
			return fmt.Errorf("%s: %w: %w", name, ErrTooManyRestarts, err)
		}

		delay := b.NextBackOff()
		logger.Warn("Supervised component failed, restarting",
			"component", name,
			logger.KeyAttempt, failures,
			logger.KeyBackoff, delay.String(),
			logger.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func runChild(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Supervised component panicked", "panic", r, "stack", string(debug.Stack()))
				errc <- fmt.Errorf("panic: %v", r)
			}
		}()
		errc <- fn(ctx)
	}()
	return <-errc
}
