package upstream

import (
	"time"

	"github.com/c360/chatrelay/errors"
)

// Config tunes the upstream session.
type Config struct {
	// BackoffFloor is the first reconnect delay and the value restored on open.
	BackoffFloor time.Duration
	// BackoffCap bounds the doubling reconnect delay.
	BackoffCap time.Duration
	// Jitter is the symmetric fraction applied to each delay.
	Jitter float64
	// PingInterval must stay below the platform's idle timeout.
	PingInterval time.Duration
	// IdleTimeout closes a session that has received nothing for this long.
	IdleTimeout time.Duration
	// DialTimeout bounds the socket handshake.
	DialTimeout time.Duration
	// WriteTimeout bounds ack and ping writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		BackoffFloor: time.Second,
		BackoffCap:   30 * time.Second,
		Jitter:       0.2,
		PingInterval: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.BackoffFloor <= 0 || c.BackoffCap < c.BackoffFloor:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "upstream", "Validate", "backoff floor must be positive and not above cap")
	case c.Jitter < 0 || c.Jitter >= 1:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "upstream", "Validate", "jitter must be in [0,1)")
	case c.PingInterval <= 0 || c.IdleTimeout <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "upstream", "Validate", "ping interval and idle timeout must be positive")
	case c.DialTimeout <= 0 || c.WriteTimeout <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "upstream", "Validate", "dial and write timeouts must be positive")
	}
	return nil
}
