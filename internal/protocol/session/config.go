package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/ndp/internal/protocol/frame"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session timing and sizing.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ByeTimeout bounds the best-effort Bye sent while closing.
	ByeTimeout      time.Duration
	PingInterval    time.Duration
	LivenessTimeout time.Duration
	// MaxPacketSize is advertised in Hello and caps what a peer may advertise.
	MaxPacketSize uint32
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ByeTimeout:       time.Second,
		PingInterval:     2 * time.Second,
		LivenessTimeout:  6 * time.Second,
		MaxPacketSize:    64 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ByeTimeout <= 0 {
		c.ByeTimeout = def.ByeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = def.LivenessTimeout
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = def.MaxPacketSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxPacketSize < frame.MinPayloadBytes || c.MaxPacketSize > frame.CeilingBytes {
		return fmt.Errorf("%w: max_packet_size=%d outside [%d,%d]", ErrInvalidConfig,
			c.MaxPacketSize, frame.MinPayloadBytes, frame.CeilingBytes)
	}
	if c.LivenessTimeout < c.PingInterval {
		return fmt.Errorf("%w: liveness_timeout=%v shorter than ping_interval=%v", ErrInvalidConfig,
			c.LivenessTimeout, c.PingInterval)
	}
	return nil
}
