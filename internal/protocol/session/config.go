package session

import (
	"time"

	"github.com/RecadoCampbell/fastotv/internal/protocol/frame"
)

// BandwidthConfig defines bandwidth probe defaults.
type BandwidthConfig struct {
	ConnectTimeout time.Duration
	Duration       time.Duration
	ByteLimit      uint64
	ChunkSize      int
}

// Config defines primary connection and keepalive defaults.
type Config struct {
	Address           string
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
	// RequestTimeout bounds how long a request may wait for its RESPONSE.
	// Zero keeps requests pending until the connection is torn down.
	RequestTimeout time.Duration
	Limits         frame.Limits
	Bandwidth      BandwidthConfig
	// Reconnect is consumed by hosts; the handler itself never retries.
	Reconnect BackoffConfig

	SecurityMode SecurityMode
	TLS          TLSConfig
}

// DefaultConfig returns defaults matching the directing server's expectations.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		WriteTimeout:      5 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		RequestTimeout:    0,
		Limits:            frame.DefaultLimits(),
		Bandwidth: BandwidthConfig{
			ConnectTimeout: 3 * time.Second,
			Duration:       1000 * time.Millisecond,
			ByteLimit:      0,
			ChunkSize:      8 * 1024,
		},
		Reconnect: BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	if c.Limits.MaxLineBytes <= 0 {
		c.Limits = def.Limits
	}
	if c.Bandwidth.ConnectTimeout <= 0 {
		c.Bandwidth.ConnectTimeout = def.Bandwidth.ConnectTimeout
	}
	if c.Bandwidth.Duration <= 0 {
		c.Bandwidth.Duration = def.Bandwidth.Duration
	}
	if c.Bandwidth.ChunkSize <= 0 {
		c.Bandwidth.ChunkSize = def.Bandwidth.ChunkSize
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = def.Reconnect
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
