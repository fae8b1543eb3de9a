package session

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxExponent caps the doubling so delays stop growing past
	// BaseDelay * 2^MaxExponent.
	MaxExponent int
	// MaxAttempts caps the tracked attempt counter.
	MaxAttempts int
	// JitterFraction spreads each delay by ±fraction.
	JitterFraction float64
}

// TLSConfig is the transport security of one network profile.
type TLSConfig struct {
	Enabled bool
	// AllowPlaintext must be set explicitly to connect without TLS.
	AllowPlaintext     bool
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	QuitTimeout      time.Duration
	// ConnectivityRecheck is how often a parked reconnect loop re-checks
	// host connectivity.
	ConnectivityRecheck time.Duration
	Backoff             BackoffConfig
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:      2 * time.Second,
		MaxDelay:       5 * time.Minute,
		MaxExponent:    8,
		MaxAttempts:    64,
		JitterFraction: 0.1,
	}
}

// DefaultConfig returns transport defaults for chat network sessions.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      15 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		ReadTimeout:         4 * time.Minute,
		WriteTimeout:        15 * time.Second,
		PingInterval:        90 * time.Second,
		QuitTimeout:         3 * time.Second,
		ConnectivityRecheck: 5 * time.Second,
		Backoff:             DefaultBackoffConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.QuitTimeout <= 0 {
		c.QuitTimeout = d.QuitTimeout
	}
	if c.ConnectivityRecheck <= 0 {
		c.ConnectivityRecheck = d.ConnectivityRecheck
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = d.Backoff.BaseDelay
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if c.Backoff.MaxExponent <= 0 {
		c.Backoff.MaxExponent = d.Backoff.MaxExponent
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = d.Backoff.MaxAttempts
	}
	if c.Backoff.JitterFraction < 0 {
		c.Backoff.JitterFraction = 0
	}
	return c
}
