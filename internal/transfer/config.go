package transfer

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how outbound sends are negotiated.
type Mode string

const (
	// ModeActive listens locally and announces the endpoint.
	ModeActive Mode = "active"
	// ModePassive asks the peer to listen and waits for its endpoint.
	ModePassive Mode = "passive"
	// ModeAuto tries passive first and falls back to active on timeout.
	ModeAuto Mode = "auto"
)

func ParseMode(text string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(text))); m {
	case ModeActive, ModePassive, ModeAuto:
		return m, nil
	case "":
		return ModeActive, nil
	default:
		return "", fmt.Errorf("transfer: unknown mode %q", text)
	}
}

type Config struct {
	Mode Mode
	// PortMin and PortMax bound local listeners; zero picks any free port.
	PortMin int
	PortMax int
	// BindHost is the local listen address.
	BindHost string
	// AdvertiseHost is the address announced to peers. Empty uses the
	// listener's address, or loopback when bound to all interfaces.
	AdvertiseHost string
	// PassiveTimeout bounds the wait for a passive reply.
	PassiveTimeout time.Duration
	// AcceptTimeout bounds the wait for a peer to connect to a listener.
	AcceptTimeout  time.Duration
	ConnectTimeout time.Duration
	// IdleTimeout aborts a session with no progress for this long.
	IdleTimeout time.Duration
	DownloadDir string
	ChunkSize   int
	// TokenMemory is how long consumed passive tokens are remembered.
	TokenMemory time.Duration
	// ProgressInterval throttles progress writes to the store.
	ProgressInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:             ModeActive,
		BindHost:         "0.0.0.0",
		PassiveTimeout:   60 * time.Second,
		AcceptTimeout:    2 * time.Minute,
		ConnectTimeout:   15 * time.Second,
		IdleTimeout:      2 * time.Minute,
		DownloadDir:      "downloads",
		ChunkSize:        16 * 1024,
		TokenMemory:      10 * time.Minute,
		ProgressInterval: 250 * time.Millisecond,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.BindHost == "" {
		c.BindHost = d.BindHost
	}
	if c.PassiveTimeout <= 0 {
		c.PassiveTimeout = d.PassiveTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = d.AcceptTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.DownloadDir == "" {
		c.DownloadDir = d.DownloadDir
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.TokenMemory <= 0 {
		c.TokenMemory = d.TokenMemory
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	return c
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.PortMin < 0 || c.PortMax < 0 || c.PortMin > 65535 || c.PortMax > 65535 {
		return fmt.Errorf("transfer: port range %d-%d out of bounds", c.PortMin, c.PortMax)
	}
	if c.PortMax != 0 && c.PortMin > c.PortMax {
		return fmt.Errorf("transfer: port range %d-%d is inverted", c.PortMin, c.PortMax)
	}
	return nil
}
