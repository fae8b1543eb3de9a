package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/ircmux/internal/api"
	"github.com/danmuck/ircmux/internal/connectivity"
	"github.com/danmuck/ircmux/internal/session"
	"github.com/danmuck/ircmux/internal/transfer"
)

// ServiceConfig is everything the daemon needs besides network profiles.
type ServiceConfig struct {
	API             api.Config
	NetworksFile    string
	SecretsDir      string
	SecretEnvPrefix string

	// APITokenSecret names the credential holding the API bearer token.
	APITokenSecret string
	Retention      int
	Session        session.Config

	// ConnectivityProbe enables the TCP reachability monitor; when off the
	// path is assumed available.
	ConnectivityProbe bool
	Connectivity      connectivity.Config
	Transfer          transfer.Config
	Version           string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		API:               api.DefaultConfig(),
		NetworksFile:      "networks.toml",
		SecretEnvPrefix:   "IRCMUX_SECRET",
		Retention:         1000,
		Session:           session.DefaultConfig(),
		ConnectivityProbe: true,
		Connectivity:      connectivity.DefaultConfig(),
		Transfer:          transfer.DefaultConfig(),
		Version:           "ircmux 0.1.0",
	}
}

type fileConfig struct {
	APIAddr              string   `toml:"api_addr"`
	CORSOrigins          []string `toml:"cors_origins"`
	NetworksFile         string   `toml:"networks_file"`
	SecretsDir           string   `toml:"secrets_dir"`
	SecretEnvPrefix      string   `toml:"secret_env_prefix"`
	APITokenSecret       string   `toml:"api_token_secret"`
	Retention            int      `toml:"retention"`
	ConnectTimeout       string   `toml:"connect_timeout"`
	PingInterval         string   `toml:"ping_interval"`
	ReadTimeout          string   `toml:"read_timeout"`
	ReconnectBaseDelay   string   `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    string   `toml:"reconnect_max_delay"`
	ReconnectJitter      float64  `toml:"reconnect_jitter"`
	ConnectivityProbe    bool     `toml:"connectivity_probe"`
	ConnectivityTargets  []string `toml:"connectivity_targets"`
	ConnectivityInterval string   `toml:"connectivity_interval"`
	DCCMode              string   `toml:"dcc_mode"`
	DCCPortMin           int      `toml:"dcc_port_min"`
	DCCPortMax           int      `toml:"dcc_port_max"`
	DCCBindHost          string   `toml:"dcc_bind_host"`
	DCCAdvertiseHost     string   `toml:"dcc_advertise_host"`
	DCCDownloadDir       string   `toml:"dcc_download_dir"`
	Version              string   `toml:"version"`
}

func loadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("load ircmuxd config: %w", err)
	}

	if meta.IsDefined("api_addr") {
		cfg.API.Addr = strings.TrimSpace(raw.APIAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.API.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("networks_file") {
		cfg.NetworksFile = strings.TrimSpace(raw.NetworksFile)
	}
	if meta.IsDefined("secrets_dir") {
		cfg.SecretsDir = strings.TrimSpace(raw.SecretsDir)
	}
	if meta.IsDefined("secret_env_prefix") {
		cfg.SecretEnvPrefix = strings.TrimSpace(raw.SecretEnvPrefix)
	}
	if meta.IsDefined("api_token_secret") {
		cfg.APITokenSecret = strings.TrimSpace(raw.APITokenSecret)
	}
	if meta.IsDefined("retention") {
		if raw.Retention <= 0 {
			return ServiceConfig{}, fmt.Errorf("retention must be positive: %d", raw.Retention)
		}
		cfg.Retention = raw.Retention
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"ping_interval", raw.PingInterval, &cfg.Session.PingInterval},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"reconnect_base_delay", raw.ReconnectBaseDelay, &cfg.Session.Backoff.BaseDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &cfg.Session.Backoff.MaxDelay},
		{"connectivity_interval", raw.ConnectivityInterval, &cfg.Connectivity.Interval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if cfg.Session.Backoff.MaxDelay < cfg.Session.Backoff.BaseDelay {
		return ServiceConfig{}, fmt.Errorf("reconnect_max_delay %s is below reconnect_base_delay %s",
			cfg.Session.Backoff.MaxDelay, cfg.Session.Backoff.BaseDelay)
	}

	if meta.IsDefined("reconnect_jitter") {
		if raw.ReconnectJitter < 0 || raw.ReconnectJitter >= 1 {
			return ServiceConfig{}, fmt.Errorf("reconnect_jitter must be in [0,1): %v", raw.ReconnectJitter)
		}
		cfg.Session.Backoff.JitterFraction = raw.ReconnectJitter
	}
	if meta.IsDefined("connectivity_probe") {
		cfg.ConnectivityProbe = raw.ConnectivityProbe
	}
	if meta.IsDefined("connectivity_targets") {
		cfg.Connectivity.Targets = normalizeList(raw.ConnectivityTargets)
	}

	if meta.IsDefined("dcc_mode") {
		mode, err := transfer.ParseMode(raw.DCCMode)
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("parse dcc_mode: %w", err)
		}
		cfg.Transfer.Mode = mode
	}
	if meta.IsDefined("dcc_port_min") {
		cfg.Transfer.PortMin = raw.DCCPortMin
	}
	if meta.IsDefined("dcc_port_max") {
		cfg.Transfer.PortMax = raw.DCCPortMax
	}
	if meta.IsDefined("dcc_bind_host") {
		cfg.Transfer.BindHost = strings.TrimSpace(raw.DCCBindHost)
	}
	if meta.IsDefined("dcc_advertise_host") {
		cfg.Transfer.AdvertiseHost = strings.TrimSpace(raw.DCCAdvertiseHost)
	}
	if meta.IsDefined("dcc_download_dir") {
		cfg.Transfer.DownloadDir = strings.TrimSpace(raw.DCCDownloadDir)
	}
	if err := cfg.Transfer.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	if meta.IsDefined("version") {
		cfg.Version = strings.TrimSpace(raw.Version)
	}

	// Relative paths are taken from the config file's directory.
	base := filepath.Dir(path)
	cfg.NetworksFile = resolvePath(base, cfg.NetworksFile)
	cfg.SecretsDir = resolvePath(base, cfg.SecretsDir)
	cfg.Transfer.DownloadDir = resolvePath(base, cfg.Transfer.DownloadDir)
	return cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
