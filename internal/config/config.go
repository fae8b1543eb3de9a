package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrMissingID       = errors.New("config: network id is required")
	ErrDuplicateID     = errors.New("config: duplicate network id")
	ErrInvalidID       = errors.New("config: network id must be letters, digits, '-' or '_'")
	ErrMissingHost     = errors.New("config: host is required")
	ErrInvalidPort     = errors.New("config: port must be between 1 and 65535")
	ErrMissingNick     = errors.New("config: nick is required")
	ErrInvalidNick     = errors.New("config: nick contains spaces or control characters")
	ErrInsecureTLS     = errors.New("config: tls_insecure_skip_verify requires tls")
	ErrPlaintextTLS    = errors.New("config: allow_plaintext conflicts with tls")
	ErrIncompleteCert  = errors.New("config: tls_cert_file and tls_key_file must be set together")
	ErrSASLUnsupported = errors.New("config: sasl is not supported yet")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NetworksFile is the on-disk list of network profiles.
type NetworksFile struct {
	Networks []NetworkConfig `toml:"networks"`
}

type NetworkConfig struct {
	ID                    string   `toml:"id"`
	Host                  string   `toml:"host"`
	Port                  int      `toml:"port"`
	TLS                   *bool    `toml:"tls"`
	AllowPlaintext        bool     `toml:"allow_plaintext"`
	TLSInsecureSkipVerify bool     `toml:"tls_insecure_skip_verify"`
	TLSCAFile             string   `toml:"tls_ca_file"`
	TLSCertFile           string   `toml:"tls_cert_file"`
	TLSKeyFile            string   `toml:"tls_key_file"`
	TLSServerName         string   `toml:"tls_server_name"`
	Nick                  string   `toml:"nick"`
	AltNicks              []string `toml:"alt_nicks"`
	User                  string   `toml:"user"`
	Realname              string   `toml:"realname"`
	PasswordSecret        string   `toml:"password_secret"`
	SASLMechanism         string   `toml:"sasl_mechanism"`
	SASLSecret            string   `toml:"sasl_secret"`
	Autojoin              []string `toml:"autojoin"`
	AutoConnect           bool     `toml:"auto_connect"`
}

// TLSEnabled reports the effective TLS setting; TLS is on unless disabled.
func (n NetworkConfig) TLSEnabled() bool {
	return n.TLS == nil || *n.TLS
}

// WithDefaults fills the port from the TLS setting.
func (n NetworkConfig) WithDefaults() NetworkConfig {
	n.ID = strings.TrimSpace(n.ID)
	n.Host = strings.TrimSpace(n.Host)
	n.Nick = strings.TrimSpace(n.Nick)
	if n.Port == 0 {
		if n.TLSEnabled() {
			n.Port = 6697
		} else {
			n.Port = 6667
		}
	}
	return n
}

func LoadNetworks(path string) (NetworksFile, error) {
	var file NetworksFile
	if err := loadToml(path, &file); err != nil {
		return NetworksFile{}, err
	}
	for i := range file.Networks {
		file.Networks[i] = file.Networks[i].WithDefaults()
	}
	if err := ValidateNetworks(file); err != nil {
		return NetworksFile{}, err
	}
	return file, nil
}

// ParseNetworks decodes a networks document without touching the disk.
func ParseNetworks(data []byte) (NetworksFile, error) {
	var file NetworksFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return NetworksFile{}, fmt.Errorf("config parse failed: %w", err)
	}
	for i := range file.Networks {
		file.Networks[i] = file.Networks[i].WithDefaults()
	}
	if err := ValidateNetworks(file); err != nil {
		return NetworksFile{}, err
	}
	return file, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNetworks(file NetworksFile) error {
	seen := make(map[string]bool, len(file.Networks))
	for i, n := range file.Networks {
		if err := ValidateNetwork(n); err != nil {
			return fmt.Errorf("networks[%d] invalid: %w", i, err)
		}
		key := strings.ToLower(n.ID)
		if seen[key] {
			return fmt.Errorf("networks[%d] invalid: %w: %s", i, ErrDuplicateID, n.ID)
		}
		seen[key] = true
	}
	return nil
}

func ValidateNetwork(n NetworkConfig) error {
	if strings.TrimSpace(n.ID) == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(n.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, n.ID)
	}
	if strings.TrimSpace(n.Host) == "" {
		return ErrMissingHost
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, n.Port)
	}
	if strings.TrimSpace(n.Nick) == "" {
		return ErrMissingNick
	}
	for _, nick := range append([]string{n.Nick}, n.AltNicks...) {
		if strings.ContainsFunc(nick, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
			return fmt.Errorf("%w: %q", ErrInvalidNick, nick)
		}
	}
	if n.TLSEnabled() && n.AllowPlaintext {
		return ErrPlaintextTLS
	}
	if !n.TLSEnabled() && n.TLSInsecureSkipVerify {
		return ErrInsecureTLS
	}
	if (n.TLSCertFile == "") != (n.TLSKeyFile == "") {
		return ErrIncompleteCert
	}
	if n.SASLMechanism != "" || n.SASLSecret != "" {
		return ErrSASLUnsupported
	}
	return nil
}
