package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/ircmux/internal/testutil/testlog"
)

func TestParseNetworksAppliesDefaults(t *testing.T) {
	testlog.Start(t)
	file, err := ParseNetworks([]byte(`
[[networks]]
id = " libera "
host = "irc.libera.chat"
nick = "me"
autojoin = ["#go"]
auto_connect = true

[[networks]]
id = "lan"
host = "10.0.0.2"
tls = false
allow_plaintext = true
nick = "me"
`))
	require.NoError(t, err)
	require.Len(t, file.Networks, 2)

	libera := file.Networks[0]
	assert.Equal(t, "libera", libera.ID)
	assert.True(t, libera.TLSEnabled())
	assert.Equal(t, 6697, libera.Port)

	lan := file.Networks[1]
	assert.False(t, lan.TLSEnabled())
	assert.Equal(t, 6667, lan.Port)
}

func TestValidateNetworkRejects(t *testing.T) {
	testlog.Start(t)
	off := false
	base := NetworkConfig{ID: "n", Host: "h", Port: 6697, Nick: "me"}
	cases := []struct {
		name   string
		mutate func(*NetworkConfig)
		want   error
	}{
		{"missing id", func(n *NetworkConfig) { n.ID = " " }, ErrMissingID},
		{"bad id", func(n *NetworkConfig) { n.ID = "a b" }, ErrInvalidID},
		{"missing host", func(n *NetworkConfig) { n.Host = "" }, ErrMissingHost},
		{"port", func(n *NetworkConfig) { n.Port = 70000 }, ErrInvalidPort},
		{"missing nick", func(n *NetworkConfig) { n.Nick = "" }, ErrMissingNick},
		{"alt nick spaces", func(n *NetworkConfig) { n.AltNicks = []string{"a b"} }, ErrInvalidNick},
		{"plaintext with tls", func(n *NetworkConfig) { n.AllowPlaintext = true }, ErrPlaintextTLS},
		{"insecure without tls", func(n *NetworkConfig) { n.TLS = &off; n.TLSInsecureSkipVerify = true }, ErrInsecureTLS},
		{"half cert", func(n *NetworkConfig) { n.TLSCertFile = "c.pem" }, ErrIncompleteCert},
		{"sasl", func(n *NetworkConfig) { n.SASLMechanism = "PLAIN" }, ErrSASLUnsupported},
	}
	require.NoError(t, ValidateNetwork(base))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := base
			tc.mutate(&n)
			assert.ErrorIs(t, ValidateNetwork(n), tc.want)
		})
	}
}

func TestValidateNetworksDuplicateIgnoresCase(t *testing.T) {
	testlog.Start(t)
	file := NetworksFile{Networks: []NetworkConfig{
		{ID: "Libera", Host: "a", Port: 6697, Nick: "x"},
		{ID: "libera", Host: "b", Port: 6697, Nick: "y"},
	}}
	assert.ErrorIs(t, ValidateNetworks(file), ErrDuplicateID)
}

func TestLoadNetworksReportsPath(t *testing.T) {
	testlog.Start(t)
	missing := filepath.Join(t.TempDir(), "nope.toml")
	_, err := LoadNetworks(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), missing)

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[[networks]\n"), 0o600))
	_, err = LoadNetworks(bad)
	assert.Error(t, err)
}

func TestProfilesConversion(t *testing.T) {
	testlog.Start(t)
	file, err := ParseNetworks([]byte(`
[[networks]]
id = "libera"
host = "irc.libera.chat"
tls_server_name = "libera.chat"
nick = "me"
alt_nicks = ["me_"]
password_secret = "libera"
autojoin = ["#go"]
auto_connect = true
`))
	require.NoError(t, err)

	profiles := file.Profiles()
	assert.Equal(t, []string{"libera"}, profiles.IDs())
	p, ok := profiles.Profile("libera")
	require.True(t, ok)
	assert.Equal(t, "irc.libera.chat:6697", p.Address())
	assert.True(t, p.TLS.Enabled)
	assert.Equal(t, "libera.chat", p.TLS.ServerName)
	assert.Equal(t, []string{"me_"}, p.AltNicks)
	assert.Equal(t, "libera", p.PasswordSecret)
	assert.Equal(t, []string{"#go"}, p.Autojoin)
	assert.True(t, p.AutoConnect)

	file.Networks[0].Autojoin[0] = "#changed"
	p, _ = profiles.Profile("libera")
	assert.Equal(t, []string{"#go"}, p.Autojoin)
}

func TestNetworksTemplateParses(t *testing.T) {
	testlog.Start(t)
	text, err := Template("networks")
	require.NoError(t, err)
	file, err := ParseNetworks([]byte(text))
	require.NoError(t, err)
	assert.Len(t, file.Networks, 2)

	_, err = Template("mystery")
	assert.Error(t, err)
}

func TestWriteTemplateRespectsOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "networks.toml")
	require.NoError(t, WriteTemplate(path, "networks", false))
	assert.Error(t, WriteTemplate(path, "networks", false))

	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))
	require.NoError(t, WriteTemplate(path, "networks", true))
	_, err := LoadNetworks(path)
	assert.NoError(t, err)
}
