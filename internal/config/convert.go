package config

import (
	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/session"
)

// Profile converts a validated network entry into a lifecycle profile.
func (n NetworkConfig) Profile() lifecycle.Profile {
	return lifecycle.Profile{
		ID:   n.ID,
		Host: n.Host,
		Port: n.Port,
		TLS: session.TLSConfig{
			Enabled:            n.TLSEnabled(),
			AllowPlaintext:     n.AllowPlaintext,
			InsecureSkipVerify: n.TLSInsecureSkipVerify,
			CAFile:             n.TLSCAFile,
			CertFile:           n.TLSCertFile,
			KeyFile:            n.TLSKeyFile,
			ServerName:         n.TLSServerName,
		},
		Nick:           n.Nick,
		AltNicks:       append([]string(nil), n.AltNicks...),
		User:           n.User,
		Realname:       n.Realname,
		PasswordSecret: n.PasswordSecret,
		Autojoin:       append([]string(nil), n.Autojoin...),
		AutoConnect:    n.AutoConnect,
	}
}

// Profiles builds the in-memory profile source for every network.
func (f NetworksFile) Profiles() *lifecycle.Profiles {
	items := make([]lifecycle.Profile, 0, len(f.Networks))
	for _, n := range f.Networks {
		items = append(items, n.Profile())
	}
	return lifecycle.NewProfiles(items...)
}
