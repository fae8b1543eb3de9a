package ircwire

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/network"
	"github.com/danmuck/ircmux/internal/session"
)

// Dialer opens sockets with the session transport rules and starts
// registration on them. It does not wait for the welcome; a failed
// registration ends the event stream.
type Dialer struct {
	// dial is replaceable in tests.
	dial func(ctx context.Context, cfg session.Config, sec session.TLSConfig, address string) (net.Conn, error)
}

func NewDialer() *Dialer {
	return &Dialer{dial: session.Dial}
}

func (d *Dialer) Dial(ctx context.Context, req lifecycle.DialRequest) (network.Conn, error) {
	addr := req.Profile.Address()
	nc, err := d.dial(ctx, req.Session, req.Profile.TLS, addr)
	if err != nil {
		return nil, err
	}
	conn := newConn(nc, req.Profile, req.Password, req.Session)
	if err := conn.start(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().Str("network", req.Profile.ID).Str("addr", addr).Msg("ircwire.Dialer.Dial registering")
	return conn, nil
}

var _ lifecycle.Dialer = (*Dialer)(nil)
var _ network.Conn = (*Conn)(nil)
