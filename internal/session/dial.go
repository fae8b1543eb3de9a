package session

import (
	"context"
	"crypto/tls"
	"net"
)

// Dial opens a TCP connection to address and, when TLS is enabled, completes
// the handshake within cfg.HandshakeTimeout. The transport policy is
// validated before any socket is opened.
func Dial(ctx context.Context, cfg Config, sec TLSConfig, address string) (net.Conn, error) {
	if err := sec.ValidateClientTransport(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !sec.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := sec.ClientTLSConfig(address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}
