// Package session owns connection transport helpers for chat networks.
//
// Ownership boundary:
// - transport timeouts and keepalive defaults
// - reconnect backoff math
// - TLS and plaintext policy, TCP/TLS dialing
package session
