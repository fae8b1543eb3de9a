// Package ircwire is the line-protocol engine behind one network connection.
//
// Ownership boundary:
// - registration, capability negotiation, keepalive and nick fallback
// - translating server lines into typed events, in arrival order
// - the outbound command surface and slash-command parsing
//
// It holds no shared state. Everything it learns leaves as an event.
package ircwire
