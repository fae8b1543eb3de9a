// Package network holds the per-connection runtime record of one network.
//
// Ownership boundary:
// - advertised capabilities (case mapping, status prefixes, channel types)
// - in-flight multi-frame reply aggregation
// - outgoing line pacing
//
// Runtime lifetime is owned by the lifecycle manager; the reconciler only
// borrows a runtime while applying its events.
package network
