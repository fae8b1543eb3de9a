// Package lifecycle owns the runtime of every configured network.
//
// Ownership boundary:
// - connect, disconnect, reconnect and disconnect-all transitions
// - per-network exclusive lifecycle sections
// - the event task that drains one runtime into the sink
// - the reconnect scheduler and its counters
//
// The manager is the only owner of network.Runtime values. Other packages
// receive a runtime together with the events it produced and must not keep
// it across a suspension point.
package lifecycle
