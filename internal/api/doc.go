// Package api serves the core intent surface and state snapshots over HTTP.
//
// Ownership boundary:
// - request decoding and error-to-status mapping
// - long-poll state reads keyed by snapshot version
// - health and metrics endpoints
package api
