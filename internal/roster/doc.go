// Package roster owns per-network case folding and channel membership.
//
// Ownership boundary:
// - CASEMAPPING rule selection and folding
// - PREFIX status tables and rank order
// - member maps per channel (display form + status set)
//
// Callers never touch the member maps directly; every change goes through
// Engine so folding stays consistent across call sites.
package roster
