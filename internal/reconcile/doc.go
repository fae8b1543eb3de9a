// Package reconcile folds protocol events into the shared state model.
//
// Ownership boundary:
// - the single entry point through which events mutate state
// - history versus live discrimination for structural updates
// - roster snapshot and ban-style list aggregation
//
// Every Apply runs inside one state store update, so events arriving from
// different networks never interleave a read-modify-write cycle.
package reconcile
