// Package storage persists jobs, execution claims, the delivery ledger,
// execution summaries and the target registry.
//
// Two drivers exist:
//   - sqlite: durable store used in production
//   - memory: map-backed store with identical semantics, used by tests
package storage
