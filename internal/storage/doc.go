// Package storage is the durable state store behind change detection.
//
// It keeps one Entry per result id ever seen (last notified signature and the
// notified flag) plus transient claims, the in-flight markers an invocation
// writes before it sends a notification. Every mutating call is one
// all-or-nothing batch; claims and conditional commits make the per-id write
// the serialization point between overlapping invocations.
//
// Backends:
//   - sqlite: durable, safe across processes (immediate transactions)
//   - file:   snapshot + JSON Lines journal, safe within one process
//   - memory: process-local, for tests and dry runs
package storage
