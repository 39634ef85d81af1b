// Package metrics provides operational metrics for the offline engine.
//
// # Metric Categories
//
//   - Cache: hits, misses and evictions by category and reason
//   - Sync: drained queue items by outcome, current queue depth
//   - Network: committed connectivity transitions
//   - Media: downloaded bytes
//
// # Integration
//
// Collectors are registered on a private Prometheus registry owned by the
// Recorder so that isolated runtimes in tests never collide. The status
// server exposes the registry with promhttp.
package metrics
