// Package timeouts defines shared timeout constants used across the engine.
// Centralizing these values keeps network and lifecycle bounds consistent
// between the gateway, the sync drain and the status server.
package timeouts

import "time"

// NetworkRequest caps a single round-trip to the API. Exceeding it is a
// transient failure that feeds the retry path.
const NetworkRequest = 15 * time.Second

// Revalidate caps a background stale-while-revalidate refresh.
const Revalidate = 20 * time.Second

// MediaDownload caps a single media download.
const MediaDownload = 60 * time.Second

// Debounce is how long a connectivity flip must persist before it is
// committed as a transition.
const Debounce = 1500 * time.Millisecond

// ReadHeader limits how long the status server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long teardown waits for in-flight work and the final
// state flush.
const Shutdown = 5 * time.Second
