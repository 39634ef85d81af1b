// Package storage defines the persistent key/value contract used to survive
// restarts, and the documents the engine keeps in it.
package storage

import (
	"context"
	"errors"
)

// Document keys. Each is serialized independently so that one corrupt
// document never takes the others down with it.
const (
	DocCacheEntries = "cache_entries"
	DocSyncQueue    = "sync_queue"
	DocCacheConfig  = "cache_config"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("record not found")

// KV persists string documents.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
