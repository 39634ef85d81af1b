// Package cache implements the persistent, TTL'd, size-bounded key/value
// store that serves reads while offline.
//
// After every Write returns, the accounted size of all entries is at most
// Config.MaxSizeBytes and each category holds at most its MaxItems.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
	"github.com/louisbranch/offsync/internal/services/offline/storage"
)

// Removal reasons passed to eviction listeners.
const (
	ReasonCapacity    = metrics.ReasonCapacity
	ReasonSize        = metrics.ReasonSize
	ReasonExpired     = metrics.ReasonExpired
	ReasonMaxAge      = metrics.ReasonMaxAge
	ReasonInvalidated = "invalidated"
	ReasonReplaced    = "replaced"
)

// EvictFunc observes entries leaving the store.
type EvictFunc func(entry Entry, reason string)

// Store is the cache. The zero value is not usable; call New.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	counts  map[policy.Category]int
	size    int64
	seq     uint64
	gen     uint64

	flushMu    sync.Mutex
	flushedGen uint64

	config    *policy.Holder
	kv        storage.KV
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Recorder
	listeners []EvictFunc
}

// Option configures a Store.
type Option func(*Store)

// WithKV persists the store through kv.
func WithKV(kv storage.KV) Option {
	return func(s *Store) { s.kv = kv }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = m }
}

// New builds an empty store bound to the config snapshot holder.
func New(config *policy.Holder, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*Entry),
		counts:  make(map[policy.Category]int),
		config:  config,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("cache")
	return s
}

// OnEvict registers a listener called, outside the store lock, for every
// entry removed by eviction, pruning, invalidation or Clear.
func (s *Store) OnEvict(fn EvictFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Read returns the entry for key when it is usable: fresh, or stale within
// the category's stale-while-revalidate grace window.
func (s *Store) Read(key string) (Entry, bool) {
	e, f := s.Lookup(key)
	return e, f.Usable()
}

// Lookup returns the entry and its freshness. Usable entries have their
// access time refreshed; expired ones are dropped.
func (s *Store) Lookup(key string) (Entry, Freshness) {
	cfg := s.config.Load()
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return Entry{}, Missing
	}
	f := freshness(e, cfg.Policy(e.Category), cfg.MaxAge.Std(), now)
	if !f.Usable() {
		removed := s.removeLocked(e, ReasonExpired)
		s.gen++
		s.mu.Unlock()
		s.metrics.CacheMiss(e.Category.String())
		s.notify(removed)
		return Entry{}, Expired
	}
	s.seq++
	e.LastAccessed = now
	e.AccessSeq = s.seq
	s.gen++
	out := e.clone()
	s.mu.Unlock()

	s.metrics.CacheHit(out.Category.String(), f == Stale)
	return out, f
}

// Peek returns the entry and its freshness without touching access order or
// dropping it.
func (s *Store) Peek(key string) (Entry, Freshness) {
	cfg := s.config.Load()
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, Missing
	}
	return e.clone(), freshness(e, cfg.Policy(e.Category), cfg.MaxAge.Std(), now)
}

// Write stores data under key with a payload-sized footprint.
func (s *Store) Write(key string, data []byte, category policy.Category) error {
	return s.WriteSized(key, data, category, entrySize(key, data))
}

// WriteSized stores data under key with an explicit accounted size, used by
// categories whose real footprint lives outside the payload.
func (s *Store) WriteSized(key string, data []byte, category policy.Category, size int64) error {
	if strings.TrimSpace(key) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "cache key is required")
	}
	if !category.Valid() {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown category %d", category))
	}
	if size < 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "size must not be negative")
	}
	cfg := s.config.Load()
	p := cfg.Policy(category)
	if size > cfg.MaxSizeBytes {
		return apperrors.WithMetadata(apperrors.CodeEntryTooLarge, "entry exceeds cache budget", map[string]string{
			"key":    key,
			"size":   humanize.IBytes(uint64(size)),
			"budget": humanize.IBytes(uint64(cfg.MaxSizeBytes)),
		})
	}
	now := s.now()

	s.mu.Lock()
	var removed []removal
	if old, ok := s.entries[key]; ok {
		removed = append(removed, s.removeLocked(old, ReasonReplaced)...)
	}
	s.seq++
	e := &Entry{
		Key:          key,
		Data:         append([]byte(nil), data...),
		Category:     category,
		Size:         size,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.TTL.Std()),
		LastAccessed: now,
		WriteSeq:     s.seq,
		AccessSeq:    s.seq,
	}
	s.entries[key] = e
	s.counts[category]++
	s.size += size
	removed = append(removed, s.enforceLocked(cfg, category, key)...)
	s.gen++
	total := s.size
	s.mu.Unlock()

	s.metrics.CacheSize(total)
	s.notify(removed)
	return nil
}

// Invalidate removes the exact key, or every key matching a glob pattern
// such as "feeds:*". It returns the number of entries removed.
func (s *Store) Invalidate(keyOrPattern string) int {
	var match func(string) bool
	if strings.ContainsAny(keyOrPattern, "*?[{") {
		g, err := glob.Compile(keyOrPattern)
		if err != nil {
			s.logger.Warn("invalid invalidation pattern, matching literally",
				zap.String("pattern", keyOrPattern), zap.Error(err))
		} else {
			match = g.Match
		}
	}

	s.mu.Lock()
	var removed []removal
	if match == nil {
		if e, ok := s.entries[keyOrPattern]; ok {
			removed = s.removeLocked(e, ReasonInvalidated)
		}
	} else {
		for key, e := range s.entries {
			if match(key) {
				removed = append(removed, s.removeLocked(e, ReasonInvalidated)...)
			}
		}
	}
	if len(removed) > 0 {
		s.gen++
	}
	total := s.size
	s.mu.Unlock()

	s.metrics.CacheSize(total)
	s.notify(removed)
	return len(removed)
}

// Remove drops exactly key, never treating it as a pattern.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	var removed []removal
	if e, ok := s.entries[key]; ok {
		removed = s.removeLocked(e, ReasonInvalidated)
		s.gen++
	}
	total := s.size
	s.mu.Unlock()

	s.metrics.CacheSize(total)
	s.notify(removed)
	return len(removed) > 0
}

// Prune removes every entry whose servable window has ended or that is older
// than Config.MaxAge, independent of size pressure.
func (s *Store) Prune() int {
	cfg := s.config.Load()
	now := s.now()
	maxAge := cfg.MaxAge.Std()

	s.mu.Lock()
	var removed []removal
	for _, e := range s.entries {
		if freshness(e, cfg.Policy(e.Category), maxAge, now).Usable() {
			continue
		}
		reason := ReasonExpired
		if maxAge > 0 && now.Sub(e.CreatedAt) > maxAge {
			reason = ReasonMaxAge
		}
		removed = append(removed, s.removeLocked(e, reason)...)
	}
	// A replaced config may have tightened budgets.
	for _, category := range policy.Categories() {
		removed = append(removed, s.enforceLocked(cfg, category, "")...)
	}
	if len(removed) > 0 {
		s.gen++
	}
	total := s.size
	s.mu.Unlock()

	s.metrics.CacheSize(total)
	s.notify(removed)
	if len(removed) > 0 {
		s.logger.Debug("pruned cache", zap.Int("removed", len(removed)), zap.String("size", humanize.IBytes(uint64(total))))
	}
	return len(removed)
}

// Clear removes every entry.
func (s *Store) Clear() int {
	s.mu.Lock()
	var removed []removal
	for _, e := range s.entries {
		removed = append(removed, s.removeLocked(e, ReasonInvalidated)...)
	}
	s.gen++
	s.mu.Unlock()

	s.metrics.CacheSize(0)
	s.notify(removed)
	return len(removed)
}

// Stats summarises the store.
type Stats struct {
	Entries    int                     `json:"entries"`
	Bytes      int64                   `json:"bytes"`
	ByCategory map[policy.Category]int `json:"by_category"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	by := make(map[policy.Category]int, len(s.counts))
	for c, n := range s.counts {
		if n > 0 {
			by[c] = n
		}
	}
	return Stats{Entries: len(s.entries), Bytes: s.size, ByCategory: by}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Size returns the accounted size of all entries.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Count returns the number of entries in category.
func (s *Store) Count(category policy.Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[category]
}

// Keys returns the keys held in category, in no particular order.
func (s *Store) Keys(category policy.Category) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, s.counts[category])
	for key, e := range s.entries {
		if e.Category == category {
			keys = append(keys, key)
		}
	}
	return keys
}

// Restore loads the persisted cache_entries document. A missing document is
// a cold start; a corrupt one is discarded. Entries that no longer fit the
// current config are evicted immediately.
func (s *Store) Restore(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	raw, err := s.kv.Get(ctx, storage.DocCacheEntries)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "read cache entries", err)
	}
	var persisted map[string]*Entry
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		s.logger.Warn("discarding corrupt cache document", zap.Error(err))
		return nil
	}

	cfg := s.config.Load()
	s.mu.Lock()
	for key, e := range persisted {
		if e == nil || key == "" || !e.Category.Valid() || !e.ExpiresAt.After(e.CreatedAt) || e.Size < 0 {
			continue
		}
		e.Key = key
		if old, ok := s.entries[key]; ok {
			s.removeLocked(old, ReasonReplaced)
		}
		s.entries[key] = e
		s.counts[e.Category]++
		s.size += e.Size
		s.seq = max(s.seq, e.WriteSeq, e.AccessSeq)
	}
	var removed []removal
	for _, category := range policy.Categories() {
		removed = append(removed, s.enforceLocked(cfg, category, "")...)
	}
	s.flushedGen = s.gen
	if len(removed) > 0 {
		s.gen++
	}
	total := s.size
	s.mu.Unlock()

	s.metrics.CacheSize(total)
	s.notify(removed)
	return nil
}

// Flush writes the cache_entries document when anything changed since the
// last flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	gen := s.gen
	if gen == s.flushedGen {
		s.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(s.entries)
	s.mu.Unlock()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "encode cache entries", err)
	}

	if err := s.kv.Set(ctx, storage.DocCacheEntries, string(raw)); err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "write cache entries", err)
	}
	s.mu.Lock()
	s.flushedGen = gen
	s.mu.Unlock()
	return nil
}

// Reset drops every entry and the persisted document without notifying
// listeners. Used when the persisted config version no longer matches.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.counts = make(map[policy.Category]int)
	s.size = 0
	s.gen++
	s.flushedGen = s.gen
	s.mu.Unlock()
	s.metrics.CacheSize(0)

	if s.kv == nil {
		return nil
	}
	if err := s.kv.Remove(ctx, storage.DocCacheEntries); err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "remove cache entries", err)
	}
	return nil
}
