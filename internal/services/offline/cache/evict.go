package cache

import (
	"go.uber.org/zap"

	"github.com/louisbranch/offsync/internal/services/offline/policy"
)

type removal struct {
	entry  Entry
	reason string
}

// removeLocked unlinks e and returns it for listener notification.
func (s *Store) removeLocked(e *Entry, reason string) []removal {
	if _, ok := s.entries[e.Key]; !ok {
		return nil
	}
	delete(s.entries, e.Key)
	s.counts[e.Category]--
	s.size -= e.Size
	if reason != ReasonReplaced && reason != ReasonInvalidated {
		s.metrics.Evicted(e.Category.String(), reason)
	}
	return []removal{{entry: *e, reason: reason}}
}

// enforceLocked restores the category item bound and the global size
// budget. protect is never chosen as a victim; it is the key just written.
func (s *Store) enforceLocked(cfg policy.Config, category policy.Category, protect string) []removal {
	var removed []removal
	p := cfg.Policy(category)
	for p.MaxItems > 0 && s.counts[category] > p.MaxItems {
		victim := s.victimLocked(category, p.Eviction, protect)
		if victim == nil {
			break
		}
		removed = append(removed, s.removeLocked(victim, ReasonCapacity)...)
	}
	for s.size > cfg.MaxSizeBytes {
		victim := s.victimLocked(category, p.Eviction, protect)
		if victim == nil {
			// The category has nothing left to give; fall back to the least
			// recently accessed entry anywhere.
			victim = s.globalVictimLocked(protect)
		}
		if victim == nil {
			break
		}
		removed = append(removed, s.removeLocked(victim, ReasonSize)...)
	}
	return removed
}

// victimLocked picks the next entry to evict from category under rule.
func (s *Store) victimLocked(category policy.Category, rule policy.EvictionRule, protect string) *Entry {
	var victim *Entry
	for key, e := range s.entries {
		if e.Category != category || key == protect {
			continue
		}
		if victim == nil || before(e, victim, rule) {
			victim = e
		}
	}
	return victim
}

func (s *Store) globalVictimLocked(protect string) *Entry {
	var victim *Entry
	for key, e := range s.entries {
		if key == protect {
			continue
		}
		if victim == nil || before(e, victim, policy.LastAccess) {
			victim = e
		}
	}
	return victim
}

// before reports whether a should be evicted ahead of b.
func before(a, b *Entry, rule policy.EvictionRule) bool {
	if rule == policy.Recency {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.WriteSeq < b.WriteSeq
	}
	if !a.LastAccessed.Equal(b.LastAccessed) {
		return a.LastAccessed.Before(b.LastAccessed)
	}
	return a.AccessSeq < b.AccessSeq
}

func (s *Store) notify(removed []removal) {
	if len(removed) == 0 {
		return
	}
	s.mu.Lock()
	listeners := append([]EvictFunc(nil), s.listeners...)
	s.mu.Unlock()

	for _, r := range removed {
		if r.reason == ReasonCapacity || r.reason == ReasonSize {
			s.logger.Debug("evicted entry",
				zap.String("key", r.entry.Key),
				zap.Stringer("category", r.entry.Category),
				zap.String("reason", r.reason))
		}
		for _, fn := range listeners {
			fn(r.entry, r.reason)
		}
	}
}
