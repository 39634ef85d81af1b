package cache

import (
	"time"

	"github.com/louisbranch/offsync/internal/services/offline/policy"
)

// Entry is one cached payload. ExpiresAt is always after CreatedAt.
type Entry struct {
	Key          string          `json:"key"`
	Data         []byte          `json:"data"`
	Category     policy.Category `json:"category"`
	Size         int64           `json:"size"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	LastAccessed time.Time       `json:"last_accessed"`

	// Logical clocks break timestamp ties so eviction order is total.
	WriteSeq  uint64 `json:"write_seq"`
	AccessSeq uint64 `json:"access_seq"`
}

func (e *Entry) clone() Entry {
	out := *e
	out.Data = append([]byte(nil), e.Data...)
	return out
}

// Freshness describes how usable an entry is at a point in time.
type Freshness uint8

const (
	// Missing means no entry exists for the key.
	Missing Freshness = iota
	// Fresh entries have not reached ExpiresAt.
	Fresh
	// Stale entries are past ExpiresAt but inside the category's grace window.
	Stale
	// Expired entries are past every window and are never served.
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "missing"
	}
}

// Usable reports whether the entry may be returned to a caller.
func (f Freshness) Usable() bool {
	return f == Fresh || f == Stale
}

func freshness(e *Entry, p policy.Policy, maxAge time.Duration, now time.Time) Freshness {
	if maxAge > 0 && now.Sub(e.CreatedAt) > maxAge {
		return Expired
	}
	if !now.After(e.ExpiresAt) {
		return Fresh
	}
	if !now.After(e.ExpiresAt.Add(p.Grace())) {
		return Stale
	}
	return Expired
}

// entrySize is the accounted size for payload-sized categories.
func entrySize(key string, data []byte) int64 {
	return int64(len(key) + len(data))
}
