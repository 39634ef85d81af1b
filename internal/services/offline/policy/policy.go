// Package policy defines cache categories and the per-category policy table.
//
// Categories form a closed set. Behaviour differences between categories are
// expressed as rows of the policy table rather than branches at call sites.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Category identifies a family of cached resources.
type Category uint8

const (
	CategoryUnknown Category = iota
	Feeds
	Profiles
	Media
	Brands
	Auctions
)

var categoryNames = map[Category]string{
	Feeds:    "feeds",
	Profiles: "profiles",
	Media:    "media",
	Brands:   "brands",
	Auctions: "auctions",
}

// Categories lists every known category in declaration order.
func Categories() []Category {
	return []Category{Feeds, Profiles, Media, Brands, Auctions}
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether c is a member of the closed set.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// ParseCategory resolves a category name.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("unknown category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid category %d", c)
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Strategy decides how a read balances cache and network.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

func (s Strategy) valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		return true
	}
	return false
}

// EvictionRule picks victims inside a category.
type EvictionRule string

const (
	// Recency evicts the oldest CreatedAt first.
	Recency EvictionRule = "recency"
	// LastAccess evicts the least recently read entry first (LRU).
	LastAccess EvictionRule = "last-access"
)

func (r EvictionRule) valid() bool {
	return r == Recency || r == LastAccess
}

// Policy is one row of the category table. StaleGrace is how long past
// expiry an entry stays servable; only stale-while-revalidate honours it.
type Policy struct {
	Strategy   Strategy     `json:"strategy" yaml:"strategy"`
	TTL        Duration     `json:"ttl" yaml:"ttl"`
	StaleGrace Duration     `json:"stale_grace,omitempty" yaml:"stale_grace"`
	MaxItems   int          `json:"max_items" yaml:"max_items"`
	Eviction   EvictionRule `json:"eviction" yaml:"eviction"`
}

// Grace returns the effective stale window.
func (p Policy) Grace() time.Duration {
	if p.Strategy != StaleWhileRevalidate {
		return 0
	}
	return p.StaleGrace.Std()
}

// Validate checks the row is usable.
func (p Policy) Validate() error {
	if !p.Strategy.valid() {
		return fmt.Errorf("invalid strategy %q", p.Strategy)
	}
	if p.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if p.StaleGrace < 0 {
		return fmt.Errorf("stale grace must not be negative")
	}
	if p.MaxItems <= 0 {
		return fmt.Errorf("max items must be positive")
	}
	if !p.Eviction.valid() {
		return fmt.Errorf("invalid eviction rule %q", p.Eviction)
	}
	return nil
}
