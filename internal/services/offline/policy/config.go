package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigVersion is bumped whenever cached payload shapes change; a persisted
// cache written under another version is discarded at startup.
const ConfigVersion = 1

// Config is the process-wide cache configuration snapshot. Values are
// replaced wholesale, never mutated in place.
type Config struct {
	Version      int                 `json:"version"`
	MaxSizeBytes int64               `json:"max_size_bytes"`
	MaxAge       Duration            `json:"max_age"`
	Policies     map[Category]Policy `json:"policies"`
}

// Defaults returns the built-in policy table.
func Defaults() Config {
	return Config{
		Version:      ConfigVersion,
		MaxSizeBytes: 50 << 20,
		MaxAge:       Duration(30 * 24 * time.Hour),
		Policies: map[Category]Policy{
			Feeds: {
				Strategy:   StaleWhileRevalidate,
				TTL:        Duration(5 * time.Minute),
				StaleGrace: Duration(time.Hour),
				MaxItems:   100,
				Eviction:   LastAccess,
			},
			Profiles: {Strategy: CacheFirst, TTL: Duration(30 * time.Minute), MaxItems: 200, Eviction: LastAccess},
			Media:    {Strategy: CacheFirst, TTL: Duration(7 * 24 * time.Hour), MaxItems: 500, Eviction: LastAccess},
			Brands:   {Strategy: CacheFirst, TTL: Duration(24 * time.Hour), MaxItems: 50, Eviction: Recency},
			Auctions: {Strategy: NetworkFirst, TTL: Duration(time.Minute), MaxItems: 100, Eviction: Recency},
		},
	}
}

// Validate checks that every category has a valid policy.
func (c Config) Validate() error {
	if c.MaxSizeBytes <= 0 {
		return errors.New("max size bytes must be positive")
	}
	if c.MaxAge < 0 {
		return errors.New("max age must not be negative")
	}
	for _, category := range Categories() {
		p, ok := c.Policies[category]
		if !ok {
			return fmt.Errorf("missing policy for %s", category)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", category, err)
		}
	}
	return nil
}

// Policy returns the row for category. Unknown categories get a zero Policy.
func (c Config) Policy(category Category) Policy {
	return c.Policies[category]
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Policies = make(map[Category]Policy, len(c.Policies))
	for k, v := range c.Policies {
		out.Policies[k] = v
	}
	return out
}

// Holder publishes the current Config snapshot to concurrent readers.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder stores an initial snapshot.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.Replace(cfg)
	return h
}

// Load returns the current snapshot. Callers must not mutate it.
func (h *Holder) Load() Config {
	return *h.current.Load()
}

// Replace swaps in a new snapshot.
func (h *Holder) Replace(cfg Config) {
	snapshot := cfg.Clone()
	h.current.Store(&snapshot)
}

// overrideFile is the YAML shape accepted by LoadOverrides.
type overrideFile struct {
	MaxSizeBytes string                    `yaml:"max_size_bytes"`
	MaxAge       *Duration                 `yaml:"max_age"`
	Categories   map[string]overridePolicy `yaml:"categories"`
}

type overridePolicy struct {
	Strategy   *Strategy     `yaml:"strategy"`
	TTL        *Duration     `yaml:"ttl"`
	StaleGrace *Duration     `yaml:"stale_grace"`
	MaxItems   *int          `yaml:"max_items"`
	Eviction   *EvictionRule `yaml:"eviction"`
}

// LoadOverrides reads a YAML override file and applies it on top of base.
// An empty path returns base unchanged.
func LoadOverrides(path string, base Config) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open policy overrides: %w", err)
	}
	defer f.Close()
	return ApplyOverrides(f, base)
}

// ApplyOverrides decodes YAML overrides from r and returns the merged,
// validated config. Fields absent from the document keep their base value.
func ApplyOverrides(r io.Reader, base Config) (Config, error) {
	var doc overrideFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode policy overrides: %w", err)
	}

	out := base.Clone()
	if doc.MaxSizeBytes != "" {
		size, err := parseBytes(doc.MaxSizeBytes)
		if err != nil {
			return Config{}, err
		}
		out.MaxSizeBytes = size
	}
	if doc.MaxAge != nil {
		out.MaxAge = *doc.MaxAge
	}
	for name, row := range doc.Categories {
		category, err := ParseCategory(name)
		if err != nil {
			return Config{}, err
		}
		p := out.Policies[category]
		if row.Strategy != nil {
			p.Strategy = *row.Strategy
		}
		if row.TTL != nil {
			p.TTL = *row.TTL
		}
		if row.StaleGrace != nil {
			p.StaleGrace = *row.StaleGrace
		}
		if row.MaxItems != nil {
			p.MaxItems = *row.MaxItems
		}
		if row.Eviction != nil {
			p.Eviction = *row.Eviction
		}
		out.Policies[category] = p
	}
	if err := out.Validate(); err != nil {
		return Config{}, fmt.Errorf("policy overrides: %w", err)
	}
	return out, nil
}
