package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	for _, c := range Categories() {
		assert.True(t, c.Valid(), c.String())
	}
	assert.Equal(t, time.Hour, cfg.Policy(Feeds).Grace())
	assert.Zero(t, cfg.Policy(Profiles).Grace())
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Auctions ")
	require.NoError(t, err)
	assert.Equal(t, Auctions, c)

	_, err = ParseCategory("tips")
	require.Error(t, err)
	assert.Equal(t, "unknown", CategoryUnknown.String())
}

func TestGraceIgnoredOutsideStaleWhileRevalidate(t *testing.T) {
	p := Policy{Strategy: CacheFirst, TTL: Duration(time.Minute), StaleGrace: Duration(time.Hour), MaxItems: 1, Eviction: Recency}
	assert.Zero(t, p.Grace())
}

func TestPolicyValidate(t *testing.T) {
	base := Policy{Strategy: CacheFirst, TTL: Duration(time.Minute), MaxItems: 10, Eviction: LastAccess}
	require.NoError(t, base.Validate())

	cases := map[string]func(*Policy){
		"strategy":  func(p *Policy) { p.Strategy = "always" },
		"ttl":       func(p *Policy) { p.TTL = 0 },
		"grace":     func(p *Policy) { p.StaleGrace = -1 },
		"max items": func(p *Policy) { p.MaxItems = 0 },
		"eviction":  func(p *Policy) { p.Eviction = "random" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := base
			mutate(&p)
			require.Error(t, p.Validate())
		})
	}
}

func TestConfigValidateRequiresEveryCategory(t *testing.T) {
	cfg := Defaults()
	delete(cfg.Policies, Brands)
	require.ErrorContains(t, cfg.Validate(), "brands")
}

func TestConfigJSONRoundTripUsesNames(t *testing.T) {
	raw, err := json.Marshal(Defaults())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"feeds":{"strategy":"stale-while-revalidate","ttl":"5m0s"`)

	var decoded Config
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, Defaults(), decoded)
}

func TestHolderReplaceIsWholesale(t *testing.T) {
	h := NewHolder(Defaults())
	snapshot := h.Load()

	next := Defaults()
	next.MaxSizeBytes = 1024
	h.Replace(next)
	next.Policies[Feeds] = Policy{}

	assert.Equal(t, int64(50<<20), snapshot.MaxSizeBytes)
	assert.Equal(t, int64(1024), h.Load().MaxSizeBytes)
	assert.Equal(t, StaleWhileRevalidate, h.Load().Policy(Feeds).Strategy)
}

func TestApplyOverrides(t *testing.T) {
	doc := `
max_size_bytes: 10MB
max_age: 48h
categories:
  feeds:
    ttl: 10m
    max_items: 20
  auctions:
    strategy: stale-while-revalidate
    stale_grace: 30s
`
	cfg, err := ApplyOverrides(strings.NewReader(doc), Defaults())
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), cfg.MaxSizeBytes)
	assert.Equal(t, 48*time.Hour, cfg.MaxAge.Std())
	assert.Equal(t, 10*time.Minute, cfg.Policy(Feeds).TTL.Std())
	assert.Equal(t, 20, cfg.Policy(Feeds).MaxItems)
	assert.Equal(t, LastAccess, cfg.Policy(Feeds).Eviction)
	assert.Equal(t, 30*time.Second, cfg.Policy(Auctions).Grace())
}

func TestApplyOverridesRejectsInvalidRows(t *testing.T) {
	_, err := ApplyOverrides(strings.NewReader("categories:\n  tips:\n    ttl: 1m\n"), Defaults())
	require.Error(t, err)

	_, err = ApplyOverrides(strings.NewReader("categories:\n  feeds:\n    max_items: 0\n"), Defaults())
	require.Error(t, err)

	_, err = ApplyOverrides(strings.NewReader("max_age: soon\n"), Defaults())
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadOverrides("", Defaults())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  brands:\n    eviction: last-access\n"), 0o600))
	cfg, err = LoadOverrides(path, Defaults())
	require.NoError(t, err)
	assert.Equal(t, LastAccess, cfg.Policy(Brands).Eviction)

	_, err = LoadOverrides(filepath.Join(t.TempDir(), "missing.yaml"), Defaults())
	require.Error(t, err)
}
