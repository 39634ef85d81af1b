package offsyncd

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("offsyncd", flag.ContinueOnError)
	t.Setenv("OFFSYNC_API_BASE_URL", "https://api.example.com")
	t.Setenv("OFFSYNC_CACHE_MAX_SIZE", "20MB")
	t.Setenv("OFFSYNC_RETRY_BASE", "2s")

	cfg, err := ParseConfig(fs, []string{"-max-retries", "3", "-addr", ":9999"})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, int64(20_000_000), int64(cfg.MaxSize))
	assert.Equal(t, 2*time.Second, cfg.RetryBase)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "data/offsync.db", cfg.DBPath)
	assert.Equal(t, 1500*time.Millisecond, cfg.Debounce)
	assert.Equal(t, "@every 10m", cfg.PruneSchedule)
}

func TestParseConfig_MaxSizeFlagAcceptsHumanUnits(t *testing.T) {
	fs := flag.NewFlagSet("offsyncd", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, []string{"-max-size", "1MiB"})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), int64(cfg.MaxSize))
}

func TestParseConfig_RejectsBadFlag(t *testing.T) {
	fs := flag.NewFlagSet("offsyncd", flag.ContinueOnError)
	_, err := ParseConfig(fs, []string{"-max-size", "lots"})
	assert.Error(t, err)
}
