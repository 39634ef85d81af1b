// Package offsyncd parses offsyncd command flags and launches the offline
// engine runtime.
package offsyncd

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/offsync/internal/platform/cmd"
	"github.com/louisbranch/offsync/internal/platform/config"
	offlineapp "github.com/louisbranch/offsync/internal/services/offline/app"
)

// Config holds offsyncd command configuration.
type Config struct {
	Addr          string          `env:"OFFSYNC_ADDR" envDefault:":8095"`
	APIBaseURL    string          `env:"OFFSYNC_API_BASE_URL"`
	ProbeURL      string          `env:"OFFSYNC_PROBE_URL"`
	ProbeInterval time.Duration   `env:"OFFSYNC_PROBE_INTERVAL" envDefault:"10s"`
	DBPath        string          `env:"OFFSYNC_DB_PATH" envDefault:"data/offsync.db"`
	MediaDir      string          `env:"OFFSYNC_MEDIA_DIR" envDefault:"data/media"`
	PolicyFile    string          `env:"OFFSYNC_POLICY_FILE"`
	MaxSize       config.ByteSize `env:"OFFSYNC_CACHE_MAX_SIZE"`
	MaxRetries    int             `env:"OFFSYNC_MAX_RETRIES" envDefault:"5"`
	RetryBase     time.Duration   `env:"OFFSYNC_RETRY_BASE" envDefault:"1s"`
	RetryMax      time.Duration   `env:"OFFSYNC_RETRY_MAX_DELAY" envDefault:"5m"`
	Debounce      time.Duration   `env:"OFFSYNC_DEBOUNCE" envDefault:"1500ms"`
	PruneSchedule string          `env:"OFFSYNC_PRUNE_SCHEDULE" envDefault:"@every 10m"`
	LogLevel      string          `env:"OFFSYNC_LOG_LEVEL" envDefault:"info"`
	LogDev        bool            `env:"OFFSYNC_LOG_DEV"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The status HTTP server address")
	fs.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "The API base URL mutations are sent to")
	fs.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "Connectivity probe URL (defaults to the API base URL)")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Connectivity probe interval")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The offline SQLite database path")
	fs.StringVar(&cfg.MediaDir, "media-dir", cfg.MediaDir, "Directory holding cached media files")
	fs.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML file with cache policy overrides")
	fs.Var(&cfg.MaxSize, "max-size", "Total cache budget, e.g. 50MB")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Transient failures tolerated before a queued mutation fails")
	fs.DurationVar(&cfg.RetryBase, "retry-base", cfg.RetryBase, "First retry delay")
	fs.DurationVar(&cfg.RetryMax, "retry-max-delay", cfg.RetryMax, "Maximum retry delay")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "How long a connectivity flip must persist")
	fs.StringVar(&cfg.PruneSchedule, "prune-schedule", cfg.PruneSchedule, "Cron schedule for cache pruning")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "Human-readable development logs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the offsyncd runtime.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceOffsyncd, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return offlineapp.Run(ctx, offlineapp.RuntimeConfig{
			Addr:          cfg.Addr,
			DBPath:        cfg.DBPath,
			MediaDir:      cfg.MediaDir,
			APIBaseURL:    cfg.APIBaseURL,
			ProbeURL:      cfg.ProbeURL,
			ProbeInterval: cfg.ProbeInterval,
			PolicyFile:    cfg.PolicyFile,
			MaxSizeBytes:  int64(cfg.MaxSize),
			MaxRetries:    cfg.MaxRetries,
			RetryBase:     cfg.RetryBase,
			RetryMax:      cfg.RetryMax,
			Debounce:      cfg.Debounce,
			PruneSchedule: cfg.PruneSchedule,
			Logger:        logger,
		})
	})
}
