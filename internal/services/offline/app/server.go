package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/platform/timeouts"
	"github.com/louisbranch/offsync/internal/services/offline/media"
	"github.com/louisbranch/offsync/internal/services/offline/network"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
	"github.com/louisbranch/offsync/internal/services/offline/storage/sqlite"
	"github.com/louisbranch/offsync/internal/services/offline/transport"
)

// RuntimeConfig controls offsyncd startup.
type RuntimeConfig struct {
	Addr          string
	DBPath        string
	MediaDir      string
	APIBaseURL    string
	ProbeURL      string
	ProbeInterval time.Duration
	PolicyFile    string
	MaxSizeBytes  int64
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	Debounce      time.Duration
	PruneSchedule string
	Logger        *zap.Logger
}

const (
	defaultAddr     = ":8095"
	defaultDBPath   = "data/offsync.db"
	defaultMediaDir = "data/media"
)

// Run opens storage, starts the runtime and serves the status surface until
// ctx ends, then shuts everything down.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return errors.New("api base url is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if strings.TrimSpace(cfg.MediaDir) == "" {
		cfg.MediaDir = defaultMediaDir
	}
	if strings.TrimSpace(cfg.ProbeURL) == "" {
		cfg.ProbeURL = cfg.APIBaseURL
	}
	logger := logging.OrNop(cfg.Logger)

	cachePolicy, err := policy.LoadOverrides(cfg.PolicyFile, policy.Defaults())
	if err != nil {
		return err
	}
	if cfg.MaxSizeBytes > 0 {
		cachePolicy.MaxSizeBytes = cfg.MaxSizeBytes
	}

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open offline sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close offline sqlite store", zap.Error(closeErr))
		}
	}()

	api, err := transport.NewHTTP(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	recorder := metrics.New()
	rt, err := New(Options{
		KV:         store,
		Source:     &network.HTTPProbe{URL: cfg.ProbeURL, Interval: cfg.ProbeInterval},
		Transport:  api,
		Downloader: media.HTTPDownloader{},
		Files:      osfs.New(cfg.MediaDir),
		Policy:     &cachePolicy,

		MaxRetries:    cfg.MaxRetries,
		RetryBase:     cfg.RetryBase,
		RetryMax:      cfg.RetryMax,
		Debounce:      cfg.Debounce,
		PruneSchedule: cfg.PruneSchedule,

		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return err
	}
	if err := rt.Init(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		shutdownRuntime(rt, logger)
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	server := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("status server listening", zap.Stringer("addr", listener.Addr()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve status: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
		defer cancel()
		serverErr := server.Shutdown(shutdownCtx)
		return errors.Join(serverErr, rt.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func shutdownRuntime(rt *Runtime, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		logger.Warn("shutdown offline runtime", zap.Error(err))
	}
}
