// Package app assembles the offline engine into a Runtime with an explicit
// lifecycle and exposes its status over HTTP.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/gateway"
	"github.com/louisbranch/offsync/internal/services/offline/media"
	"github.com/louisbranch/offsync/internal/services/offline/network"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
	"github.com/louisbranch/offsync/internal/services/offline/queue"
	"github.com/louisbranch/offsync/internal/services/offline/storage"
	"github.com/louisbranch/offsync/internal/services/offline/storage/memory"
	"github.com/louisbranch/offsync/internal/services/offline/syncer"
	"github.com/louisbranch/offsync/internal/services/offline/transport"
)

// DefaultPruneSchedule runs the periodic cache prune.
const DefaultPruneSchedule = "@every 10m"

// Options wires a Runtime. Source and Transport are required; the rest
// default to in-memory or built-in values.
type Options struct {
	KV         storage.KV
	Source     network.Source
	Transport  transport.Transport
	Downloader media.Downloader
	Files      billy.Filesystem
	Policy     *policy.Config

	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	Debounce      time.Duration
	PruneSchedule string

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Runtime owns one isolated instance of every engine component.
type Runtime struct {
	config  *policy.Holder
	kv      storage.KV
	cache   *cache.Store
	media   *media.Cache
	queue   *queue.Queue
	monitor *network.Monitor
	syncer  *syncer.Service
	gateway *gateway.Gateway
	cron    *cron.Cron

	pruneSchedule string
	logger        *zap.Logger
	metrics       *metrics.Recorder

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New builds a runtime. Nothing is restored or started until Init.
func New(opts Options) (*Runtime, error) {
	if opts.Source == nil {
		return nil, errors.New("connectivity source is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	cfg := policy.Defaults()
	if opts.Policy != nil {
		cfg = opts.Policy.Clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate cache policy: %w", err)
	}
	if opts.KV == nil {
		opts.KV = memory.New()
	}
	if opts.Files == nil {
		opts.Files = memfs.New()
	}
	if opts.Downloader == nil {
		opts.Downloader = media.HTTPDownloader{}
	}
	if opts.PruneSchedule == "" {
		opts.PruneSchedule = DefaultPruneSchedule
	}
	logger := logging.OrNop(opts.Logger)

	rt := &Runtime{
		config:        policy.NewHolder(cfg),
		kv:            opts.KV,
		pruneSchedule: opts.PruneSchedule,
		logger:        logger,
		metrics:       opts.Metrics,
	}
	rt.cache = cache.New(rt.config,
		cache.WithKV(opts.KV),
		cache.WithLogger(logger),
		cache.WithMetrics(opts.Metrics))
	rt.media = media.New(rt.cache, opts.Files, opts.Downloader,
		media.WithLogger(logger),
		media.WithMetrics(opts.Metrics))
	rt.queue = queue.New(
		queue.WithKV(opts.KV),
		queue.WithMaxRetries(opts.MaxRetries),
		queue.WithLogger(logger),
		queue.WithMetrics(opts.Metrics))

	monitorOpts := []network.Option{network.WithLogger(logger), network.WithMetrics(opts.Metrics)}
	if opts.Debounce > 0 {
		monitorOpts = append(monitorOpts, network.WithDebounce(opts.Debounce))
	}
	rt.monitor = network.NewMonitor(opts.Source, monitorOpts...)

	rt.syncer = syncer.New(rt.queue, rt.cache, opts.Transport, rt.monitor,
		syncer.WithBackoff(opts.RetryBase, opts.RetryMax),
		syncer.WithLogger(logger),
		syncer.WithMetrics(opts.Metrics))
	rt.gateway = gateway.New(rt.config, rt.cache, rt.queue, opts.Transport, rt.monitor,
		gateway.WithDrain(rt.kick),
		gateway.WithLogger(logger),
		gateway.WithMetrics(opts.Metrics))

	rt.monitor.OnReconnect(func(ctx context.Context) {
		if _, err := rt.syncer.Run(ctx); err != nil {
			logger.Debug("reconnect drain stopped", zap.Error(err))
		}
	})
	return rt, nil
}

func (rt *Runtime) Gateway() *gateway.Gateway { return rt.gateway }
func (rt *Runtime) Media() *media.Cache { return rt.media }
func (rt *Runtime) Cache() *cache.Store { return rt.cache }
func (rt *Runtime) Queue() *queue.Queue { return rt.queue }
func (rt *Runtime) Monitor() *network.Monitor { return rt.monitor }
func (rt *Runtime) Syncer() *syncer.Service { return rt.syncer }
func (rt *Runtime) Policy() *policy.Holder { return rt.config }
func (rt *Runtime) Metrics() *metrics.Recorder { return rt.metrics }

// Init restores persisted state, prunes, and starts the monitor and the
// prune schedule. Storage failures degrade to a cold start.
func (rt *Runtime) Init(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return errors.New("runtime already initialised")
	}
	rt.started = true
	rt.ctx, rt.cancel = context.WithCancel(ctx)
	rt.mu.Unlock()

	if rt.checkConfigVersion(ctx) {
		if err := rt.cache.Restore(ctx); err != nil {
			rt.logger.Warn("restore cache, starting cold", zap.Error(err))
		}
	}
	if err := rt.queue.Restore(ctx); err != nil {
		rt.logger.Warn("restore sync queue, starting empty", zap.Error(err))
	}
	rt.prune(ctx)
	if orphans, dangling, err := rt.media.Reconcile(); err != nil {
		rt.logger.Warn("reconcile media files", zap.Error(err))
	} else if orphans+dangling > 0 {
		rt.logger.Info("reconciled media files", zap.Int("orphan_files", orphans), zap.Int("dangling_entries", dangling))
	}

	if err := rt.monitor.Start(rt.ctx); err != nil {
		return fmt.Errorf("start network monitor: %w", err)
	}

	rt.cron = cron.New()
	if _, err := rt.cron.AddFunc(rt.pruneSchedule, func() { rt.prune(rt.ctx) }); err != nil {
		rt.monitor.Stop()
		return fmt.Errorf("schedule prune %q: %w", rt.pruneSchedule, err)
	}
	rt.cron.Start()

	// The first connectivity signal is not a transition, so anything restored
	// while already online is drained here.
	if rt.monitor.IsOnline() && rt.queue.HasPending() {
		rt.syncer.Go(rt.ctx)
	}
	rt.logger.Info("offline runtime ready",
		zap.Int("cache_entries", rt.cache.Len()),
		zap.Int("queued", rt.queue.Len()),
		zap.Bool("online", rt.monitor.IsOnline()))
	return nil
}

// checkConfigVersion compares the persisted cache_config version with the
// running one, clears the cache on mismatch and records the running config.
// It reports whether persisted entries may be restored.
func (rt *Runtime) checkConfigVersion(ctx context.Context) bool {
	cfg := rt.config.Load()
	restore := true

	raw, err := rt.kv.Get(ctx, storage.DocCacheConfig)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		rt.logger.Warn("read cache config", zap.Error(err))
	default:
		var persisted struct {
			Version int `json:"version"`
		}
		if err := json.Unmarshal([]byte(raw), &persisted); err != nil || persisted.Version != cfg.Version {
			rt.logger.Info("cache config version changed, clearing cache",
				zap.Int("persisted", persisted.Version),
				zap.Int("current", cfg.Version))
			if err := rt.cache.Reset(ctx); err != nil {
				rt.logger.Warn("reset cache", zap.Error(err))
			}
			restore = false
		}
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		rt.logger.Warn("encode cache config", zap.Error(err))
		return restore
	}
	if err := rt.kv.Set(ctx, storage.DocCacheConfig, string(encoded)); err != nil {
		rt.logger.Warn("write cache config", zap.Error(err))
	}
	return restore
}

// prune drops unservable entries and writes both documents.
func (rt *Runtime) prune(ctx context.Context) int {
	n := rt.cache.Prune()
	if err := rt.cache.Flush(ctx); err != nil {
		rt.logger.Warn("flush cache after prune", zap.Error(err))
	}
	if err := rt.queue.Flush(ctx); err != nil {
		rt.logger.Warn("flush sync queue", zap.Error(err))
	}
	if n > 0 {
		rt.logger.Info("pruned cache", zap.Int("removed", n))
	}
	return n
}

// kick starts a background drain when online.
func (rt *Runtime) kick() {
	rt.mu.Lock()
	ctx, stopped := rt.ctx, rt.stopped
	rt.mu.Unlock()
	if ctx == nil || stopped || !rt.monitor.IsOnline() {
		return
	}
	rt.syncer.Go(ctx)
}

// Shutdown stops background work and flushes state. In-flight sync
// attempts are returned to the queue untouched.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	if !rt.started || rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	var errs []error
	if rt.cron != nil {
		select {
		case <-rt.cron.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for prune: %w", ctx.Err()))
		}
	}
	rt.cancel()
	rt.monitor.Stop()
	if err := rt.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for revalidations: %w", err))
	}
	if err := waitContext(ctx, rt.syncer.Wait); err != nil {
		errs = append(errs, fmt.Errorf("wait for sync drain: %w", err))
	}

	if err := rt.queue.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.cache.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	rt.logger.Info("offline runtime stopped",
		zap.Int("cache_entries", rt.cache.Len()),
		zap.Int("queued", rt.queue.Len()))
	return errors.Join(errs...)
}

func waitContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
