package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
)

// Fetcher loads the current server copy of a cached read.
type Fetcher func(ctx context.Context) ([]byte, error)

// Result is what a read returns. Stale is set when a cached entry past its
// TTL was served from the grace window.
type Result struct {
	Data      []byte
	FromCache bool
	Stale     bool
}

func cached(e cache.Entry, f cache.Freshness) Result {
	return Result{Data: e.Data, FromCache: true, Stale: f == cache.Stale}
}

// Get reads key following the category's strategy. It never fails with a
// network error: when nothing usable can be returned the error has code
// Unavailable and wraps the cause.
func (g *Gateway) Get(ctx context.Context, key string, category policy.Category, fetch Fetcher) (Result, error) {
	if key == "" || fetch == nil {
		return Result{}, apperrors.New(apperrors.CodeInvalidArgument, "key and fetcher are required")
	}
	if !category.Valid() {
		return Result{}, apperrors.New(apperrors.CodeInvalidArgument, "unknown category "+category.String())
	}
	strategy := g.config.Load().Policy(category).Strategy
	online := g.network.IsOnline()

	ctx, span := g.tracer.Start(ctx, "gateway.get", trace.WithAttributes(
		attribute.String("offsync.cache_key", key),
		attribute.String("offsync.category", category.String()),
		attribute.String("offsync.strategy", string(strategy)),
		attribute.Bool("offsync.online", online),
	))
	defer span.End()

	res, err := g.get(ctx, key, category, strategy, online, fetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.GetCode(err)))
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Bool("offsync.from_cache", res.FromCache),
		attribute.Bool("offsync.stale", res.Stale),
	)
	return res, nil
}

func (g *Gateway) get(ctx context.Context, key string, category policy.Category, strategy policy.Strategy, online bool, fetch Fetcher) (Result, error) {
	if !online {
		if e, f := g.cache.Lookup(key); f.Usable() {
			return cached(e, f), nil
		}
		return Result{}, unavailable(key, "offline with no usable cache entry", nil)
	}

	switch strategy {
	case policy.NetworkFirst:
		data, err := g.fetch(ctx, key, category, fetch)
		if err == nil {
			return Result{Data: data}, nil
		}
		if e, f := g.cache.Lookup(key); f.Usable() {
			g.logger.Debug("network failed, serving cache", zap.String("key", key), zap.Error(err))
			return cached(e, f), nil
		}
		return Result{}, unavailable(key, "fetch failed with no usable cache entry", err)

	case policy.StaleWhileRevalidate:
		if e, f := g.cache.Lookup(key); f.Usable() {
			g.revalidate(ctx, key, category, fetch)
			return cached(e, f), nil
		}

	default:
		if e, f := g.cache.Lookup(key); f == cache.Fresh {
			return cached(e, f), nil
		}
	}

	data, err := g.fetch(ctx, key, category, fetch)
	if err != nil {
		return Result{}, unavailable(key, "fetch failed with no usable cache entry", err)
	}
	return Result{Data: data}, nil
}

// fetch calls the fetcher and writes a successful result through. A rejected
// write still returns the data.
func (g *Gateway) fetch(ctx context.Context, key string, category policy.Category, fetch Fetcher) ([]byte, error) {
	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.cache.Write(key, data, category); err != nil {
		g.logger.Warn("cache write after fetch", zap.String("key", key), zap.Stringer("category", category), zap.Error(err))
	}
	return data, nil
}

// revalidate refreshes key in the background. Concurrent refreshes of one key
// share a single fetch. Failures are logged and dropped.
func (g *Gateway) revalidate(ctx context.Context, key string, category policy.Category, fetch Fetcher) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(detached, g.revalidateTimeout)
		defer cancel()
		_, err := g.fetch(ctx, key, category, fetch)
		g.metrics.Revalidated(err)
		if err != nil {
			g.logger.Debug("background revalidation failed", zap.String("key", key), zap.Error(err))
		}
		return nil, err
	})
	go func() {
		defer g.wg.Done()
		<-ch
	}()
}

func unavailable(key, msg string, cause error) error {
	meta := map[string]string{"key": key}
	if cause == nil {
		return apperrors.WithMetadata(apperrors.CodeUnavailable, msg, meta)
	}
	err := apperrors.Wrap(apperrors.CodeUnavailable, msg, cause)
	err.Metadata = meta
	return err
}
