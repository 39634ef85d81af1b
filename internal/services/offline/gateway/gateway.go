// Package gateway is the single entry point for reads and mutations. It
// decides per call whether to serve from cache, go to the network or queue
// the write for later.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/platform/timeouts"
	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
	"github.com/louisbranch/offsync/internal/services/offline/queue"
	"github.com/louisbranch/offsync/internal/services/offline/transport"
)

// Connectivity reports whether the network is usable.
type Connectivity interface {
	IsOnline() bool
}

// Gateway routes reads through the cache policy table and mutations through
// the transport or the sync queue.
type Gateway struct {
	config    *policy.Holder
	cache     *cache.Store
	queue     *queue.Queue
	transport transport.Transport
	network   Connectivity

	drain             func()
	revalidateTimeout time.Duration
	logger            *zap.Logger
	metrics           *metrics.Recorder
	tracer            trace.Tracer

	group singleflight.Group

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDrain sets the hook that starts a background queue drain. It is called
// when an online mutation had to be queued.
func WithDrain(fn func()) Option {
	return func(g *Gateway) { g.drain = fn }
}

// WithRevalidateTimeout bounds background refreshes.
func WithRevalidateTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.revalidateTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a gateway over the engine's stores.
func New(config *policy.Holder, store *cache.Store, q *queue.Queue, tr transport.Transport, network Connectivity, opts ...Option) *Gateway {
	g := &Gateway{
		config:            config,
		cache:             store,
		queue:             q,
		transport:         tr,
		network:           network,
		drain:             func() {},
		revalidateTimeout: timeouts.Revalidate,
		tracer:            otel.Tracer("github.com/louisbranch/offsync/internal/services/offline/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger).Named("gateway")
	return g
}

// Wait blocks until in-flight background revalidations finish.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// Shutdown stops new background revalidations and waits for running ones
// until ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
