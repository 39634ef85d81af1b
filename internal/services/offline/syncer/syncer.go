// Package syncer drains the sync queue against the server, one item at a
// time in enqueue order.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/queue"
	"github.com/louisbranch/offsync/internal/services/offline/resource"
	"github.com/louisbranch/offsync/internal/services/offline/transport"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 5 * time.Minute
)

// Connectivity reports whether the network is usable.
type Connectivity interface {
	IsOnline() bool
}

// Report summarises one Run.
type Report struct {
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	// Interrupted is set when the drain stopped early because connectivity
	// dropped or the context ended.
	Interrupted bool `json:"interrupted"`
	// Coalesced is set when the call joined a drain already in progress.
	Coalesced bool `json:"coalesced"`
}

func (r *Report) add(o Report) {
	r.Completed += o.Completed
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Interrupted = r.Interrupted || o.Interrupted
}

// Service replays queued mutations.
type Service struct {
	queue     *queue.Queue
	cache     *cache.Store
	transport transport.Transport
	network   Connectivity

	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Recorder
	tracer    trace.Tracer

	mu      sync.Mutex
	running bool
	again   bool
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithBackoff sets the first retry delay and its cap.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Service) {
		if base > 0 {
			s.baseDelay = base
		}
		if max > 0 {
			s.maxDelay = max
		}
	}
}

// WithSleep replaces the context-aware wait used between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds a sync service. store may be nil when nothing is cached.
func New(q *queue.Queue, store *cache.Store, tr transport.Transport, network Connectivity, opts ...Option) *Service {
	s := &Service{
		queue:     q,
		cache:     store,
		transport: tr,
		network:   network,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		sleep:     sleep,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/louisbranch/offsync/internal/services/offline/syncer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("syncer")
	return s
}

// Run drains pending items until the queue is empty, connectivity drops or
// ctx ends. A call made while a drain is in progress returns immediately and
// makes the running drain take one more pass.
func (s *Service) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.again = true
		s.mu.Unlock()
		return Report{Coalesced: true}, nil
	}
	s.running = true
	s.mu.Unlock()

	var total Report
	for {
		pass := s.drain(ctx)
		total.add(pass)
		if !s.another(ctx, pass.Interrupted) {
			break
		}
	}

	if total.Completed+total.Retried+total.Failed > 0 || total.Interrupted {
		s.logger.Info("sync drain finished",
			zap.Int("completed", total.Completed),
			zap.Int("retried", total.Retried),
			zap.Int("failed", total.Failed),
			zap.Bool("interrupted", total.Interrupted))
	}
	if total.Interrupted && ctx.Err() != nil {
		return total, ctx.Err()
	}
	return total, nil
}

// another consumes a pass requested during the drain. A request that arrived
// while the drain saw the network as offline is honoured if connectivity is
// back. Returning false clears running.
func (s *Service) another(ctx context.Context, interrupted bool) bool {
	for {
		s.mu.Lock()
		if !s.again || ctx.Err() != nil {
			s.again = false
			s.running = false
			s.mu.Unlock()
			return false
		}
		s.again = false
		s.mu.Unlock()
		if !interrupted || s.network.IsOnline() {
			return true
		}
	}
}

// Go starts Run in the background. Wait blocks until every such run ends.
func (s *Service) Go(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Run(ctx); err != nil {
			s.logger.Debug("background drain stopped", zap.Error(err))
		}
	}()
}

// Wait blocks until drains started with Go return.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Running reports whether a drain is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) drain(ctx context.Context) Report {
	var r Report
	for {
		if ctx.Err() != nil || !s.network.IsOnline() {
			r.Interrupted = s.queue.HasPending()
			return r
		}
		item, ok := s.queue.Next()
		if !ok {
			return r
		}
		if wait := item.NextAttemptAt.Sub(s.now()); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				r.Interrupted = true
				return r
			}
			if !s.network.IsOnline() {
				r.Interrupted = true
				return r
			}
		}
		switch s.process(ctx, item) {
		case outcomeCompleted:
			r.Completed++
		case outcomeRetry:
			r.Retried++
		case outcomeFailed, outcomeExhausted:
			r.Failed++
		case outcomeReleased:
			r.Interrupted = true
			return r
		}
	}
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeRetry     outcome = "retry"
	outcomeFailed    outcome = "failed"
	outcomeExhausted outcome = "exhausted"
	outcomeSkipped   outcome = "skipped"
	// outcomeReleased is an attempt cut short by the drain's context. It does
	// not count against the retry budget.
	outcomeReleased outcome = "released"
)

// process applies one item and settles its state.
func (s *Service) process(ctx context.Context, item queue.Item) outcome {
	ctx, span := s.tracer.Start(ctx, "sync.apply", trace.WithAttributes(
		attribute.String("offsync.item_id", item.ID),
		attribute.String("offsync.resource_type", item.ResourceType.String()),
		attribute.String("offsync.action", item.Action.String()),
		attribute.Int("offsync.retry_count", item.RetryCount),
	))
	defer span.End()

	if _, err := s.queue.Transition(ctx, item.ID, queue.StatusProcessing, nil); err != nil {
		// Removed or moved concurrently; nothing to apply.
		s.logger.Debug("skip queue item", zap.String("item_id", item.ID), zap.Error(err))
		return outcomeSkipped
	}

	resp, err := s.apply(ctx, item)
	var result outcome
	switch {
	case err == nil:
		result = s.complete(ctx, item, resp)
	case ctx.Err() != nil:
		result = s.release(ctx, item)
	case apperrors.Classify(err).Retryable():
		result = s.reschedule(ctx, item, err)
	default:
		result = s.fail(ctx, item, apperrors.Classify(err), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.Classify(err)))
	}
	span.SetAttributes(attribute.String("offsync.outcome", string(result)))
	s.metrics.SyncOutcome(string(result))
	return result
}

func (s *Service) apply(ctx context.Context, item queue.Item) (transport.Response, error) {
	req, err := resource.Build(item.ResourceType, item.Action, item.Payload)
	if err != nil {
		return transport.Response{}, err
	}
	resp, err := s.transport.Do(ctx, transport.Request{
		Method:         req.Method,
		URL:            req.Path,
		Body:           req.Body,
		IdempotencyKey: item.ID,
	})
	if err != nil {
		return transport.Response{}, err
	}
	if err := transport.Check(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (s *Service) complete(ctx context.Context, item queue.Item, resp transport.Response) outcome {
	if _, err := s.queue.Transition(ctx, item.ID, queue.StatusCompleted, nil); err != nil {
		s.logger.Warn("settle completed item", zap.String("item_id", item.ID), zap.Error(err))
	}
	s.propagate(item, resp)
	return outcomeCompleted
}

// propagate applies the server result to cached reads the mutation touched.
func (s *Service) propagate(item queue.Item, resp transport.Response) {
	Propagate(s.cache, s.logger, item.ResourceType, item.Action, item.Payload, resp.Data)
}

func (s *Service) release(ctx context.Context, item queue.Item) outcome {
	if _, err := s.queue.Transition(context.WithoutCancel(ctx), item.ID, queue.StatusPending, nil); err != nil {
		s.logger.Warn("release interrupted item", zap.String("item_id", item.ID), zap.Error(err))
	}
	return outcomeReleased
}

func (s *Service) reschedule(ctx context.Context, item queue.Item, cause error) outcome {
	if item.RetryCount >= s.queue.MaxRetries() {
		return s.fail(ctx, item, apperrors.CodeExhaustedRetries, cause)
	}
	delay := s.delay(item.RetryCount)
	next := s.now().Add(delay)
	_, err := s.queue.Transition(ctx, item.ID, queue.StatusPending, func(it *queue.Item) {
		it.RetryCount++
		it.NextAttemptAt = next
		it.LastError = cause.Error()
		it.ErrorCode = apperrors.Classify(cause)
	})
	if err != nil {
		s.logger.Warn("reschedule item", zap.String("item_id", item.ID), zap.Error(err))
	}
	s.logger.Debug("retry scheduled",
		zap.String("item_id", item.ID),
		zap.Int("retry_count", item.RetryCount+1),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return outcomeRetry
}

func (s *Service) fail(ctx context.Context, item queue.Item, code apperrors.Code, cause error) outcome {
	_, err := s.queue.Transition(ctx, item.ID, queue.StatusFailed, func(it *queue.Item) {
		it.LastError = cause.Error()
		it.ErrorCode = code
		it.NextAttemptAt = time.Time{}
	})
	if err != nil {
		s.logger.Warn("fail item", zap.String("item_id", item.ID), zap.Error(err))
	}
	fields := []zap.Field{
		zap.String("item_id", item.ID),
		zap.String("code", string(code)),
		zap.Int("retry_count", item.RetryCount),
		zap.Error(cause),
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	s.logger.Warn("queued mutation failed", fields...)
	if code == apperrors.CodeExhaustedRetries {
		return outcomeExhausted
	}
	return outcomeFailed
}

// delay returns base*2^attempt, capped at the max delay.
func (s *Service) delay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.maxDelay,
	}
	b.Reset()
	d := b.NextBackOff()
	for range attempt {
		d = b.NextBackOff()
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
