package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
	"github.com/louisbranch/offsync/internal/services/offline/queue"
	"github.com/louisbranch/offsync/internal/services/offline/resource"
	"github.com/louisbranch/offsync/internal/services/offline/storage/memory"
	"github.com/louisbranch/offsync/internal/services/offline/transport"
)

type fakeTransport struct {
	mu      sync.Mutex
	calls   []transport.Request
	respond func(req transport.Request, n int) (transport.Response, error)
}

func (f *fakeTransport) Do(_ context.Context, req transport.Request) (transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return created(req), nil
	}
	return respond(req, n)
}

func (f *fakeTransport) requests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.calls...)
}

func created(req transport.Request) transport.Response {
	return transport.Response{OK: true, Status: http.StatusCreated, Data: json.RawMessage(`{"id":"srv-` + req.IdempotencyKey + `"}`)}
}

type switchable struct{ online atomic.Bool }

func (s *switchable) IsOnline() bool { return s.online.Load() }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type fixture struct {
	queue     *queue.Queue
	cache     *cache.Store
	transport *fakeTransport
	network   *switchable
	clock     *clock
	service   *Service
	mu        sync.Mutex
	sleeps    []time.Duration
}

func newFixture(t *testing.T, opts ...queue.Option) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		network:   &switchable{},
		clock:     &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.network.online.Store(true)
	n := 0
	base := []queue.Option{
		queue.WithClock(f.clock.Now),
		queue.WithIDGenerator(func() (string, error) {
			n++
			return fmt.Sprintf("q%02d", n), nil
		}),
	}
	f.queue = queue.New(append(base, opts...)...)
	f.cache = cache.New(policy.NewHolder(policy.Defaults()), cache.WithClock(f.clock.Now))
	f.service = New(f.queue, f.cache, f.transport, f.network,
		WithClock(f.clock.Now),
		WithBackoff(time.Second, 5*time.Second),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
			f.clock.mu.Lock()
			f.clock.t = f.clock.t.Add(d)
			f.clock.mu.Unlock()
			return nil
		}),
	)
	return f
}

func (f *fixture) enqueue(t *testing.T, typ resource.Type, action resource.Action, payload string) queue.Item {
	t.Helper()
	it, err := f.queue.Enqueue(context.Background(), typ, action, json.RawMessage(payload))
	require.NoError(t, err)
	return it
}

func TestRunDrainsQueuedCreate(t *testing.T) {
	f := newFixture(t)
	f.network.online.Store(false)
	it := f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)
	require.Equal(t, 1, f.queue.Len())
	assert.Equal(t, queue.StatusPending, it.Status)

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.transport.requests(), "nothing is sent while offline")
	assert.True(t, report.Interrupted)

	f.network.online.Store(true)
	report, err = f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, f.queue.Len())

	reqs := f.transport.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/posts", reqs[0].URL)
	assert.Equal(t, it.ID, reqs[0].IdempotencyKey)
}

func TestRunAppliesEachItemOnceInEnqueueOrder(t *testing.T) {
	f := newFixture(t)
	var want []string
	for i := range 12 {
		var it queue.Item
		switch i % 3 {
		case 0:
			it = f.enqueue(t, resource.Post, resource.Create, fmt.Sprintf(`{"text":"%d"}`, i))
		case 1:
			it = f.enqueue(t, resource.Post, resource.Update, fmt.Sprintf(`{"id":"p%d","text":"x"}`, i))
		default:
			it = f.enqueue(t, resource.Like, resource.Create, `{"post_id":"p1"}`)
		}
		want = append(want, it.ID)
	}

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, report.Completed)

	var got []string
	for _, req := range f.transport.requests() {
		got = append(got, req.IdempotencyKey)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRunFailsTerminallyOnClientError(t *testing.T) {
	f := newFixture(t)
	f.transport.respond = func(req transport.Request, n int) (transport.Response, error) {
		if n == 1 {
			return transport.Response{Status: http.StatusBadRequest, Data: json.RawMessage(`{"error":"amount too low"}`)}, nil
		}
		return created(req), nil
	}
	bid := f.enqueue(t, resource.Bid, resource.Create, `{"auction_id":"a1","amount":"0"}`)
	next := f.enqueue(t, resource.Post, resource.Create, `{"text":"after"}`)

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Completed)

	got, ok := f.queue.Get(bid.ID)
	require.True(t, ok, "failed items stay visible")
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, apperrors.CodeConflict, got.ErrorCode)
	assert.Contains(t, got.LastError, "bad request")
	assert.Empty(t, f.sleeps)

	_, ok = f.queue.Get(next.ID)
	assert.False(t, ok)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	var retryCountAtSuccess int
	f.transport.respond = func(req transport.Request, n int) (transport.Response, error) {
		if n <= 2 {
			return transport.Response{}, apperrors.Wrap(apperrors.CodeNetwork, "POST /posts", context.DeadlineExceeded)
		}
		it, _ := f.queue.Get(req.IdempotencyKey)
		retryCountAtSuccess = it.RetryCount
		return created(req), nil
	}
	it := f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Retried)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 2, retryCountAtSuccess)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
	_, ok := f.queue.Get(it.ID)
	assert.False(t, ok, "completed item is removed")
	for _, req := range f.transport.requests() {
		assert.Equal(t, it.ID, req.IdempotencyKey, "retries reuse the idempotency key")
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t, queue.WithMaxRetries(3))
	f.transport.respond = func(transport.Request, int) (transport.Response, error) {
		return transport.Response{Status: http.StatusServiceUnavailable}, nil
	}
	it := f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, f.transport.requests(), 4)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.sleeps)

	got, ok := f.queue.Get(it.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, apperrors.CodeExhaustedRetries, got.ErrorCode)
	assert.Equal(t, 3, got.RetryCount)
	assert.True(t, got.Exhausted())

	_, err = f.queue.Retry(context.Background(), it.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeExhaustedRetries))
}

func TestDelayIsExponentialAndCapped(t *testing.T) {
	s := New(queue.New(), nil, &fakeTransport{}, &switchable{}, WithBackoff(time.Second, 5*time.Second))
	assert.Equal(t, time.Second, s.delay(0))
	assert.Equal(t, 2*time.Second, s.delay(1))
	assert.Equal(t, 4*time.Second, s.delay(2))
	assert.Equal(t, 5*time.Second, s.delay(3))
	assert.Equal(t, 5*time.Second, s.delay(30))
}

func TestRunStopsWhenConnectivityDrops(t *testing.T) {
	f := newFixture(t)
	f.transport.respond = func(req transport.Request, n int) (transport.Response, error) {
		if n == 2 {
			f.network.online.Store(false)
		}
		return created(req), nil
	}
	for i := range 5 {
		f.enqueue(t, resource.Post, resource.Create, fmt.Sprintf(`{"text":"%d"}`, i))
	}

	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 2, report.Completed, "the in-flight item settles")

	pending := f.queue.Pending()
	require.Len(t, pending, 3)
	for _, it := range pending {
		assert.Equal(t, 0, it.RetryCount, "untouched")
	}
}

func TestRunReleasesAttemptCutByContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.transport.respond = func(transport.Request, int) (transport.Response, error) {
		cancel()
		return transport.Response{}, apperrors.Wrap(apperrors.CodeNetwork, "POST /posts", context.Canceled)
	}
	it := f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)
	f.enqueue(t, resource.Post, resource.Create, `{"text":"later"}`)

	report, err := f.service.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Interrupted)
	assert.Len(t, f.transport.requests(), 1)

	got, ok := f.queue.Get(it.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount, "shutdown does not spend the retry budget")
}

func TestRunReturnsContextErrorDuringBackoff(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.service.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	f.transport.respond = func(transport.Request, int) (transport.Response, error) {
		return transport.Response{Status: http.StatusBadGateway}, nil
	}
	it := f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)

	report, err := f.service.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.Retried)

	got, ok := f.queue.Get(it.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.NextAttemptAt.IsZero())
}

func TestConcurrentRunIsCoalesced(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	f.transport.respond = func(req transport.Request, n int) (transport.Response, error) {
		if n == 1 {
			once.Do(func() { close(started) })
			<-gate
		}
		return created(req), nil
	}
	f.enqueue(t, resource.Post, resource.Create, `{"text":"a"}`)

	done := make(chan Report, 1)
	go func() {
		report, _ := f.service.Run(context.Background())
		done <- report
	}()
	<-started
	assert.True(t, f.service.Running())

	late := f.enqueue(t, resource.Post, resource.Create, `{"text":"b"}`)
	report, err := f.service.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Coalesced)

	close(gate)
	first := <-done
	assert.Equal(t, 2, first.Completed)
	assert.False(t, f.service.Running())
	reqs := f.transport.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, late.ID, reqs[1].IdempotencyKey)
}

// handoff reports offline exactly once. The first check runs onFlip, which
// stands in for the monitor committing offline to online mid-check.
type handoff struct {
	checks atomic.Int32
	onFlip func()
}

func (h *handoff) IsOnline() bool {
	if h.checks.Add(1) == 1 {
		h.onFlip()
		return false
	}
	return true
}

func TestReconnectDuringOfflineCheckStillDrains(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)

	net := &handoff{}
	svc := New(f.queue, f.cache, f.transport, net, WithClock(f.clock.Now))
	var hook Report
	net.onFlip = func() {
		var err error
		hook, err = svc.Run(context.Background())
		require.NoError(t, err)
	}

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, hook.Coalesced)
	assert.Equal(t, 1, report.Completed)
	assert.Empty(t, f.queue.Pending())
	assert.False(t, svc.Running())
	require.Len(t, f.transport.requests(), 1)
}

func TestRequestWhileOfflineEndsDrain(t *testing.T) {
	f := newFixture(t)
	f.network.online.Store(false)
	f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)

	f.service.mu.Lock()
	f.service.running = true
	f.service.again = true
	f.service.mu.Unlock()

	assert.False(t, f.service.another(context.Background(), true))
	assert.False(t, f.service.Running())
	assert.Empty(t, f.transport.requests())
}

func TestRunPropagatesResultToCache(t *testing.T) {
	f := newFixture(t)
	f.transport.respond = func(req transport.Request, _ int) (transport.Response, error) {
		return transport.Response{OK: true, Status: http.StatusOK, Data: json.RawMessage(`{"id":"p1","text":"edited","author_id":"u9"}`)}, nil
	}
	require.NoError(t, f.cache.Write("feeds:home", []byte(`[]`), policy.Feeds))
	require.NoError(t, f.cache.Write("feeds:user:u9", []byte(`[]`), policy.Feeds))
	require.NoError(t, f.cache.Write("feeds:post:p1", []byte(`{"id":"p1","text":"old"}`), policy.Feeds))
	require.NoError(t, f.cache.Write("profiles:u9", []byte(`{}`), policy.Profiles))
	f.enqueue(t, resource.Post, resource.Update, `{"id":"p1","text":"edited"}`)

	_, err := f.service.Run(context.Background())
	require.NoError(t, err)

	_, ok := f.cache.Read("feeds:home")
	assert.False(t, ok)
	_, ok = f.cache.Read("feeds:user:u9")
	assert.False(t, ok)
	post, ok := f.cache.Read("feeds:post:p1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"p1","text":"edited","author_id":"u9"}`, string(post.Data))
	_, ok = f.cache.Read("profiles:u9")
	assert.True(t, ok, "unrelated entries survive")
}

func TestRestartResumesPersistedItemsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()

	before := newFixture(t, queue.WithKV(kv))
	var want []string
	for i := range 6 {
		want = append(want, before.enqueue(t, resource.Post, resource.Create, fmt.Sprintf(`{"text":"%d"}`, i)).ID)
	}
	// Crash while the head item was in flight.
	_, err := before.queue.Transition(ctx, want[0], queue.StatusProcessing, nil)
	require.NoError(t, err)

	after := newFixture(t, queue.WithKV(kv))
	require.NoError(t, after.queue.Restore(ctx))
	report, err := after.service.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Completed)

	var got []string
	for _, req := range after.transport.requests() {
		got = append(got, req.IdempotencyKey)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 0, after.queue.Len())

	restored := queue.New(queue.WithKV(kv))
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, 0, restored.Len(), "the drained state was persisted")
}

func TestGoAndWait(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, resource.Post, resource.Create, `{"text":"gm"}`)

	f.service.Go(context.Background())
	f.service.Wait()
	assert.Equal(t, 0, f.queue.Len())
}
