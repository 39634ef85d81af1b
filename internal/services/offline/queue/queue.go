package queue

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/platform/id"
	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/services/offline/resource"
	"github.com/louisbranch/offsync/internal/services/offline/storage"
)

// DefaultMaxRetries is the retry ceiling used when none is configured.
const DefaultMaxRetries = 5

// Queue is the ordered set of queued mutations. All methods are safe for
// concurrent use; every change is written through to the KV.
type Queue struct {
	mu    sync.Mutex
	items map[string]*Item
	seq   uint64
	last  time.Time
	gen   uint64

	persistMu    sync.Mutex
	persistedGen uint64

	maxRetries  int
	kv          storage.KV
	now         func() time.Time
	idGenerator func() (string, error)
	logger      *zap.Logger
	metrics     *metrics.Recorder
}

// Option configures a Queue.
type Option func(*Queue)

func WithKV(kv storage.KV) Option {
	return func(q *Queue) { q.kv = kv }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator replaces id.NewID.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(q *Queue) { q.idGenerator = fn }
}

// WithMaxRetries sets the retry ceiling that makes a failure permanent.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(q *Queue) { q.metrics = m }
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		items:       make(map[string]*Item),
		maxRetries:  DefaultMaxRetries,
		now:         time.Now,
		idGenerator: id.NewID,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.OrNop(q.logger).Named("queue")
	return q
}

// MaxRetries returns the configured retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// NewItemID returns a fresh id from the queue's generator. Callers that send
// a mutation directly use it as the idempotency key so a later EnqueueWithID
// replays under the same key.
func (q *Queue) NewItemID() (string, error) {
	itemID, err := q.idGenerator()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "generate item id", err)
	}
	return itemID, nil
}

// Enqueue appends a pending mutation. The request shape is validated up
// front so an item that can never be sent is rejected instead of queued.
func (q *Queue) Enqueue(ctx context.Context, t resource.Type, action resource.Action, payload json.RawMessage) (Item, error) {
	itemID, err := q.NewItemID()
	if err != nil {
		return Item{}, err
	}
	return q.EnqueueWithID(ctx, itemID, t, action, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen id.
func (q *Queue) EnqueueWithID(ctx context.Context, itemID string, t resource.Type, action resource.Action, payload json.RawMessage) (Item, error) {
	if itemID == "" {
		return Item{}, apperrors.New(apperrors.CodeInvalidArgument, "item id is required")
	}
	if _, err := resource.Build(t, action, payload); err != nil {
		return Item{}, err
	}

	now := q.now()
	q.mu.Lock()
	if _, ok := q.items[itemID]; ok {
		q.mu.Unlock()
		return Item{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "duplicate item id", map[string]string{"item_id": itemID})
	}
	// Timestamps never go backwards so FIFO order survives clock adjustments.
	ts := now
	if ts.Before(q.last) {
		ts = q.last
	}
	q.last = ts
	q.seq++
	it := &Item{
		ID:           itemID,
		ResourceType: t,
		Action:       action,
		Payload:      append(json.RawMessage(nil), payload...),
		Timestamp:    ts,
		Seq:          q.seq,
		Status:       StatusPending,
		UpdatedAt:    now,
	}
	q.items[itemID] = it
	q.gen++
	out := it.clone()
	q.mu.Unlock()

	q.logger.Debug("enqueued mutation",
		zap.String("item_id", out.ID),
		zap.Stringer("resource_type", out.ResourceType),
		zap.Stringer("action", out.Action))
	q.persist(ctx)
	return out, nil
}

// Get returns a copy of the item.
func (q *Queue) Get(itemID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// List returns every item in enqueue order.
func (q *Queue) List() []Item {
	return q.collect(func(*Item) bool { return true })
}

// Pending returns pending items in enqueue order.
func (q *Queue) Pending() []Item {
	return q.collect(func(it *Item) bool { return it.Status == StatusPending })
}

// Failed returns failed items in enqueue order.
func (q *Queue) Failed() []Item {
	return q.collect(func(it *Item) bool { return it.Status == StatusFailed })
}

// Next returns the oldest pending item.
func (q *Queue) Next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var head *Item
	for _, it := range q.items {
		if it.Status != StatusPending {
			continue
		}
		if head == nil || before(it, head) {
			head = it
		}
	}
	if head == nil {
		return Item{}, false
	}
	return head.clone(), true
}

// HasPending reports whether any item is pending or in flight.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Status == StatusPending || it.Status == StatusProcessing {
			return true
		}
	}
	return false
}

func (q *Queue) collect(keep func(*Item) bool) []Item {
	q.mu.Lock()
	matched := make([]*Item, 0, len(q.items))
	for _, it := range q.items {
		if keep(it) {
			matched = append(matched, it)
		}
	}
	slices.SortFunc(matched, compareItems)
	out := make([]Item, len(matched))
	for i, it := range matched {
		out[i] = it.clone()
	}
	q.mu.Unlock()
	return out
}

// Len returns the number of items held, including failed ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Transition moves an item along the state machine and applies update to it
// in the same step. Moving to completed removes the item.
func (q *Queue) Transition(ctx context.Context, itemID string, to Status, update func(*Item)) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return Item{}, notFound(itemID)
	}
	if !CanTransition(it.Status, to) {
		from := it.Status
		q.mu.Unlock()
		return Item{}, invalidTransition(itemID, from, to)
	}
	it.Status = to
	it.UpdatedAt = q.now()
	if update != nil {
		update(it)
		it.ID, it.Status = itemID, to
	}
	if to == StatusCompleted {
		delete(q.items, itemID)
	}
	q.gen++
	out := it.clone()
	q.mu.Unlock()

	q.persist(ctx)
	return out, nil
}

// Update changes an item's fields without moving it. The id and status are
// preserved.
func (q *Queue) Update(ctx context.Context, itemID string, update func(*Item)) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return Item{}, notFound(itemID)
	}
	status := it.Status
	update(it)
	it.ID, it.Status = itemID, status
	it.UpdatedAt = q.now()
	q.gen++
	out := it.clone()
	q.mu.Unlock()

	q.persist(ctx)
	return out, nil
}

// Retry moves a failed item back to pending. Items that exhausted their
// retry budget stay failed.
func (q *Queue) Retry(ctx context.Context, itemID string) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return Item{}, notFound(itemID)
	}
	if it.Exhausted() || it.RetryCount >= q.maxRetries {
		q.mu.Unlock()
		return Item{}, apperrors.WithMetadata(apperrors.CodeExhaustedRetries, "retry budget exhausted", map[string]string{"item_id": itemID})
	}
	q.mu.Unlock()

	return q.Transition(ctx, itemID, StatusPending, func(it *Item) {
		it.LastError = ""
		it.ErrorCode = ""
		it.NextAttemptAt = time.Time{}
	})
}

// Remove deletes an item that has not started processing.
func (q *Queue) Remove(ctx context.Context, itemID string) error {
	q.mu.Lock()
	it, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return notFound(itemID)
	}
	if it.Status == StatusProcessing {
		q.mu.Unlock()
		return apperrors.WithMetadata(apperrors.CodeInvalidTransition, "item is being processed", map[string]string{"item_id": itemID})
	}
	delete(q.items, itemID)
	q.gen++
	q.mu.Unlock()

	q.persist(ctx)
	return nil
}

func notFound(itemID string) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, "queue item not found", map[string]string{"item_id": itemID})
}

// Restore replaces the queue with the persisted sync_queue document. Items
// left in processing by a crash are returned to pending; a missing or corrupt
// document starts an empty queue.
func (q *Queue) Restore(ctx context.Context) error {
	if q.kv == nil {
		return nil
	}
	raw, err := q.kv.Get(ctx, storage.DocSyncQueue)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "read sync queue", err)
	}
	var persisted []Item
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		q.logger.Warn("discarding corrupt sync queue document", zap.Error(err))
		return nil
	}

	q.mu.Lock()
	q.items = make(map[string]*Item, len(persisted))
	recovered := 0
	for i := range persisted {
		it := persisted[i]
		if it.ID == "" || !it.Status.valid() || it.Status == StatusCompleted || !it.ResourceType.Valid() {
			continue
		}
		if _, dup := q.items[it.ID]; dup {
			continue
		}
		if it.Status == StatusProcessing {
			it.Status = StatusPending
			recovered++
		}
		q.items[it.ID] = &it
		q.seq = max(q.seq, it.Seq)
		if it.Timestamp.After(q.last) {
			q.last = it.Timestamp
		}
	}
	q.persistedGen = q.gen
	if recovered > 0 {
		q.gen++
	}
	n := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth(n)
	if recovered > 0 {
		q.logger.Info("recovered interrupted queue items", zap.Int("count", recovered))
	}
	return nil
}

// Flush writes the sync_queue document if anything changed since the last
// successful write.
func (q *Queue) Flush(ctx context.Context) error {
	if q.kv == nil {
		return nil
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	gen := q.gen
	if gen == q.persistedGen {
		q.mu.Unlock()
		return nil
	}
	ordered := make([]*Item, 0, len(q.items))
	for _, it := range q.items {
		ordered = append(ordered, it)
	}
	slices.SortFunc(ordered, compareItems)
	raw, err := json.Marshal(ordered)
	q.mu.Unlock()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "encode sync queue", err)
	}

	if err := q.kv.Set(ctx, storage.DocSyncQueue, string(raw)); err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "write sync queue", err)
	}
	q.mu.Lock()
	q.persistedGen = gen
	q.mu.Unlock()
	return nil
}

// persist writes through after a change. A failed write leaves the change in
// memory; the next change or Flush retries it.
func (q *Queue) persist(ctx context.Context) {
	q.metrics.QueueDepth(q.Len())
	if err := q.Flush(ctx); err != nil {
		q.logger.Warn("persist sync queue", zap.Error(err))
	}
}
