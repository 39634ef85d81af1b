package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/resource"
	"github.com/louisbranch/offsync/internal/services/offline/storage"
	"github.com/louisbranch/offsync/internal/services/offline/storage/memory"
)

func sequentialIDs() func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("item-%03d", n), nil
	}
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestQueue(opts ...Option) *Queue {
	base := []Option{WithIDGenerator(sequentialIDs()), WithClock(fixedClock())}
	return New(append(base, opts...)...)
}

func createPost(t *testing.T, q *Queue, text string) Item {
	t.Helper()
	it, err := q.Enqueue(context.Background(), resource.Post, resource.Create, json.RawMessage(`{"text":"`+text+`"}`))
	require.NoError(t, err)
	return it
}

func TestEnqueueCreatesPendingItem(t *testing.T) {
	q := newTestQueue()

	it := createPost(t, q, "gm")

	assert.Equal(t, "item-001", it.ID)
	assert.Equal(t, StatusPending, it.Status)
	assert.Equal(t, 0, it.RetryCount)
	assert.Equal(t, 1, q.Len())
	assert.Len(t, q.Pending(), 1)
}

func TestEnqueueRejectsUnsendableItems(t *testing.T) {
	q := newTestQueue()

	_, err := q.Enqueue(context.Background(), resource.Post, resource.Update, json.RawMessage(`{"text":"no id"}`))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidArgument))
	assert.Equal(t, 0, q.Len())
}

func TestPendingIsInsertionOrderWithEqualTimestamps(t *testing.T) {
	q := newTestQueue()
	for i := range 5 {
		createPost(t, q, fmt.Sprint(i))
	}

	var ids []string
	for _, it := range q.Pending() {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"item-001", "item-002", "item-003", "item-004", "item-005"}, ids)

	head, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "item-001", head.ID)
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	times := []time.Time{
		time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC),
		time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	i := 0
	q := New(WithIDGenerator(sequentialIDs()), WithClock(func() time.Time {
		t := times[min(i, len(times)-1)]
		i++
		return t
	}))
	first := createPost(t, q, "a")
	second := createPost(t, q, "b")

	assert.False(t, second.Timestamp.Before(first.Timestamp))
	head, _ := q.Next()
	assert.Equal(t, first.ID, head.ID)
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	it := createPost(t, q, "gm")

	_, err := q.Transition(ctx, it.ID, StatusCompleted, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition), "pending cannot complete directly")

	_, err = q.Transition(ctx, it.ID, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = q.Transition(ctx, it.ID, StatusPending, func(it *Item) { it.RetryCount++ })
	require.NoError(t, err)

	got, ok := q.Get(it.ID)
	require.True(t, ok)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, StatusPending, got.Status)

	_, err = q.Transition(ctx, it.ID, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = q.Transition(ctx, it.ID, StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len(), "completed items leave the queue")

	_, err = q.Transition(ctx, it.ID, StatusProcessing, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestTransitionUpdateCannotChangeIdentity(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	it := createPost(t, q, "gm")

	got, err := q.Transition(ctx, it.ID, StatusProcessing, func(it *Item) {
		it.ID = "other"
		it.Status = StatusCompleted
	})
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, StatusProcessing, got.Status)

	got, err = q.Update(ctx, it.ID, func(it *Item) {
		it.Status = StatusFailed
		it.LastError = "note"
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "note", got.LastError)
}

func failItem(t *testing.T, q *Queue, itemID string, code apperrors.Code, retries int) {
	t.Helper()
	ctx := context.Background()
	_, err := q.Transition(ctx, itemID, StatusProcessing, nil)
	require.NoError(t, err)
	_, err = q.Transition(ctx, itemID, StatusFailed, func(it *Item) {
		it.ErrorCode = code
		it.LastError = "boom"
		it.RetryCount = retries
	})
	require.NoError(t, err)
}

func TestRetryFailedItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(WithMaxRetries(3))
	it := createPost(t, q, "gm")
	failItem(t, q, it.ID, apperrors.CodeConflict, 0)
	assert.Len(t, q.Failed(), 1)

	got, err := q.Retry(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.LastError)
	assert.Empty(t, got.ErrorCode)

	_, err = q.Retry(ctx, it.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition), "only failed items can be retried")
}

func TestRetryRejectsExhaustedItem(t *testing.T) {
	q := newTestQueue(WithMaxRetries(3))
	it := createPost(t, q, "gm")
	failItem(t, q, it.ID, apperrors.CodeExhaustedRetries, 3)

	_, err := q.Retry(context.Background(), it.ID)
	require.True(t, apperrors.HasCode(err, apperrors.CodeExhaustedRetries))
	got, _ := q.Get(it.ID)
	assert.Equal(t, StatusFailed, got.Status, "exhausted items stay visible")
}

func TestRemoveOnlyBeforeProcessing(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	a := createPost(t, q, "a")
	b := createPost(t, q, "b")

	_, err := q.Transition(ctx, b.ID, StatusProcessing, nil)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, a.ID))
	err = q.Remove(ctx, b.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
	assert.True(t, apperrors.HasCode(q.Remove(ctx, "missing"), apperrors.CodeNotFound))
	assert.Equal(t, 1, q.Len())
}

func TestEveryChangeIsPersisted(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	q := newTestQueue(WithKV(kv))

	it := createPost(t, q, "gm")
	raw, err := kv.Get(ctx, storage.DocSyncQueue)
	require.NoError(t, err)
	assert.Contains(t, raw, it.ID)

	_, err = q.Transition(ctx, it.ID, StatusProcessing, nil)
	require.NoError(t, err)
	raw, err = kv.Get(ctx, storage.DocSyncQueue)
	require.NoError(t, err)
	assert.Contains(t, raw, `"status":"processing"`)
}

func TestRestoreResumesExactlyThePersistedItems(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	first := newTestQueue(WithKV(kv))
	var want []string
	for i := range 4 {
		want = append(want, createPost(t, first, fmt.Sprint(i)).ID)
	}
	// Simulate a crash while the head item was in flight.
	_, err := first.Transition(ctx, want[0], StatusProcessing, nil)
	require.NoError(t, err)

	after := newTestQueue(WithKV(kv), WithIDGenerator(func() (string, error) { return "late-1", nil }))
	require.NoError(t, after.Restore(ctx))

	var got []string
	for _, it := range after.Pending() {
		got = append(got, it.ID)
	}
	assert.Equal(t, want, got)

	// New items continue after the restored sequence.
	next := createPost(t, after, "late")
	pending := after.Pending()
	assert.Equal(t, next.ID, pending[len(pending)-1].ID)
}

func TestRestoreCorruptDocumentIsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	require.NoError(t, kv.Set(ctx, storage.DocSyncQueue, `[{"id":`))

	q := newTestQueue(WithKV(kv))
	require.NoError(t, q.Restore(ctx))
	assert.Equal(t, 0, q.Len())
}

func TestRestoreReadFailure(t *testing.T) {
	kv := memory.New()
	kv.FailGet = func(string) error { return errors.New("io") }

	q := newTestQueue(WithKV(kv))
	err := q.Restore(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeStorage))
}

func TestPersistFailureKeepsItemAndRetriesOnFlush(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	kv.FailSet = func(string) error { return errors.New("disk full") }
	q := newTestQueue(WithKV(kv))

	it := createPost(t, q, "gm")
	assert.Equal(t, 1, q.Len(), "the write is never dropped")
	_, err := kv.Get(ctx, storage.DocSyncQueue)
	require.ErrorIs(t, err, storage.ErrNotFound)

	kv.FailSet = nil
	require.NoError(t, q.Flush(ctx))
	raw, err := kv.Get(ctx, storage.DocSyncQueue)
	require.NoError(t, err)
	assert.Contains(t, raw, it.ID)
}

func TestHasPending(t *testing.T) {
	q := newTestQueue()
	assert.False(t, q.HasPending())
	it := createPost(t, q, "gm")
	assert.True(t, q.HasPending())
	failItem(t, q, it.ID, apperrors.CodeConflict, 0)
	assert.False(t, q.HasPending())
}

func TestEnqueueWithIDKeepsCallerKey(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	key, err := q.NewItemID()
	require.NoError(t, err)
	it, err := q.EnqueueWithID(ctx, key, resource.Tip, resource.Create, json.RawMessage(`{"post_id":"p1","amount":"5"}`))
	require.NoError(t, err)
	assert.Equal(t, key, it.ID)

	_, err = q.EnqueueWithID(ctx, key, resource.Tip, resource.Create, json.RawMessage(`{"post_id":"p1","amount":"5"}`))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidArgument), "duplicate id")

	_, err = q.EnqueueWithID(ctx, "", resource.Tip, resource.Create, json.RawMessage(`{}`))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidArgument))
	assert.Equal(t, 1, q.Len())
}
