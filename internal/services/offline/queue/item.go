// Package queue holds mutations waiting to be replayed against the server, in
// enqueue order, persisted as the sync_queue document.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/resource"
)

// Status is an item's position in the replay state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists the legal moves out of each status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusPending, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Item is one queued mutation. ID doubles as the idempotency key sent with
// every attempt.
type Item struct {
	ID           string          `json:"id"`
	ResourceType resource.Type   `json:"resource_type"`
	Action       resource.Action `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Seq          uint64          `json:"seq"`
	RetryCount   int             `json:"retry_count"`
	Status       Status          `json:"status"`

	LastError     string         `json:"last_error,omitempty"`
	ErrorCode     apperrors.Code `json:"error_code,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at,omitzero"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (it *Item) clone() Item {
	out := *it
	out.Payload = append(json.RawMessage(nil), it.Payload...)
	return out
}

// Exhausted reports whether the item failed by running out of retries.
func (it Item) Exhausted() bool {
	return it.Status == StatusFailed && it.ErrorCode == apperrors.CodeExhaustedRetries
}

// before orders items by enqueue time, then by sequence.
func before(a, b *Item) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

func compareItems(a, b *Item) int {
	switch {
	case before(a, b):
		return -1
	case before(b, a):
		return 1
	}
	return 0
}

func invalidTransition(id string, from, to Status) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidTransition,
		fmt.Sprintf("cannot move item from %s to %s", from, to),
		map[string]string{"item_id": id})
}
