package gateway

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/queue"
	"github.com/louisbranch/offsync/internal/services/offline/resource"
	"github.com/louisbranch/offsync/internal/services/offline/syncer"
	"github.com/louisbranch/offsync/internal/services/offline/transport"
)

// MutationStatus says whether a mutation reached the server.
type MutationStatus string

const (
	Applied MutationStatus = "applied"
	Queued  MutationStatus = "queued"
)

// MutationResult is what a mutation returns. For Applied, Data is the server
// result; for Queued, Data echoes the payload for optimistic display and
// ItemID names the queued item.
type MutationResult struct {
	Status MutationStatus  `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	ItemID string          `json:"item_id,omitempty"`
}

// Mutate applies action to a resource. Offline, or while earlier mutations
// are still queued, the mutation is queued. An online attempt that fails
// transiently is queued under the key it was sent with; validation and
// conflict errors are returned.
func (g *Gateway) Mutate(ctx context.Context, t resource.Type, action resource.Action, payload json.RawMessage) (MutationResult, error) {
	req, err := resource.Build(t, action, payload)
	if err != nil {
		return MutationResult{}, err
	}

	ctx, span := g.tracer.Start(ctx, "gateway.mutate", trace.WithAttributes(
		attribute.String("offsync.resource_type", t.String()),
		attribute.String("offsync.action", action.String()),
	))
	defer span.End()

	res, err := g.mutate(ctx, t, action, payload, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.GetCode(err)))
		return MutationResult{}, err
	}
	span.SetAttributes(attribute.String("offsync.mutation_status", string(res.Status)))
	if res.ItemID != "" {
		span.SetAttributes(attribute.String("offsync.item_id", res.ItemID))
	}
	return res, nil
}

func (g *Gateway) mutate(ctx context.Context, t resource.Type, action resource.Action, payload json.RawMessage, req resource.Request) (MutationResult, error) {
	if !g.network.IsOnline() {
		return g.enqueue(ctx, "", t, action, payload, false)
	}
	if g.queue.HasPending() {
		return g.enqueue(ctx, "", t, action, payload, true)
	}

	key, err := g.queue.NewItemID()
	if err != nil {
		return MutationResult{}, err
	}
	resp, err := g.transport.Do(ctx, transport.Request{
		Method:         req.Method,
		URL:            req.Path,
		Body:           req.Body,
		IdempotencyKey: key,
	})
	if err == nil {
		err = transport.Check(resp)
	}
	if err == nil {
		syncer.Propagate(g.cache, g.logger, t, action, payload, resp.Data)
		return MutationResult{Status: Applied, Data: resp.Data}, nil
	}
	if !apperrors.Classify(err).Retryable() {
		return MutationResult{}, err
	}
	g.logger.Info("mutation deferred after transient failure",
		zap.Stringer("resource_type", t),
		zap.Stringer("action", action),
		zap.String("item_id", key),
		zap.Error(err))
	return g.enqueue(ctx, key, t, action, payload, true)
}

func (g *Gateway) enqueue(ctx context.Context, itemID string, t resource.Type, action resource.Action, payload json.RawMessage, kick bool) (MutationResult, error) {
	var (
		it  queue.Item
		err error
	)
	if itemID == "" {
		it, err = g.queue.Enqueue(ctx, t, action, payload)
	} else {
		it, err = g.queue.EnqueueWithID(ctx, itemID, t, action, payload)
	}
	if err != nil {
		return MutationResult{}, err
	}
	if kick {
		g.drain()
	}
	return MutationResult{Status: Queued, Data: it.Payload, ItemID: it.ID}, nil
}
