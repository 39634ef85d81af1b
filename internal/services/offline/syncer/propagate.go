package syncer

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/resource"
)

// Propagate applies a confirmed mutation to the cache: keys the route marks
// as affected are invalidated and the resource's own entry, when it has one,
// is overwritten with the server result.
func Propagate(store *cache.Store, logger *zap.Logger, t resource.Type, action resource.Action, payload, result json.RawMessage) {
	if store == nil {
		return
	}
	effects := resource.Affected(t, action, payload, result)
	dropped := 0
	for _, pattern := range effects.Invalidate {
		dropped += store.Invalidate(pattern)
	}
	if effects.Entity != "" {
		if err := store.Write(effects.Entity, result, effects.Category); err != nil && logger != nil {
			logger.Warn("write through mutation result", zap.String("key", effects.Entity), zap.Error(err))
		}
	}
	if logger != nil && (dropped > 0 || effects.Entity != "") {
		logger.Debug("propagated mutation",
			zap.Stringer("resource_type", t),
			zap.Stringer("action", action),
			zap.Int("invalidated", dropped),
			zap.String("entity", effects.Entity))
	}
}
