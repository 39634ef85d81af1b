package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/network"
	"github.com/louisbranch/offsync/internal/services/offline/queue"
)

type queueView struct {
	Running    bool         `json:"running"`
	MaxRetries int          `json:"max_retries"`
	Items      []queue.Item `json:"items"`
}

type statusView struct {
	Status  string        `json:"status"`
	Network network.State `json:"network"`
	Cache   cache.Stats   `json:"cache"`
	Queued  int           `json:"queued"`
}

// Handler serves the runtime's status and maintenance endpoints.
func (rt *Runtime) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rt.handleHealth)
	r.Get("/network", rt.handleNetwork)
	r.Get("/cache", rt.handleCache)
	r.Post("/cache/prune", rt.handlePrune)
	r.Get("/queue", rt.handleQueue)
	r.Post("/queue/{id}/retry", rt.handleRetry)
	r.Delete("/queue/{id}", rt.handleRemove)
	r.Post("/sync", rt.handleSync)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}
	return r
}

func (rt *Runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, statusView{
		Status:  "ok",
		Network: rt.monitor.Current(),
		Cache:   rt.cache.Stats(),
		Queued:  rt.queue.Len(),
	})
}

func (rt *Runtime) handleNetwork(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.monitor.Current())
}

func (rt *Runtime) handleCache(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.cache.Stats())
}

func (rt *Runtime) handlePrune(w http.ResponseWriter, r *http.Request) {
	removed := rt.prune(r.Context())
	rt.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (rt *Runtime) handleQueue(w http.ResponseWriter, r *http.Request) {
	items := rt.queue.List()
	if items == nil {
		items = []queue.Item{}
	}
	rt.writeJSON(w, http.StatusOK, queueView{
		Running:    rt.syncer.Running(),
		MaxRetries: rt.queue.MaxRetries(),
		Items:      items,
	})
}

func (rt *Runtime) handleRetry(w http.ResponseWriter, r *http.Request) {
	it, err := rt.queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	rt.kick()
	rt.writeJSON(w, http.StatusOK, it)
}

func (rt *Runtime) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := rt.queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		rt.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Runtime) handleSync(w http.ResponseWriter, r *http.Request) {
	if !rt.monitor.IsOnline() {
		rt.writeError(w, apperrors.New(apperrors.CodeUnavailable, "offline"))
		return
	}
	report, err := rt.syncer.Run(r.Context())
	if err != nil {
		rt.writeError(w, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, report)
}

func (rt *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.logger.Debug("write status response", zap.Error(err))
	}
}

func (rt *Runtime) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	rt.writeJSON(w, statusFor(code), map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidTransition, apperrors.CodeExhaustedRetries, apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodeUnavailable, apperrors.CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
