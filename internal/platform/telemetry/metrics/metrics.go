package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offsync"

// Eviction reasons.
const (
	ReasonCapacity = "capacity"
	ReasonSize     = "size"
	ReasonExpired  = "expired"
	ReasonMaxAge   = "max_age"
)

// Recorder owns the engine's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	cacheBytes    prometheus.Gauge
	syncItems     *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	transitions   *prometheus.CounterVec
	mediaBytes    prometheus.Counter
	revalidations *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache reads served from a usable entry.",
		}, []string{"category", "freshness"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache reads with no usable entry.",
		}, []string{"category"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries removed by eviction or pruning.",
		}, []string{"category", "reason"}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "size_bytes",
			Help: "Accounted size of all cache entries.",
		}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "items_total",
			Help: "Queued mutations processed by outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "queue_depth",
			Help: "Items currently held in the sync queue.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "transitions_total",
			Help: "Committed connectivity transitions.",
		}, []string{"to"}),
		mediaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "downloaded_bytes_total",
			Help: "Bytes written by media downloads.",
		}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "revalidations_total",
			Help: "Background stale-while-revalidate refreshes by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		r.cacheHits, r.cacheMisses, r.evictions, r.cacheBytes,
		r.syncItems, r.queueDepth, r.transitions, r.mediaBytes, r.revalidations,
	)
	return r
}

// Registry exposes the underlying registry for gathering in tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) CacheHit(category string, stale bool) {
	if r == nil {
		return
	}
	freshness := "fresh"
	if stale {
		freshness = "stale"
	}
	r.cacheHits.WithLabelValues(category, freshness).Inc()
}

func (r *Recorder) CacheMiss(category string) {
	if r == nil {
		return
	}
	r.cacheMisses.WithLabelValues(category).Inc()
}

func (r *Recorder) Evicted(category, reason string) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(category, reason).Inc()
}

func (r *Recorder) CacheSize(bytes int64) {
	if r == nil {
		return
	}
	r.cacheBytes.Set(float64(bytes))
}

// SyncOutcome counts one processed queue item; outcome is one of
// completed, retry, failed, exhausted.
func (r *Recorder) SyncOutcome(outcome string) {
	if r == nil {
		return
	}
	r.syncItems.WithLabelValues(outcome).Inc()
}

func (r *Recorder) QueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

func (r *Recorder) Transition(online bool) {
	if r == nil {
		return
	}
	to := "offline"
	if online {
		to = "online"
	}
	r.transitions.WithLabelValues(to).Inc()
}

func (r *Recorder) MediaDownloaded(bytes int64) {
	if r == nil {
		return
	}
	r.mediaBytes.Add(float64(bytes))
}

func (r *Recorder) Revalidated(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.revalidations.WithLabelValues(result).Inc()
}
