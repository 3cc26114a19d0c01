package pgcache

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcache_hits_total",
			Help: "Total number of local-cache hits.",
		},
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcache_misses_total",
			Help: "Total number of local-cache misses that fell through to the authoritative store.",
		},
	)

	loaderInvocations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcache_loader_invocations_total",
			Help: "Total number of caller-supplied loader invocations from GetOrSet.",
		},
	)

	loaderCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcache_loader_coalesced_total",
			Help: "Total number of GetOrSet calls that joined an in-flight loader instead of starting one.",
		},
	)

	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgcache_store_operation_duration_seconds",
			Help:    "Duration of authoritative-store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"operation"},
	)

	storeOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcache_store_operation_errors_total",
			Help: "Total number of authoritative-store operation failures.",
		},
		[]string{"operation"},
	)

	listenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcache_listener_reconnects_total",
			Help: "Total number of times the notification listener established its connection, counting the initial connect and every reconnect.",
		},
	)

	listenerDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcache_listener_decode_errors_total",
			Help: "Total number of notification payloads that failed to decode.",
		},
	)
)

// MetricsServer exposes the package's Prometheus counters over HTTP. It is
// optional: nothing in Cache starts one automatically, mirroring the
// teacher's standalone metrics.Server.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer builds a metrics server listening on addr, serving
// /metrics (Prometheus exposition) and /health.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving in the background. It never blocks.
func (s *MetricsServer) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the metrics server down.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
