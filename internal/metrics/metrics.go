// Package metrics exposes Prometheus instrumentation for the orchestration
// services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the services report to.
type Metrics struct {
	AvailabilityRequests *prometheus.CounterVec
	AvailabilityResults  *prometheus.CounterVec
	Downloads            *prometheus.CounterVec
	DispatchedRequests   *prometheus.CounterVec
	RequestOutcomes      *prometheus.CounterVec
	CacheSizeBytes       prometheus.Gauge
	CacheFiles           prometheus.Gauge
	CachePurgedFiles     prometheus.Counter
	PendingActions       *prometheus.GaugeVec
}

// New registers all collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AvailabilityRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierkeeper",
			Name:      "availability_requests_total",
			Help:      "Availability checks received, by storage type of the best location.",
		}, []string{"storage_type"}),
		AvailabilityResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierkeeper",
			Name:      "availability_results_total",
			Help:      "Availability check outcomes.",
		}, []string{"result"}),
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierkeeper",
			Name:      "downloads_total",
			Help:      "Download attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		DispatchedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierkeeper",
			Name:      "dispatched_requests_total",
			Help:      "File requests handed to backends, by request kind.",
		}, []string{"kind"}),
		RequestOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierkeeper",
			Name:      "request_outcomes_total",
			Help:      "Terminal request outcomes reported by backends.",
		}, []string{"kind", "outcome"}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tierkeeper",
			Name:      "cache_size_bytes",
			Help:      "Total size of files currently held in the internal cache.",
		}),
		CacheFiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tierkeeper",
			Name:      "cache_files",
			Help:      "Number of files currently referenced by the cache ledger.",
		}),
		CachePurgedFiles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tierkeeper",
			Name:      "cache_purged_files_total",
			Help:      "Cache entries removed by the purge loop.",
		}),
		PendingActions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tierkeeper",
			Name:      "pending_actions",
			Help:      "Stored files still awaiting a backend pending action, by storage.",
		}, []string{"storage"}),
	}
}

// NewUnregistered creates a Metrics backed by a throwaway registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
