package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "assist_dispatch", Name: "offers_total", Help: "Job offers created, by outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "assist_dispatch", Name: "dispatch_latency_seconds",
		Help:    "Time from request creation to assignment or exhaustion",
		Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 120, 300},
	})
	WorkersOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "assist_dispatch", Name: "workers_online", Help: "Workers currently online"})
	ReportsIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "assist_dispatch", Name: "location_reports_total", Help: "Location reports ingested"})
	BroadcastDrops  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "assist_dispatch", Name: "broadcast_dropped_events_total", Help: "Events evicted from slow subscriber queues"})
	ETAFallbacks    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "assist_dispatch", Name: "eta_fallbacks_total", Help: "ETA computations served by the geometric fallback"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "assist_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "assist_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
