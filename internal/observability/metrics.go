package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "sessions_started_total", Help: "Dispatch sessions created"})
	SessionsEnded   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "sessions_ended_total", Help: "Dispatch sessions reaching a terminal state"},
		[]string{"outcome"},
	)
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_total", Help: "Driver offers by final result"},
		[]string{"result"},
	)
	AssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "assign_latency_seconds",
		Help:      "Time from session creation to driver assignment",
		Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120},
	})
	GeoQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "geo_query_duration_seconds",
		Help:      "Nearby-driver query latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25},
	})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "dispatch", Name: "ws_connections", Help: "Live realtime connections"},
		[]string{"role"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
