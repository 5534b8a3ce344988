package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "sessions_connected", Help: "Number of bound driver sessions"})
	SessionsEvicted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sessions_evicted_total", Help: "Sessions evicted by the liveness sweep"})
	SessionsDisplaced = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sessions_displaced_total", Help: "Sessions displaced by a newer connection for the same driver"})

	BroadcastsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "broadcasts_total", Help: "Order broadcasts fanned out"})
	BroadcastRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "broadcast_recipients",
		Help:      "Recipient count per order broadcast",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	AcceptsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Winning order acceptances"})
	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Acceptance attempts that lost to an earlier resolution"})
	CancelsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cancels_total", Help: "Orders cancelled before acceptance"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
