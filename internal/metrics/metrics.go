// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowd"

var (
	// HTTP surface.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status class.",
		},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Escrow lifecycle.
	EscrowsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrows_created_total",
		Help:      "Escrow contracts created.",
	})
	EscrowsReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrows_released_total",
			Help:      "Escrow releases by trigger (buyer or expiry).",
		},
		[]string{"trigger"},
	)
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of expired-escrow sweeps.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	})
	SweepProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_processed_total",
		Help:      "Escrows auto-released by the expiration sweeper.",
	})

	// Disputes and voting.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disputes_opened_total",
		Help:      "Disputes opened.",
	})
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_resolved_total",
			Help:      "Disputes resolved by winning side.",
		},
		[]string{"winner"},
	)
	VotesCastTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_cast_total",
		Help:      "Accepted dispute votes.",
	})
	VoteRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_rejections_total",
			Help:      "Rejected votes by reason.",
		},
		[]string{"reason"},
	)

	// Settlement collaborator.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement calls by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	// Version conflicts surfaced to callers.
	VersionConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_conflicts_total",
		Help:      "Optimistic concurrency conflicts returned to callers.",
	})

	// Realtime hub.
	WebsocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected websocket clients.",
	})

	// DB pool.
	DBConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Open database connections.",
	})
	DBConnectionsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_in_use",
		Help:      "Database connections currently in use.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowsCreatedTotal,
		EscrowsReleasedTotal,
		SweepDuration,
		SweepProcessedTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		VotesCastTotal,
		VoteRejectionsTotal,
		SettlementsTotal,
		VersionConflictsTotal,
		WebsocketClients,
		DBConnectionsOpen,
		DBConnectionsInUse,
	)
}

// StartDBStatsCollector samples sql.DB pool stats until stop is closed.
func StartDBStatsCollector(db *sql.DB, interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				DBConnectionsOpen.Set(float64(stats.OpenConnections))
				DBConnectionsInUse.Set(float64(stats.InUse))
			case <-stop:
				return
			}
		}
	}()
}

// Middleware records request counts and latency. Uses the route template
// (c.FullPath) so per-id paths don't explode cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
