package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	LifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_lifecycle_total", Help: "Control-plane lifecycle calls."},
		[]string{"op", "result"}, // op: start|pause|resume|cancel, result: ok|rejected|error
	)

	// Dispatch
	ActiveCoordinators = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_active_coordinators", Help: "Campaign coordinators running in this process."},
	)
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_claim_total", Help: "Job claim attempts."},
		[]string{"result"}, // ok | lost | error
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_send_total", Help: "Transport send outcomes."},
		[]string{"outcome"}, // sent | temp_fail | perm_fail | bounced
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	RetryTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_retry_total", Help: "Retries scheduled."})
	DeferredTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_deferred_total", Help: "Jobs deferred by bot quota."})

	// Quota
	QuotaReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quota_reservations_total", Help: "Bot quota reservation results."},
		[]string{"result"}, // granted | quota_exceeded | bot_inactive
	)

	// Tracking
	TrackingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_events_total", Help: "Inbound tracking events."},
		[]string{"event", "result"}, // event: open|delivered|reply|bounce, result: first|repeat|ignored|error
	)
)

var registerOnce sync.Once

// Register default + our collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, LifecycleTotal,
			ActiveCoordinators, ClaimTotal, SendTotal, SendDuration, RetryTotal, DeferredTotal,
			QuotaReservations, TrackingEvents,
		)
	})
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			// pgxpool reports running totals, so these are gauges rather than counters.
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireLatency.Set(s.AcquireDuration().Seconds())
		}
	}
}
