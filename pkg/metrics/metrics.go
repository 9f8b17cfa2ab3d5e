package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Page cache metrics
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "absurdersql_cache_hits_total",
		Help: "Total number of page-cache reads satisfied without a Store load.",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "absurdersql_cache_misses_total",
		Help: "Total number of page-cache reads that required a Store load.",
	})

	CacheDirtyEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "absurdersql_cache_dirty_entries",
		Help: "Current number of dirty cache entries awaiting flush.",
	})

	CacheEmergencyFlush = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "absurdersql_cache_emergency_flush_total",
		Help: "Total number of hard-capacity emergency flush-alls triggered.",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "absurdersql_flush_duration_seconds",
		Help:    "Duration of Page Cache flush() calls.",
		Buckets: prometheus.DefBuckets,
	})

	// Leader election metrics
	LeaseAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "absurdersql_lease_acquisitions_total",
		Help: "Total number of lease acquisition attempts by outcome.",
	}, []string{"outcome"})

	LeaseHeartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "absurdersql_lease_heartbeats_total",
		Help: "Total number of lease heartbeat renewals by outcome.",
	}, []string{"outcome"})

	IsLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "absurdersql_is_leader",
		Help: "Whether this tab currently holds the writer lease (1) or not (0), by database.",
	}, []string{"database"})

	// Lock manager metrics
	LockOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "absurdersql_lock_outcomes_total",
		Help: "Lock acquisition attempts by requested state and outcome.",
	}, []string{"state", "outcome"})

	// Change bus metrics
	ChangeEventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "absurdersql_change_events_published_total",
		Help: "Total number of change-event deliveries to subscribers (one per receiving subscriber) after a successful sync or import.",
	})

	// Store metrics
	StorePutBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "absurdersql_store_put_batch_duration_seconds",
		Help:    "Duration of Store.PutBatch calls.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		CacheHits, CacheMisses, CacheDirtyEntries, CacheEmergencyFlush, FlushDuration,
		LeaseAcquisitions, LeaseHeartbeats, IsLeader,
		LockOutcomes,
		ChangeEventsPublished,
		StorePutBatchDuration,
	)
}

// Timer observes an elapsed duration into a histogram when stopped.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into hist.
func (t *Timer) ObserveDuration(hist prometheus.Histogram) {
	hist.Observe(time.Since(t.start).Seconds())
}
