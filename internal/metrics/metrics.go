// Package metrics defines the Prometheus metrics exported by the library
// attendance service. It is the single source of truth for metric names,
// labels, and help strings; all metrics register with the default registry.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "library"

// ── Connection manager ────────────────────────────────────────────────────────

// AcquireTotal counts connection acquisitions.
// Labels:
//   - kind: "pooled" or "dedicated"
//   - result: "ok", "exhausted", "draining", "reconnecting", "error"
var AcquireTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_acquire_total",
		Help:      "Total number of connection acquisitions by kind and result.",
	},
	[]string{"kind", "result"},
)

// AcquireDuration measures how long callers wait for a connection.
var AcquireDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_acquire_duration_seconds",
		Help:      "Time spent waiting for a database connection.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
	},
	[]string{"kind"},
)

// DedicatedReconnects counts replacements of the dedicated connection after a failed probe.
var DedicatedReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "db_dedicated_reconnects_total",
	Help:      "Total number of times the dedicated connection was replaced.",
})

// PingFailures counts failed liveness pings.
var PingFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "db_ping_failures_total",
	Help:      "Total number of failed database liveness pings.",
})

// Transactions counts finished transactions.
// Label:
//   - outcome: "commit" or "rollback"
var Transactions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_transactions_total",
		Help:      "Total number of transactions by outcome.",
	},
	[]string{"outcome"},
)

// SlowQueries counts statements slower than the slow-query threshold.
var SlowQueries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "db_slow_queries_total",
	Help:      "Total number of statements exceeding the slow-query threshold.",
})

// ── Bounded reads & cache ─────────────────────────────────────────────────────

// BoundedFallbacks counts bounded reads that degraded to their fallback.
// Label:
//   - reason: "timeout" or "error"
var BoundedFallbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bounded_read_fallbacks_total",
		Help:      "Total number of bounded reads that returned their fallback result.",
	},
	[]string{"reason"},
)

// SearchCache counts search cache lookups.
// Label:
//   - result: "hit" or "miss"
var SearchCache = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_cache_total",
		Help:      "Total number of member search cache lookups by result.",
	},
	[]string{"result"},
)

// ── Ledger & import ───────────────────────────────────────────────────────────

// CheckIns counts check-in attempts.
// Label:
//   - result: "ok", "already_checked_in", "member_not_found", "registered", "error"
var CheckIns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkins_total",
		Help:      "Total number of check-in attempts by result.",
	},
	[]string{"result"},
)

// CheckOuts counts check-out attempts.
// Label:
//   - result: "ok", "no_active_visit", "error"
var CheckOuts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkouts_total",
		Help:      "Total number of check-out attempts by result.",
	},
	[]string{"result"},
)

// VisitDuration observes closed visit durations in minutes.
var VisitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "visit_duration_minutes",
	Help:      "Duration of closed visits in whole minutes.",
	Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 240, 480},
})

// ImportedRecords counts bulk import records by outcome.
// Label:
//   - outcome: "inserted", "updated", "failed"
var ImportedRecords = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "import_records_total",
		Help:      "Total number of bulk-imported member records by outcome.",
	},
	[]string{"outcome"},
)

// RegisterDBStats exports database/sql pool statistics for db under the given pool name.
func RegisterDBStats(db *sql.DB, pool string) error {
	return prometheus.Register(collectors.NewDBStatsCollector(db, pool))
}
