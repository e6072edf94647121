package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit protocol metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgstore_commits_total",
			Help: "Total number of processed commits by outcome",
		},
		[]string{"outcome"}, // "committed", "rolled_back"
	)

	CommitConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgstore_commit_conflicts_total",
			Help: "Total number of commits rejected by classified error kind",
		},
		[]string{"kind"}, // e.g. "row_remove_clash", "duplicate_table", "primary_key_violation"
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgstore_commit_duration_seconds",
			Help:    "Time spent inside the commit lock processing a commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	OpenTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgstore_open_transactions",
			Help: "Number of transactions currently open against the conglomerate",
		},
	)

	CurrentCommitID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgstore_commit_id",
			Help: "Current monotonic commit id of the conglomerate",
		},
	)

	// Journal / GC metrics
	JournalMergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgstore_journal_merge_duration_seconds",
			Help:    "Time spent merging (discarding) journal history after a commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sector store metrics
	SectorsUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgstore_sectors_used",
			Help: "Number of USED sectors per store file",
		},
		[]string{"store"},
	)

	SectorCompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgstore_sector_compactions_total",
			Help: "Total number of clear_deleted_sectors compactions performed",
		},
	)

	// Constraint metrics
	ConstraintChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgstore_constraint_checks_total",
			Help: "Total number of constraint evaluations by kind and result",
		},
		[]string{"kind", "result"}, // kind: pk/uk/fk/check; result: pass/violation
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitConflictsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(OpenTransactions)
	prometheus.MustRegister(CurrentCommitID)
	prometheus.MustRegister(JournalMergeDuration)
	prometheus.MustRegister(SectorsUsed)
	prometheus.MustRegister(SectorCompactionsTotal)
	prometheus.MustRegister(ConstraintChecksTotal)
}

// Handler returns the Prometheus HTTP handler for the engine's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing commit-path operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
