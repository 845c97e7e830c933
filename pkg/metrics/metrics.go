package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerPosts counts ledger posts by kind and outcome
// (ok, insufficient_funds, validation, conflict, storage)
var LedgerPosts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bitvex_ledger_posts_total",
		Help: "Total number of ledger post attempts by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// LedgerPostLatency records latency distribution for ledger posts
var LedgerPostLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "bitvex_ledger_post_latency_seconds",
		Help:    "Latency in seconds of a single ledger post",
		Buckets: prometheus.DefBuckets,
	},
)

// LedgerConflictRetries counts append retries caused by ordinal collisions
var LedgerConflictRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "bitvex_ledger_conflict_retries_total",
		Help: "Total number of ledger append retries after a write conflict",
	},
)

// WorkflowReviews counts request reviews by workflow, action and outcome
var WorkflowReviews = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bitvex_workflow_reviews_total",
		Help: "Total number of deposit/withdraw request reviews",
	},
	[]string{"workflow", "action", "outcome"},
)

// AuditDropped counts audit records dropped because the sink was saturated
var AuditDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "bitvex_audit_dropped_total",
		Help: "Total number of audit records dropped by the async sink",
	},
)

func init() {
	prometheus.MustRegister(LedgerPosts, LedgerPostLatency, LedgerConflictRetries)
	prometheus.MustRegister(WorkflowReviews, AuditDropped)
}
