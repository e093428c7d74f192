package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by callers and RegisterMetrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	MethodHotReload = "hot_reload"
	MethodRestart   = "restart"

	TriggerInitial     = "initial"
	TriggerEvent       = "event"
	TriggerResubscribe = "resubscribe"
	TriggerRetry       = "retry"
	TriggerManual      = "manual"
)

// Metrics for tracking agent reconciliation and its external dependencies
var (
	// Reconciliation metrics
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_agent_reconciliations_total",
		Help: "Total number of reconciliation passes by trigger and result",
	}, []string{"trigger", "result"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_agent_reconcile_duration_seconds",
		Help:    "Duration of a full fetch, render and apply pass",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 7), // 10ms .. ~40s
	})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_agent_active_peers",
		Help: "Number of peers in the last applied configuration",
	})

	SkippedPeers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_agent_skipped_peers_total",
		Help: "Total number of peer records skipped as malformed or duplicate",
	})

	// Interface metrics
	Applies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_agent_apply_total",
		Help: "Total number of interface applies by method and result",
	}, []string{"method", "result"}) // "hot_reload", "restart"

	// Change feed metrics
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_agent_feed_events_total",
		Help: "Total number of change feed events received by kind",
	}, []string{"kind"})

	SubscriptionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_agent_subscription_state",
		Help: "Change feed state: 0 disconnected, 1 subscribing, 2 subscribed",
	})

	// Database metrics
	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_agent_db_operations_total",
		Help: "Total number of database operations by type and result",
	}, []string{"operation", "result"})

	// External tool metrics
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_agent_tool_invocations_total",
		Help: "Total number of wg and wg-quick invocations by tool and result",
	}, []string{"tool", "result"})
)

// Plain counters for the health endpoint (prometheus values can't be read back directly)
var (
	passCount    int64
	failureCount int64
)

// ObserveReconcile records one reconciliation pass.
func ObserveReconcile(trigger string, ok bool, seconds float64) {
	result := ResultSuccess
	if !ok {
		result = ResultFailure
		atomic.AddInt64(&failureCount, 1)
	}
	atomic.AddInt64(&passCount, 1)
	Reconciliations.WithLabelValues(trigger, result).Inc()
	ReconcileDuration.Observe(seconds)
}

// GetPassCount returns the total number of reconciliation passes since start
func GetPassCount() int64 {
	return atomic.LoadInt64(&passCount)
}

// GetFailureCount returns the number of failed reconciliation passes since start
func GetFailureCount() int64 {
	return atomic.LoadInt64(&failureCount)
}

// Outcome maps an error to a result label.
func Outcome(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// RegisterMetrics ensures all label combinations are exported from the first scrape
func RegisterMetrics() {
	results := []string{ResultSuccess, ResultFailure}

	triggers := []string{TriggerInitial, TriggerEvent, TriggerResubscribe, TriggerRetry, TriggerManual}
	for _, trigger := range triggers {
		for _, result := range results {
			Reconciliations.WithLabelValues(trigger, result)
		}
	}

	for _, method := range []string{MethodHotReload, MethodRestart} {
		for _, result := range results {
			Applies.WithLabelValues(method, result)
		}
	}

	for _, kind := range []string{"insert", "update", "delete", "resubscribed", "unknown"} {
		FeedEvents.WithLabelValues(kind)
	}

	dbOps := []string{"connect", "find_relay", "insert_relay", "active_peers", "ensure_trigger", "listen"}
	for _, op := range dbOps {
		for _, result := range results {
			DBOperations.WithLabelValues(op, result)
		}
	}

	for _, tool := range []string{"wg", "wg-quick"} {
		for _, result := range results {
			ToolInvocations.WithLabelValues(tool, result)
		}
	}
}
