package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	actionLabel  = "action"
	outcomeLabel = "outcome"
	kindLabel    = "kind"
	resultLabel  = "result"
)

var (
	// ActionsProcessed counts approval actions by action and outcome code
	ActionsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_actions_processed_total",
		Help: "Number of approval actions processed, labelled by action and outcome",
	}, []string{actionLabel, outcomeLabel})

	// InboxBuildLatency is how long an inbox reconstruction takes
	InboxBuildLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "approvals_inbox_build_seconds",
		Help:    "Inbox reconstruction latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// InboxSize is the number of items returned per inbox request
	InboxSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "approvals_inbox_items",
		Help:    "Number of items returned by an inbox request",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	// OutboxDispatch counts post-commit job executions by kind and result
	OutboxDispatch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_outbox_dispatch_total",
		Help: "Number of post-commit jobs executed, labelled by kind and result",
	}, []string{kindLabel, resultLabel})
)

func init() {
	prometheus.MustRegister(
		ActionsProcessed,
		InboxBuildLatency,
		InboxSize,
		OutboxDispatch,
	)
}

// Reset clears every labelled series so tests start from zero.
func Reset() {
	ActionsProcessed.Reset()
	OutboxDispatch.Reset()
}
