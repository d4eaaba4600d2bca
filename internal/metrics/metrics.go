// Package metrics exposes Prometheus counters for the verification pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verdicts counts verification outcomes by status and reason.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_verdicts_total",
		Help: "Verification verdicts by status and reason.",
	}, []string{"status", "reason"})

	// TokensIssued counts attendance tokens minted for presenter displays.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_tokens_issued_total",
		Help: "Attendance tokens issued.",
	})

	// QueuePublishFailures counts integrity events that could not be queued.
	QueuePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_queue_publish_failures_total",
		Help: "Integrity events dropped because the queue publish failed.",
	})

	// SessionsSwept counts sessions closed by the staleness sweep.
	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_swept_total",
		Help: "Sessions auto-ended by the staleness sweep.",
	})
)

// ObserveVerdict records one verdict.
func ObserveVerdict(status, reason string) {
	if reason == "" {
		reason = "none"
	}
	Verdicts.WithLabelValues(status, reason).Inc()
}
