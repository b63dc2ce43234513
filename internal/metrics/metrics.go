// Package metrics exposes the engine's aggregate outcome counters
// (total = ok + dscp_error + ts_error + timeout + pong_loss) as
// Prometheus collectors, registered against the default registry so
// internal/web can mount promhttp.Handler alongside the status page.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"probed/internal/probe"
)

var (
	// ProbesSent counts every PING transmitted, regardless of outcome.
	ProbesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "probed",
		Name:      "probes_sent_total",
		Help:      "Total number of PING probes transmitted.",
	})

	// SendErrors counts PINGs that could not be sent (no T1 obtained).
	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "probed",
		Name:      "send_errors_total",
		Help:      "Total number of PING transmissions that failed before a T1 timestamp was obtained.",
	})

	outcomesByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "probed",
		Name:      "probe_outcomes_total",
		Help:      "Total number of terminal probe outcomes, labeled by final_state.",
	}, []string{"final_state"})

	// RTT observes the round-trip time, in seconds, of every Ok outcome.
	RTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "probed",
		Name:      "rtt_seconds",
		Help:      "Round-trip time of successfully completed probes.",
		Buckets:   prometheus.ExponentialBuckets(50e-6, 2, 16),
	})
)

// Observe records one terminal ProbeResult classification.
func Observe(state probe.FinalState) {
	outcomesByState.WithLabelValues(state.String()).Inc()
}

// ObserveRTT records a successful probe's measured RTT in nanoseconds.
func ObserveRTT(rttNanos int64) {
	RTT.Observe(float64(rttNanos) / 1e9)
}
