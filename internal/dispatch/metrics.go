package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailcourier"

var (
	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Total task attempts by sender and result",
		},
		[]string{"sender", "result"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Number of tasks queued per sender",
		},
		[]string{"sender"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the transmission collaborator",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"sender"},
	)

	sendersBlocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "senders_blocked",
			Help:      "Senders currently in cooldown",
		},
	)

	tasksExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_expired_total",
			Help:      "Tasks dropped from queues by the expiry sweep",
		},
	)

	rebalanceMoves = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rebalance_moves_total",
			Help:      "Tasks moved between sender queues by rebalancing",
		},
	)
)

// recordTaskResult records one task attempt outcome for a sender.
func recordTaskResult(senderID, result string) {
	tasksProcessed.WithLabelValues(senderID, result).Inc()
}

// recordSendDuration records the transmission collaborator latency.
func recordSendDuration(senderID string, d time.Duration) {
	sendDuration.WithLabelValues(senderID).Observe(d.Seconds())
}

// recordQueueDepth updates the depth gauge for a sender queue.
func recordQueueDepth(senderID string, depth int) {
	queueDepth.WithLabelValues(senderID).Set(float64(depth))
}

// recordBlockedSenders updates the blocked-senders gauge.
func recordBlockedSenders(n int) {
	sendersBlocked.Set(float64(n))
}

// recordExpired counts tasks dropped by the expiry sweep.
func recordExpired(n int) {
	tasksExpired.Add(float64(n))
}

// recordRebalanced counts tasks moved by a rebalance cycle.
func recordRebalanced(n int) {
	rebalanceMoves.Add(float64(n))
}
