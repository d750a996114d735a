package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus instruments for both processes.
// Pass a dedicated registry so tests stay isolated from the global one.
type Metrics struct {
	DispatchAttempts *prometheus.CounterVec
	ReplyLatency     *prometheus.HistogramVec
	RepliesDropped   *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Dispatch attempts by destination queue and outcome (delivered, timeout, error).",
		}, []string{"queue", "outcome"}),

		ReplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_reply_seconds",
			Help:    "Time from publish to matched worker response.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"queue"}),

		RepliesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_replies_dropped_total",
			Help: "Responses that resolved no waiter, by reason (unmatched, malformed).",
		}, []string{"reason"}),

		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_deliveries_total",
			Help: "Worker delivery decisions by channel and status.",
		}, []string{"channel", "status"}),
	}

	reg.MustRegister(
		m.DispatchAttempts,
		m.ReplyLatency,
		m.RepliesDropped,
		m.Deliveries,
	)

	return m
}

// DispatchHooks returns the callbacks expected by dispatch.Hooks.
func (m *Metrics) DispatchHooks() (
	onAttempt func(queue, outcome string),
	onReply func(queue string, latency time.Duration),
	onDropped func(reason string),
) {
	onAttempt = func(queue, outcome string) {
		m.DispatchAttempts.WithLabelValues(queue, outcome).Inc()
	}
	onReply = func(queue string, latency time.Duration) {
		m.ReplyLatency.WithLabelValues(queue).Observe(latency.Seconds())
	}
	onDropped = func(reason string) {
		m.RepliesDropped.WithLabelValues(reason).Inc()
	}
	return
}

// WorkerHook returns the callback expected by worker.Worker.
func (m *Metrics) WorkerHook() func(channel, status string) {
	return func(channel, status string) {
		m.Deliveries.WithLabelValues(channel, status).Inc()
	}
}
