package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tontine"

// Metrics holds the collectors of the payout core. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsReceived  *prometheus.CounterVec
	jobsProcessed   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	workersAlive    *prometheus.GaugeVec
	cycleChecks     *prometheus.CounterVec
	payoutOutcomes  *prometheus.CounterVec
	railCallSeconds *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_received_total",
			Help:      "Inbound payment events by verification result.",
		}, []string{"result"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_processed_total",
			Help:      "Queue jobs handled by outcome.",
		}, []string{"queue", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Queue jobs by status, refreshed on health checks.",
		}, []string{"queue", "status"}),
		workersAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_workers_alive",
			Help:      "Workers that reported a heartbeat recently.",
		}, []string{"queue"}),
		cycleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_completion_checks_total",
			Help:      "Cycle completion checks by outcome.",
		}, []string{"outcome"}),
		payoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_attempts_total",
			Help:      "Payout executions by outcome.",
		}, []string{"outcome"}),
		railCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_rail_call_seconds",
			Help:      "Latency of payment rail calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.eventsReceived,
			m.jobsProcessed,
			m.queueDepth,
			m.workersAlive,
			m.cycleChecks,
			m.payoutOutcomes,
			m.railCallSeconds,
		)
	}
	return m
}

func (m *Metrics) EventReceived(result string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(result).Inc()
}

func (m *Metrics) JobProcessed(queue, outcome string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, counts map[string]int64) {
	if m == nil {
		return
	}
	for status, count := range counts {
		m.queueDepth.WithLabelValues(queue, status).Set(float64(count))
	}
}

func (m *Metrics) SetWorkersAlive(queue string, alive int) {
	if m == nil {
		return
	}
	m.workersAlive.WithLabelValues(queue).Set(float64(alive))
}

func (m *Metrics) CycleCheck(outcome string) {
	if m == nil {
		return
	}
	m.cycleChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PayoutOutcome(outcome string) {
	if m == nil {
		return
	}
	m.payoutOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRailCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.railCallSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}
