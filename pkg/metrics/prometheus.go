package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "muster"

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	enqueuedTotal     *prometheus.CounterVec
	assignedTotal     *prometheus.CounterVec
	revertedTotal     *prometheus.CounterVec
	conflictsTotal    prometheus.Counter
	verifyDuration    *prometheus.HistogramVec
	finishedTotal     *prometheus.CounterVec
	requeuedTotal     *prometheus.CounterVec
	escalationsTotal  *prometheus.CounterVec
	agentOfflineTotal *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	queueDepth        *prometheus.GaugeVec
	agents            *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the coordination metrics with reg. A
// nil reg means the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusRecorder{
		enqueuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_enqueued_total",
				Help:      "Total number of tasks enqueued by task type",
			},
			[]string{"task_type"},
		),
		assignedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_assigned_total",
				Help:      "Total number of assignments delivered to agents",
			},
			[]string{"task_type"},
		),
		revertedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignments_reverted_total",
				Help:      "Total number of claims reverted to queued by a compensating release",
			},
			[]string{"task_type", "reason"},
		),
		conflictsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_conflicts_total",
				Help:      "Total number of claims that lost a race to a concurrent claimer",
			},
		),
		verifyDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verification_duration_seconds",
				Help:      "Duration of completion-claim verification by outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task_type", "outcome"},
		),
		finishedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of tasks reaching a terminal status",
			},
			[]string{"task_type", "status"},
		),
		requeuedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_requeued_total",
				Help:      "Total number of failed attempts returned to the queue",
			},
			[]string{"task_type", "kind"},
		),
		escalationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of escalation deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),
		agentOfflineTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agents_offline_total",
				Help:      "Total number of agents marked offline",
			},
			[]string{"reason"},
		),
		cycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_cycle_duration_seconds",
				Help:      "Duration of dispatcher coordination cycles",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		queueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of queued tasks by task type",
			},
			[]string{"task_type"},
		),
		agents: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents",
				Help:      "Number of agents by status",
			},
			[]string{"status"},
		),
	}
}

func (p *PrometheusRecorder) TaskEnqueued(taskType string) {
	p.enqueuedTotal.WithLabelValues(taskType).Inc()
}

func (p *PrometheusRecorder) TaskAssigned(taskType string) {
	p.assignedTotal.WithLabelValues(taskType).Inc()
}

func (p *PrometheusRecorder) AssignReverted(taskType, reason string) {
	p.revertedTotal.WithLabelValues(taskType, reason).Inc()
}

func (p *PrometheusRecorder) ClaimConflict() {
	p.conflictsTotal.Inc()
}

func (p *PrometheusRecorder) ObserveVerification(taskType, outcome string, duration time.Duration) {
	p.verifyDuration.WithLabelValues(taskType, outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) TaskFinished(taskType, status string) {
	p.finishedTotal.WithLabelValues(taskType, status).Inc()
}

func (p *PrometheusRecorder) TaskRequeued(taskType, kind string) {
	p.requeuedTotal.WithLabelValues(taskType, kind).Inc()
}

// EscalationDelivered records result="ok" or result="error" for sink.
func (p *PrometheusRecorder) EscalationDelivered(sink string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.escalationsTotal.WithLabelValues(sink, result).Inc()
}

func (p *PrometheusRecorder) AgentOffline(reason string) {
	p.agentOfflineTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) ObserveCycle(duration time.Duration) {
	p.cycleDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) SetQueueDepth(taskType string, n int) {
	p.queueDepth.WithLabelValues(taskType).Set(float64(n))
}

func (p *PrometheusRecorder) SetAgents(status string, n int) {
	p.agents.WithLabelValues(status).Set(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus exposition
// format, with OpenMetrics negotiation enabled.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
