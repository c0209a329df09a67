package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isdmx/runbox/sandbox"
)

const namespace = "runbox"

// AdmissionStats reports slot occupancy at scrape time.
type AdmissionStats interface {
	InUse() int
	Waiting() int
}

// Metrics holds the runbox collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rejections  *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// New creates and registers all collectors.
func New(adm AdmissionStats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Accepted executions by language and result status.",
		}, []string{"language", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_ms",
			Help:      "Wall time of execution phases in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 14),
		}, []string{"language", "phase"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Submissions rejected before execution, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Orchestrator state transitions by target state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.executions,
		m.duration,
		m.rejections,
		m.transitions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_executions",
			Help:      "Admission slots currently held.",
		}, func() float64 { return float64(adm.InUse()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_executions",
			Help:      "Submissions waiting for an admission slot.",
		}, func() float64 { return float64(adm.Waiting()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

var _ sandbox.Recorder = (*Metrics)(nil)

// ObserveResult counts a finished execution and records its phase durations.
func (m *Metrics) ObserveResult(language string, res sandbox.Result) {
	m.executions.WithLabelValues(language, res.Status.String()).Inc()
	if res.CompileMillis > 0 {
		m.duration.WithLabelValues(language, string(sandbox.PhaseCompile)).Observe(float64(res.CompileMillis))
	}
	if res.DurationMillis > 0 {
		m.duration.WithLabelValues(language, string(sandbox.PhaseRun)).Observe(float64(res.DurationMillis))
	}
}

// ObserveRejection counts a submission rejected before it produced a result.
func (m *Metrics) ObserveRejection(kind sandbox.Kind) {
	m.rejections.WithLabelValues(string(kind)).Inc()
}

// ObserveTransition counts an orchestrator state transition.
func (m *Metrics) ObserveTransition(to sandbox.State) {
	m.transitions.WithLabelValues(to.String()).Inc()
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
