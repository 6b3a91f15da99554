package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	Stages            *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	Actions           *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	Mutations         *prometheus.CounterVec
	IndirectionWrites *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sampipe_executions_total",
				Help: "Pipeline executions by final status.",
			},
			[]string{"pipeline", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sampipe_execution_duration_seconds",
				Help:    "Duration of pipeline executions.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"pipeline"},
		),
		Stages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sampipe_stage_runs_total",
				Help: "Stage runs by final status.",
			},
			[]string{"pipeline", "stage", "status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sampipe_stage_duration_seconds",
				Help:    "Duration of stage runs.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"pipeline", "stage"},
		),
		Actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sampipe_action_runs_total",
				Help: "Action runs by kind and final status.",
			},
			[]string{"pipeline", "kind", "status"},
		),
		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sampipe_action_duration_seconds",
				Help:    "Duration of action runs.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"pipeline", "kind"},
		),
		Mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sampipe_self_mutations_total",
				Help: "Controller decisions by outcome.",
			},
			[]string{"pipeline", "outcome"},
		),
		IndirectionWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sampipe_indirection_writes_total",
				Help: "Writes to the indirection store by key.",
			},
			[]string{"key"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sampipe_dispatch_queue_depth",
				Help: "Triggers waiting for the dispatcher.",
			},
		),
	}
}

func (m *Metrics) ObserveExecution(pipeline, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(pipeline, status).Inc()
	m.ExecutionDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (m *Metrics) ObserveStage(pipeline, stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Stages.WithLabelValues(pipeline, stage, status).Inc()
	m.StageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveAction(pipeline, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(pipeline, kind, status).Inc()
	m.ActionDuration.WithLabelValues(pipeline, kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveMutation(pipeline, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(pipeline, outcome).Inc()
}

func (m *Metrics) ObserveIndirectionWrite(key string) {
	if m == nil {
		return
	}
	m.IndirectionWrites.WithLabelValues(key).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
