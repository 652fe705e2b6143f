package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Recorder captures per-invocation pipeline metrics.
type Recorder interface {
	ObserveInvocation(outcome string, durationSeconds float64)
	ObservePhase(phase string, durationSeconds float64)
	AddDetections(total, rendered int)
	SetModelLoaded(loaded bool)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveInvocation(string, float64) {}
func (Noop) ObservePhase(string, float64)      {}
func (Noop) AddDetections(int, int)            {}
func (Noop) SetModelLoaded(bool)               {}

// Prom implements Recorder backed by Prometheus collectors on its own
// registry.
type Prom struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	phases      *prometheus.HistogramVec
	detections  *prometheus.CounterVec
	modelLoaded prometheus.Gauge
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Handler invocations by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "End-to-end handler duration by outcome",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each pipeline phase",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"phase"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections returned by the model and drawn on outputs",
		}, []string{"stage"}),
		modelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 once the model is resident in this instance",
		}),
	}
	p.registry.MustRegister(p.invocations, p.duration, p.phases, p.detections, p.modelLoaded)
	return p
}

func (p *Prom) ObserveInvocation(outcome string, durationSeconds float64) {
	p.invocations.WithLabelValues(outcome).Inc()
	p.duration.WithLabelValues(outcome).Observe(durationSeconds)
}

func (p *Prom) ObservePhase(phase string, durationSeconds float64) {
	p.phases.WithLabelValues(phase).Observe(durationSeconds)
}

func (p *Prom) AddDetections(total, rendered int) {
	p.detections.WithLabelValues("model").Add(float64(total))
	p.detections.WithLabelValues("rendered").Add(float64(rendered))
}

func (p *Prom) SetModelLoaded(loaded bool) {
	if loaded {
		p.modelLoaded.Set(1)
		return
	}
	p.modelLoaded.Set(0)
}

func (p *Prom) Registry() *prometheus.Registry { return p.registry }

// Handler exposes the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
