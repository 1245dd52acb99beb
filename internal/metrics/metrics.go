package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder captures engine-level counters. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RunStarted(workflowID string)
	RunFinished(workflowID, status string, d time.Duration)
	DuplicateSkipped(workflowID string)
	SweepFailed(n int)
	ScheduleFired(workflowID, backend string)
	ActiveSchedules(n int)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) RunStarted(string)                         {}
func (Noop) RunFinished(string, string, time.Duration) {}
func (Noop) DuplicateSkipped(string)                   {}
func (Noop) SweepFailed(int)                           {}
func (Noop) ScheduleFired(string, string)              {}
func (Noop) ActiveSchedules(int)                       {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	duplicateSkips  *prometheus.CounterVec
	sweepFailed     prometheus.Counter
	scheduleFires   *prometheus.CounterVec
	activeSchedules prometheus.Gauge
	gatherer        prometheus.Gatherer
}

// NewProm registers the hookflow collectors on reg. A nil reg uses a fresh
// registry so repeated construction never panics on duplicate registration.
func NewProm(reg *prometheus.Registry) *Prom {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	const ns = "hookflow"
	p := &Prom{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Executions started by workflow",
		}, []string{"workflow"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_finished_total",
			Help:      "Executions finished by workflow and terminal status",
		}, []string{"workflow", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Execution wall time by terminal status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		duplicateSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "duplicate_skips_total",
			Help:      "Trigger deliveries skipped by the overlap guard",
		}, []string{"workflow"}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sweep_failed_total",
			Help:      "Duplicate running executions stopped by the sweeper",
		}),
		scheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "schedule_fires_total",
			Help:      "Schedule fires by workflow and backend",
		}, []string{"workflow", "backend"}),
		activeSchedules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_schedules",
			Help:      "Schedules currently registered",
		}),
		gatherer: reg,
	}
	reg.MustRegister(p.runsStarted, p.runsFinished, p.runDuration, p.duplicateSkips,
		p.sweepFailed, p.scheduleFires, p.activeSchedules)
	return p
}

func (p *Prom) RunStarted(workflowID string) {
	p.runsStarted.WithLabelValues(workflowID).Inc()
}

func (p *Prom) RunFinished(workflowID, status string, d time.Duration) {
	p.runsFinished.WithLabelValues(workflowID, status).Inc()
	p.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *Prom) DuplicateSkipped(workflowID string) {
	p.duplicateSkips.WithLabelValues(workflowID).Inc()
}

func (p *Prom) SweepFailed(n int) {
	p.sweepFailed.Add(float64(n))
}

func (p *Prom) ScheduleFired(workflowID, backend string) {
	p.scheduleFires.WithLabelValues(workflowID, backend).Inc()
}

func (p *Prom) ActiveSchedules(n int) {
	p.activeSchedules.Set(float64(n))
}

// Handler returns an HTTP handler for /metrics serving this recorder's registry.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
