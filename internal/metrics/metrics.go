// Package metrics exposes run counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adsync/internal/workflow"
)

const namespace = "adsync"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	StepDuration    *prometheus.HistogramVec
	LastSuccess     *prometheus.GaugeVec
	RunInProgress   *prometheus.GaugeVec
	LastExitCode    *prometheus.GaugeVec
	NotifySendTotal *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by trigger and terminal status.",
		}, []string{"workflow", "trigger", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"workflow"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of finished steps.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"workflow", "step"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, []string{"workflow"}),
		RunInProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a run executes.",
		}, []string{"workflow"}),
		LastExitCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_exit_code",
			Help:      "Exit code of the last finished run that produced one.",
		}, []string{"workflow"}),
		NotifySendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		}, []string{"sink", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsTotal, m.RunDuration, m.StepDuration,
		m.LastSuccess, m.RunInProgress, m.LastExitCode,
		m.NotifySendTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RunStarted(run *workflow.Run) {
	m.RunInProgress.WithLabelValues(run.Workflow).Set(1)
}

func (m *Metrics) StepFinished(run *workflow.Run, step workflow.StepResult) {
	if !step.Status.Terminal() {
		return
	}
	m.StepDuration.WithLabelValues(run.Workflow, string(step.Name)).Observe(step.Duration().Seconds())
}

// RunFinished records a terminal run, including skipped ones.
func (m *Metrics) RunFinished(run *workflow.Run) {
	m.RunsTotal.WithLabelValues(run.Workflow, string(run.Trigger), string(run.Status)).Inc()
	if run.Status == workflow.StatusSkipped {
		return
	}
	m.RunInProgress.WithLabelValues(run.Workflow).Set(0)
	if d := run.Duration(); d > 0 {
		m.RunDuration.WithLabelValues(run.Workflow).Observe(d.Seconds())
	}
	if run.ExitCode != nil {
		m.LastExitCode.WithLabelValues(run.Workflow).Set(float64(*run.ExitCode))
	}
	if run.Status == workflow.StatusSucceeded {
		at := run.FinishedAt
		if at.IsZero() {
			at = time.Now()
		}
		m.LastSuccess.WithLabelValues(run.Workflow).Set(float64(at.Unix()))
	}
}

func (m *Metrics) NotificationSent(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.NotifySendTotal.WithLabelValues(sink, result).Inc()
}
