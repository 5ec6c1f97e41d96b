// Package metrics exposes Prometheus instrumentation for the retry
// coordinators. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fcretry"

// Run outcomes.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

// Recorder holds the coordinator metrics.
type Recorder struct {
	runs         *prometheus.CounterVec
	evaluations  *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	waves        *prometheus.CounterVec
	bestValue    *prometheus.GaugeVec
	regionVolume *prometheus.GaugeVec
	activeRuns   prometheus.Gauge
}

// NewRecorder registers the coordinator metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler; tests pass a fresh registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Inner optimizer runs by coordinator and result",
		}, []string{"coordinator", "result"}),
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Objective evaluations consumed by inner runs",
		}, []string{"coordinator"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Inner optimizer run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
		}, []string{"optimizer"}),
		waves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waves_total",
			Help:      "Completed advanced-retry waves by adaptation action",
		}, []string{"action"}),
		bestValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_value",
			Help:      "Best objective value of the most recent run per problem",
		}, []string{"problem"}),
		regionVolume: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_volume",
			Help:      "Volume of the current advanced-retry search region per problem",
		}, []string{"problem"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Inner optimizer runs currently executing",
		}),
	}
}

// RunStarted marks a run as in flight.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.activeRuns.Inc()
}

// RunFinished records a finished run.
func (r *Recorder) RunFinished(coordinator, optimizer, result string, evaluations uint64, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.activeRuns.Dec()
	r.runs.WithLabelValues(coordinator, result).Inc()
	r.evaluations.WithLabelValues(coordinator).Add(float64(evaluations))
	r.runDuration.WithLabelValues(optimizer).Observe(elapsed.Seconds())
}

// RunRejected counts a successful run the archive did not retain.
func (r *Recorder) RunRejected(coordinator string) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(coordinator, ResultRejected).Inc()
}

// WaveCompleted records an adaptation step.
func (r *Recorder) WaveCompleted(action string) {
	if r == nil {
		return
	}
	r.waves.WithLabelValues(action).Inc()
}

// SetBest publishes the current best value for a problem.
func (r *Recorder) SetBest(problem string, value float64) {
	if r == nil {
		return
	}
	r.bestValue.WithLabelValues(problem).Set(value)
}

// SetRegionVolume publishes the current region volume for a problem.
func (r *Recorder) SetRegionVolume(problem string, volume float64) {
	if r == nil {
		return
	}
	r.regionVolume.WithLabelValues(problem).Set(volume)
}
