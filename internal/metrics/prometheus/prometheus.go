// Package prometheus implements metrics.Recorder with Prometheus
// collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is a Prometheus-backed metrics recorder.
type Recorder struct {
	cycleDuration prometheus.Histogram
	cyclesSkipped prometheus.Counter
	invocations   *prometheus.CounterVec
	reloads       *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	pushReadings  prometheus.Counter
}

// NewRecorder creates a recorder and registers its collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wasihub_poll_cycle_duration_seconds",
			Help:    "Duration of full poll cycles.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasihub_poll_cycles_skipped_total",
			Help: "Poll ticks skipped because the previous cycle was still running.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasihub_unit_invocations_total",
			Help: "Sandboxed unit invocations.",
		}, []string{"unit", "success"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasihub_unit_reloads_total",
			Help: "Unit hot reload attempts.",
		}, []string{"unit", "success"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasihub_output_flushes_total",
			Help: "Physical output buffer flushes.",
		}, []string{"success"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasihub_cluster_pushes_total",
			Help: "Reading batch pushes to the hub.",
		}, []string{"success"}),
		pushReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasihub_cluster_push_readings_received_total",
			Help: "Readings received from spoke pushes.",
		}),
	}

	reg.MustRegister(
		r.cycleDuration, r.cyclesSkipped, r.invocations,
		r.reloads, r.flushes, r.pushes, r.pushReadings,
	)

	return r
}

func (r *Recorder) ObserveCycleDuration(d time.Duration) { r.cycleDuration.Observe(d.Seconds()) }
func (r *Recorder) IncCycleSkipped()                     { r.cyclesSkipped.Inc() }

func (r *Recorder) IncUnitInvocation(unit string, success bool) {
	r.invocations.WithLabelValues(unit, boolLabel(success)).Inc()
}

func (r *Recorder) IncUnitReload(unit string, success bool) {
	r.reloads.WithLabelValues(unit, boolLabel(success)).Inc()
}

func (r *Recorder) IncFlush(success bool) {
	r.flushes.WithLabelValues(boolLabel(success)).Inc()
}

func (r *Recorder) IncPush(success bool) {
	r.pushes.WithLabelValues(boolLabel(success)).Inc()
}

func (r *Recorder) AddPushedReadingsReceived(n int) {
	r.pushReadings.Add(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
