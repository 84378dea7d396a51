// Package metrics records how long board operations take and how console
// waits and scenarios end, for export as a Prometheus text file.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/serial"
)

const namespace = "hwci"

// Scenario outcomes.
const (
	OutcomePass  = "pass"
	OutcomeFail  = "fail"
	OutcomeError = "error"
)

// Recorder owns a private registry so repeated runs in one process do not
// collide. A nil *Recorder records nothing.
type Recorder struct {
	reg *prometheus.Registry

	opDuration *prometheus.HistogramVec
	expects    *prometheus.CounterVec
	scenarios  *prometheus.CounterVec
}

// NewRecorder creates a recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "board_operation_duration_seconds",
			Help:      "Duration of board lifecycle operations by model, operation and outcome",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"model", "op", "outcome"}),
		expects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_expect_total",
			Help:      "Console pattern waits by outcome",
		}, []string{"outcome"}),
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenario_runs_total",
			Help:      "Scenario runs by scenario and outcome",
		}, []string{"scenario", "outcome"}),
	}
	r.reg.MustRegister(r.opDuration, r.expects, r.scenarios)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// ObserveOp records one board operation. It has the board.OpObserver
// signature.
func (r *Recorder) ObserveOp(model string, op board.Op, took time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.opDuration.WithLabelValues(model, op.String(), outcome).Observe(took.Seconds())
}

// ObserveExpect records one console wait. It has the serial.Observer
// signature.
func (r *Recorder) ObserveExpect(_ string, outcome serial.Outcome) {
	if r == nil {
		return
	}
	r.expects.WithLabelValues(string(outcome)).Inc()
}

// ScenarioFinished records the result of a scenario run.
func (r *Recorder) ScenarioFinished(name, outcome string) {
	if r == nil {
		return
	}
	r.scenarios.WithLabelValues(name, outcome).Inc()
}

// OpObserver returns ObserveOp, or nil for a nil recorder.
func (r *Recorder) OpObserver() board.OpObserver {
	if r == nil {
		return nil
	}
	return r.ObserveOp
}

// SerialObserver returns ObserveExpect, or nil for a nil recorder.
func (r *Recorder) SerialObserver() serial.Observer {
	if r == nil {
		return nil
	}
	return r.ObserveExpect
}

// WriteFile writes every metric to path in the text exposition format,
// atomically, for node_exporter's textfile collector.
func (r *Recorder) WriteFile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
