// Package metrics provides Prometheus instrumentation for the execution
// core: subtask outcomes, sandbox lifecycle, exec durations, checkpoint
// writes and event-queue overflow.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder bundles the core's Prometheus collectors.
type Recorder struct {
	subtaskAttempts   *prometheus.CounterVec
	sandboxSessions   *prometheus.CounterVec
	sandboxActive     prometheus.Gauge
	execDuration      *prometheus.HistogramVec
	checkpointWrites  *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	recoveryDecisions *prometheus.CounterVec
}

var (
	//nolint:gochecknoglobals // Singleton recorder: promauto collectors register once
	instance *Recorder
	//nolint:gochecknoglobals
	once sync.Once
)

// Default returns the process-wide recorder, creating and registering the
// collectors on first use.
func Default() *Recorder {
	once.Do(func() {
		instance = &Recorder{
			subtaskAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codeforge_subtask_attempts_total",
					Help: "Subtask execution attempts by outcome",
				},
				[]string{"project", "outcome"},
			),
			sandboxSessions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codeforge_sandbox_sessions_total",
					Help: "Sandbox sessions by lifecycle event",
				},
				[]string{"event"},
			),
			sandboxActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "codeforge_sandbox_sessions_active",
					Help: "Currently tracked sandbox sessions",
				},
			),
			execDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "codeforge_sandbox_exec_duration_seconds",
					Help:    "Duration of sandbox command executions",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			checkpointWrites: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codeforge_checkpoint_writes_total",
					Help: "Checkpoint writes by stage",
				},
				[]string{"stage"},
			),
			eventsDropped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codeforge_events_dropped_total",
					Help: "Events dropped because the queue was full",
				},
			),
			recoveryDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codeforge_recovery_decisions_total",
					Help: "Recovery strategies selected after classified failures",
				},
				[]string{"strategy"},
			),
		}
	})
	return instance
}

// ObserveSubtaskAttempt records one subtask attempt outcome
// ("success", "retry", "exhausted").
func (r *Recorder) ObserveSubtaskAttempt(project, outcome string) {
	r.subtaskAttempts.WithLabelValues(project, outcome).Inc()
}

// ObserveSessionCreated records a sandbox session creation.
func (r *Recorder) ObserveSessionCreated() {
	r.sandboxSessions.WithLabelValues("created").Inc()
	r.sandboxActive.Inc()
}

// ObserveSessionDestroyed records a sandbox session teardown.
func (r *Recorder) ObserveSessionDestroyed() {
	r.sandboxSessions.WithLabelValues("destroyed").Inc()
	r.sandboxActive.Dec()
}

// ObserveExec records one sandbox command execution.
func (r *Recorder) ObserveExec(outcome string, duration time.Duration) {
	r.execDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCheckpoint records a checkpoint write for a stage name.
func (r *Recorder) ObserveCheckpoint(stage string) {
	r.checkpointWrites.WithLabelValues(stage).Inc()
}

// ObserveEventDropped records an event discarded on queue overflow.
func (r *Recorder) ObserveEventDropped() {
	r.eventsDropped.Inc()
}

// ObserveRecovery records the strategy chosen for a classified failure.
func (r *Recorder) ObserveRecovery(strategy string) {
	r.recoveryDecisions.WithLabelValues(strategy).Inc()
}
