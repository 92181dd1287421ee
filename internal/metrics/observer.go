// Package metrics exports lease and worker activity as Prometheus series.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Observer implements api.Observer on top of Prometheus collectors.
type Observer struct {
	tasksLocked       *prometheus.CounterVec
	tasksFinished     *prometheus.CounterVec
	lockExtends       *prometheus.CounterVec
	workerExecutions  *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them on reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		tasksLocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxo_external_tasks_locked_total",
				Help: "External tasks claimed by fetch and lock",
			},
			[]string{"topic"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxo_external_tasks_finished_total",
				Help: "External tasks finished, by outcome",
			},
			[]string{"outcome"},
		),
		lockExtends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxo_external_task_lock_extends_total",
				Help: "Lease extension attempts, by result",
			},
			[]string{"result"},
		),
		workerExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fluxo_worker_executions_total",
				Help: "Handler executions reported by workers",
			},
			[]string{"topic", "outcome"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fluxo_worker_execution_seconds",
				Help:    "Duration of handler execution including the result report",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
			},
			[]string{"topic"},
		),
	}

	for _, c := range []prometheus.Collector{o.tasksLocked, o.tasksFinished, o.lockExtends, o.workerExecutions, o.executionDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OnTasksLocked(ctx context.Context, workerID, topic string, tasks []*api.ExternalTask) {
	o.tasksLocked.WithLabelValues(topic).Add(float64(len(tasks)))
}

func (o *Observer) OnLockExtended(ctx context.Context, workerID, taskID string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	o.lockExtends.WithLabelValues(result).Inc()
}

func (o *Observer) OnTaskFinished(ctx context.Context, workerID, taskID string, outcome api.TaskOutcome) {
	o.tasksFinished.WithLabelValues(string(outcome)).Inc()
}

func (o *Observer) OnTaskExecuted(ctx context.Context, workerID string, task *api.ExternalTask, outcome api.TaskOutcome, err error, d time.Duration) {
	// A failed report leaves the task unfinished on the engine side.
	if err != nil && outcome == api.OutcomeSuccess {
		outcome = "report_failed"
	}
	o.workerExecutions.WithLabelValues(task.Topic, string(outcome)).Inc()
	o.executionDuration.WithLabelValues(task.Topic).Observe(d.Seconds())
}
