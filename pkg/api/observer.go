package api

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TaskOutcome describes how an external task was completed.
type TaskOutcome string

const (
	OutcomeSuccess      TaskOutcome = "success"
	OutcomeBpmnError    TaskOutcome = "bpmn_error"
	OutcomeServiceError TaskOutcome = "service_error"
)

// Observer receives callbacks from the lease service and from workers for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay lease operations.
type Observer interface {
	// OnTasksLocked is called after a fetch-and-lock call claimed a non-empty
	// batch.
	OnTasksLocked(ctx context.Context, workerID, topic string, tasks []*ExternalTask)

	// OnLockExtended is called after every extend attempt, err is nil on
	// success.
	OnLockExtended(ctx context.Context, workerID, taskID string, err error)

	// OnTaskFinished is called when the lease service stored a final result.
	OnTaskFinished(ctx context.Context, workerID, taskID string, outcome TaskOutcome)

	// OnTaskExecuted is called by a worker after a handler returned and its
	// outcome was reported. err holds the reporting or handler failure.
	OnTaskExecuted(ctx context.Context, workerID string, task *ExternalTask, outcome TaskOutcome, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTasksLocked(ctx context.Context, workerID, topic string, tasks []*ExternalTask) {
}
func (NoopObserver) OnLockExtended(ctx context.Context, workerID, taskID string, err error) {}
func (NoopObserver) OnTaskFinished(ctx context.Context, workerID, taskID string, outcome TaskOutcome) {
}
func (NoopObserver) OnTaskExecuted(ctx context.Context, workerID string, task *ExternalTask, outcome TaskOutcome, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTasksLocked(ctx context.Context, workerID, topic string, tasks []*ExternalTask) {
	for _, o := range c.observers {
		o.OnTasksLocked(ctx, workerID, topic, tasks)
	}
}

func (c *CompositeObserver) OnLockExtended(ctx context.Context, workerID, taskID string, err error) {
	for _, o := range c.observers {
		o.OnLockExtended(ctx, workerID, taskID, err)
	}
}

func (c *CompositeObserver) OnTaskFinished(ctx context.Context, workerID, taskID string, outcome TaskOutcome) {
	for _, o := range c.observers {
		o.OnTaskFinished(ctx, workerID, taskID, outcome)
	}
}

func (c *CompositeObserver) OnTaskExecuted(ctx context.Context, workerID string, task *ExternalTask, outcome TaskOutcome, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskExecuted(ctx, workerID, task, outcome, err, d)
	}
}

// LoggingObserver writes structured logs using zap.
type LoggingObserver struct {
	Logger *zap.Logger
}

// NewLoggingObserver creates an Observer that logs lease and execution
// events. If logger is nil, zap.L() is used.
func NewLoggingObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.L()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTasksLocked(ctx context.Context, workerID, topic string, tasks []*ExternalTask) {
	o.Logger.Debug("external_tasks_locked",
		zap.String("worker_id", workerID),
		zap.String("topic", topic),
		zap.Int("count", len(tasks)),
	)
}

func (o *LoggingObserver) OnLockExtended(ctx context.Context, workerID, taskID string, err error) {
	if err != nil {
		o.Logger.Warn("external_task_lock_extend_failed",
			zap.String("worker_id", workerID),
			zap.String("external_task_id", taskID),
			zap.Error(err),
		)
		return
	}
	o.Logger.Debug("external_task_lock_extended",
		zap.String("worker_id", workerID),
		zap.String("external_task_id", taskID),
	)
}

func (o *LoggingObserver) OnTaskFinished(ctx context.Context, workerID, taskID string, outcome TaskOutcome) {
	o.Logger.Info("external_task_finished",
		zap.String("worker_id", workerID),
		zap.String("external_task_id", taskID),
		zap.String("outcome", string(outcome)),
	)
}

func (o *LoggingObserver) OnTaskExecuted(ctx context.Context, workerID string, task *ExternalTask, outcome TaskOutcome, err error, d time.Duration) {
	level := zap.DebugLevel
	if err != nil {
		level = zap.ErrorLevel
	}
	o.Logger.Log(level, "external_task_executed",
		zap.String("worker_id", workerID),
		zap.String("external_task_id", task.ID),
		zap.String("topic", task.Topic),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", d),
		zap.Error(err),
	)
}

// BasicMetrics collects simple counters and aggregate execution durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tasksLocked        atomic.Int64
	tasksSucceeded     atomic.Int64
	tasksFailed        atomic.Int64
	lockExtendFailures atomic.Int64
	executions         atomic.Int64
	totalExecDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksLocked        int64
	TasksSucceeded     int64
	TasksFailed        int64
	LockExtendFailures int64

	Executions           int64
	AvgExecutionDuration time.Duration
}

func (m *BasicMetrics) OnTasksLocked(ctx context.Context, workerID, topic string, tasks []*ExternalTask) {
	m.tasksLocked.Add(int64(len(tasks)))
}

func (m *BasicMetrics) OnLockExtended(ctx context.Context, workerID, taskID string, err error) {
	if err != nil {
		m.lockExtendFailures.Add(1)
	}
}

func (m *BasicMetrics) OnTaskFinished(ctx context.Context, workerID, taskID string, outcome TaskOutcome) {
	if outcome == OutcomeSuccess {
		m.tasksSucceeded.Add(1)
		return
	}
	m.tasksFailed.Add(1)
}

func (m *BasicMetrics) OnTaskExecuted(ctx context.Context, workerID string, task *ExternalTask, outcome TaskOutcome, err error, d time.Duration) {
	m.executions.Add(1)
	m.totalExecDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	execs := m.executions.Load()
	totalNs := m.totalExecDuration.Load()

	var avg time.Duration
	if execs > 0 {
		avg = time.Duration(totalNs / execs)
	}

	return BasicMetricsSnapshot{
		TasksLocked:          m.tasksLocked.Load(),
		TasksSucceeded:       m.tasksSucceeded.Load(),
		TasksFailed:          m.tasksFailed.Load(),
		LockExtendFailures:   m.lockExtendFailures.Load(),
		Executions:           execs,
		AvgExecutionDuration: avg,
	}
}
