package api

import (
	"context"
	"encoding/json"
	"time"
)

// ExternalTaskState is the state of an ExternalTask.
type ExternalTaskState string

const (
	ExternalTaskPending  ExternalTaskState = "pending"
	ExternalTaskFinished ExternalTaskState = "finished"
)

// ExternalTask is a unit of work claimed by a worker under a lease.
type ExternalTask struct {
	ID                 string
	Topic              string
	WorkerID           string
	LockExpirationTime time.Time // zero when never locked
	CorrelationID      string
	ProcessModelID     string
	ProcessInstanceID  string
	FlowNodeInstanceID string
	Identity           Identity
	Payload            json.RawMessage
	State              ExternalTaskState
	Result             json.RawMessage
	Error              *ErrorPayload
	CreatedAt          time.Time
	FinishedAt         time.Time
}

// Claimable reports whether the task may be locked by any worker at now.
func (t *ExternalTask) Claimable(now time.Time) bool {
	return t.State == ExternalTaskPending && !now.Before(t.LockExpirationTime)
}

// LockedByOther reports whether a lease other than workerID's is still valid at now.
func (t *ExternalTask) LockedByOther(workerID string, now time.Time) bool {
	return t.WorkerID != workerID && now.Before(t.LockExpirationTime)
}

// ExternalTaskAPI is the worker-facing protocol. It is implemented by the
// engine-side service and by the HTTP client.
type ExternalTaskAPI interface {
	FetchAndLockExternalTasks(ctx context.Context, identity Identity, workerID, topic string, maxTasks int, longPollingTimeout, lockDuration time.Duration) ([]*ExternalTask, error)
	ExtendLock(ctx context.Context, identity Identity, workerID, taskID string, additionalDuration time.Duration) error
	FinishExternalTask(ctx context.Context, identity Identity, workerID, taskID string, result json.RawMessage) error
	HandleBpmnError(ctx context.Context, identity Identity, workerID, taskID, errorCode string) error
	HandleServiceError(ctx context.Context, identity Identity, workerID, taskID, errorMessage, errorDetails string) error
}
