package httpapi

import (
	"encoding/json"
	"time"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Durations travel as milliseconds.

type fetchAndLockRequest struct {
	WorkerID           string `json:"workerId"`
	TopicName          string `json:"topicName"`
	MaxTasks           int    `json:"maxTasks"`
	LongPollingTimeout int64  `json:"longPollingTimeout"`
	LockDuration       int64  `json:"lockDuration"`
}

type extendLockRequest struct {
	WorkerID           string `json:"workerId"`
	AdditionalDuration int64  `json:"additionalDuration"`
}

type finishRequest struct {
	WorkerID string          `json:"workerId"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type bpmnErrorRequest struct {
	WorkerID  string `json:"workerId"`
	ErrorCode string `json:"errorCode"`
}

type serviceErrorRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type externalTask struct {
	ID                 string            `json:"id"`
	Topic              string            `json:"topic"`
	WorkerID           string            `json:"workerId,omitempty"`
	LockExpirationTime *time.Time        `json:"lockExpirationTime,omitempty"`
	CorrelationID      string            `json:"correlationId"`
	ProcessModelID     string            `json:"processModelId"`
	ProcessInstanceID  string            `json:"processInstanceId"`
	FlowNodeInstanceID string            `json:"flowNodeInstanceId"`
	Identity           api.Identity      `json:"identity"`
	Payload            json.RawMessage   `json:"payload,omitempty"`
	State              string            `json:"state"`
	Result             json.RawMessage   `json:"result,omitempty"`
	Error              *api.ErrorPayload `json:"error,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	FinishedAt         *time.Time        `json:"finishedAt,omitempty"`
}

func millis(d time.Duration) int64 { return d.Milliseconds() }

func fromMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func toWire(t *api.ExternalTask) externalTask {
	return externalTask{
		ID:                 t.ID,
		Topic:              t.Topic,
		WorkerID:           t.WorkerID,
		LockExpirationTime: optionalTime(t.LockExpirationTime),
		CorrelationID:      t.CorrelationID,
		ProcessModelID:     t.ProcessModelID,
		ProcessInstanceID:  t.ProcessInstanceID,
		FlowNodeInstanceID: t.FlowNodeInstanceID,
		Identity:           t.Identity,
		Payload:            t.Payload,
		State:              string(t.State),
		Result:             t.Result,
		Error:              t.Error,
		CreatedAt:          t.CreatedAt,
		FinishedAt:         optionalTime(t.FinishedAt),
	}
}

func fromWire(w externalTask) *api.ExternalTask {
	return &api.ExternalTask{
		ID:                 w.ID,
		Topic:              w.Topic,
		WorkerID:           w.WorkerID,
		LockExpirationTime: derefTime(w.LockExpirationTime),
		CorrelationID:      w.CorrelationID,
		ProcessModelID:     w.ProcessModelID,
		ProcessInstanceID:  w.ProcessInstanceID,
		FlowNodeInstanceID: w.FlowNodeInstanceID,
		Identity:           w.Identity,
		Payload:            w.Payload,
		State:              api.ExternalTaskState(w.State),
		Result:             w.Result,
		Error:              w.Error,
		CreatedAt:          w.CreatedAt,
		FinishedAt:         derefTime(w.FinishedAt),
	}
}
