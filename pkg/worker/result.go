package worker

import (
	"context"
	"encoding/json"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Result is the outcome of a handler. It is one of FinishResult,
// BpmnErrorResult or ServiceErrorResult.
type Result interface {
	report(ctx context.Context, client api.ExternalTaskAPI, identity api.Identity, workerID, taskID string) error
	outcome() api.TaskOutcome
}

// FinishResult completes the task with Payload as its result.
type FinishResult struct {
	Payload json.RawMessage
}

func (r FinishResult) report(ctx context.Context, client api.ExternalTaskAPI, identity api.Identity, workerID, taskID string) error {
	return client.FinishExternalTask(ctx, identity, workerID, taskID, r.Payload)
}

func (FinishResult) outcome() api.TaskOutcome { return api.OutcomeSuccess }

// BpmnErrorResult completes the task with a business error the process model
// can catch by Code.
type BpmnErrorResult struct {
	Code string
}

func (r BpmnErrorResult) report(ctx context.Context, client api.ExternalTaskAPI, identity api.Identity, workerID, taskID string) error {
	return client.HandleBpmnError(ctx, identity, workerID, taskID, r.Code)
}

func (BpmnErrorResult) outcome() api.TaskOutcome { return api.OutcomeBpmnError }

// ServiceErrorResult completes the task with a technical failure.
type ServiceErrorResult struct {
	Message string
	Details string
}

func (r ServiceErrorResult) report(ctx context.Context, client api.ExternalTaskAPI, identity api.Identity, workerID, taskID string) error {
	return client.HandleServiceError(ctx, identity, workerID, taskID, r.Message, r.Details)
}

func (ServiceErrorResult) outcome() api.TaskOutcome { return api.OutcomeServiceError }
