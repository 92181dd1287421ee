package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("duplicate key")
)

// FlowNodeInstanceFilter selects flow node instances. Empty fields mean "no
// filter" for that field; an empty States slice matches every state.
type FlowNodeInstanceFilter struct {
	ID                string
	FlowNodeID        string
	CorrelationID     string
	ProcessModelID    string
	ProcessInstanceID string
	States            []api.FlowNodeInstanceState
}

// FlowNodeTransition describes one state change of an existing instance.
type FlowNodeTransition struct {
	FlowNodeID string
	InstanceID string
	To         api.FlowNodeInstanceState
	Error      *api.ErrorPayload
	Token      *api.ProcessToken

	// Check is called with the current state inside the transaction. A
	// non-nil return aborts the transition.
	Check func(current api.FlowNodeInstanceState) error
}

// FlowNodeInstanceStore persists flow node instances and their token journal.
type FlowNodeInstanceStore interface {
	// CreateFlowNodeInstance inserts the instance and its first token in one
	// transaction. Returns ErrDuplicate if the id exists.
	CreateFlowNodeInstance(ctx context.Context, inst *api.FlowNodeInstance, token *api.ProcessToken) error
	// TransitionFlowNodeInstance updates the state and appends the token in
	// one transaction. Returns ErrNotFound if no row matches.
	TransitionFlowNodeInstance(ctx context.Context, t FlowNodeTransition) error
	// QueryFlowNodeInstances returns matching instances, oldest first, with
	// their tokens ordered oldest first.
	QueryFlowNodeInstances(ctx context.Context, filter FlowNodeInstanceFilter) ([]*api.FlowNodeInstance, error)
	// QueryProcessTokens returns every token recorded for a process instance.
	QueryProcessTokens(ctx context.Context, processInstanceID string) ([]api.ProcessToken, error)
	// DeleteFlowNodeInstancesByProcessModel removes instances and tokens of a
	// model in one transaction.
	DeleteFlowNodeInstancesByProcessModel(ctx context.Context, processModelID string) error
}

// CorrelationFilter selects correlation member rows. Empty fields mean "no
// filter" for that field.
type CorrelationFilter struct {
	CorrelationID           string
	ProcessInstanceID       string
	ProcessModelID          string
	ParentProcessInstanceID string
	State                   api.CorrelationState
}

// CorrelationStore persists correlation member rows.
type CorrelationStore interface {
	CreateCorrelationEntry(ctx context.Context, entry *api.CorrelationProcessInstance) error
	// QueryCorrelationEntries returns matching rows ordered by creation time.
	QueryCorrelationEntries(ctx context.Context, filter CorrelationFilter) ([]*api.CorrelationProcessInstance, error)
	// FinishCorrelationEntry moves a running row to state. Returns ErrNotFound
	// if the row does not exist and ErrDuplicate if it was already finished.
	FinishCorrelationEntry(ctx context.Context, correlationID, processInstanceID string, state api.CorrelationState, errPayload *api.ErrorPayload) error
	DeleteCorrelationEntriesByProcessModel(ctx context.Context, processModelID string) error
}

// ExternalTaskUpdate inspects and mutates a locked task row. Returning an
// error aborts the update and rolls back.
type ExternalTaskUpdate func(task *api.ExternalTask) error

// ExternalTaskStore persists external tasks and implements the atomic claim.
type ExternalTaskStore interface {
	CreateExternalTask(ctx context.Context, task *api.ExternalTask) error
	GetExternalTask(ctx context.Context, id string) (*api.ExternalTask, error)
	GetExternalTaskByInstanceIDs(ctx context.Context, correlationID, processInstanceID, flowNodeInstanceID string) (*api.ExternalTask, error)
	// ClaimExternalTasks assigns up to limit claimable tasks of topic to
	// workerID with a single conditional update and returns the claimed
	// rows. limit <= 0 means no limit.
	ClaimExternalTasks(ctx context.Context, topic, workerID string, limit int, now, lockExpiration time.Time) ([]*api.ExternalTask, error)
	// UpdateExternalTask loads the row under a write lock, applies fn and
	// stores the result in the same transaction.
	UpdateExternalTask(ctx context.Context, id string, fn ExternalTaskUpdate) (*api.ExternalTask, error)
	DeleteExternalTasksByProcessModel(ctx context.Context, processModelID string) error
}

// ProcessDefinitionStore persists versioned process definitions.
type ProcessDefinitionStore interface {
	// SaveProcessDefinition appends a version. Returns ErrDuplicate if the
	// same name and hash already exist.
	SaveProcessDefinition(ctx context.Context, def *api.ProcessDefinition) error
	GetProcessDefinitionByHash(ctx context.Context, hash string) (*api.ProcessDefinition, error)
	// GetLatestProcessDefinition returns the most recently saved version.
	GetLatestProcessDefinition(ctx context.Context, name string) (*api.ProcessDefinition, error)
	DeleteProcessDefinitions(ctx context.Context, name string) error
}
