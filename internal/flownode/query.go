package flownode

import (
	"context"

	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

var activeStates = []api.FlowNodeInstanceState{api.StateRunning, api.StateSuspended}

// Query returns the instances matching filter. It is the general form of the
// helpers below.
func (j *Journal) Query(ctx context.Context, filter persistence.FlowNodeInstanceFilter) ([]*api.FlowNodeInstance, error) {
	return j.store.QueryFlowNodeInstances(ctx, filter)
}

// QueryByID returns a single instance or a NotFound error.
func (j *Journal) QueryByID(ctx context.Context, instanceID string) (*api.FlowNodeInstance, error) {
	found, err := j.Query(ctx, persistence.FlowNodeInstanceFilter{ID: instanceID})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, api.NotFoundf("FlowNodeInstance with ID '%s' not found.", instanceID)
	}
	return found[0], nil
}

func (j *Journal) QueryByFlowNodeID(ctx context.Context, flowNodeID string) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{FlowNodeID: flowNodeID})
}

func (j *Journal) QueryByCorrelation(ctx context.Context, correlationID string) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{CorrelationID: correlationID})
}

func (j *Journal) QueryByCorrelationAndProcessModel(ctx context.Context, correlationID, processModelID string) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{CorrelationID: correlationID, ProcessModelID: processModelID})
}

func (j *Journal) QueryByProcessInstance(ctx context.Context, processInstanceID string) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{ProcessInstanceID: processInstanceID})
}

func (j *Journal) QueryByProcessModel(ctx context.Context, processModelID string) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{ProcessModelID: processModelID})
}

func (j *Journal) QueryByState(ctx context.Context, state api.FlowNodeInstanceState) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{States: []api.FlowNodeInstanceState{state}})
}

// QueryActive returns all running or suspended instances.
func (j *Journal) QueryActive(ctx context.Context) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{States: activeStates})
}

func (j *Journal) QueryActiveByProcessInstance(ctx context.Context, processInstanceID string) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{ProcessInstanceID: processInstanceID, States: activeStates})
}

func (j *Journal) QueryActiveByCorrelationAndProcessModel(ctx context.Context, correlationID, processModelID string) ([]*api.FlowNodeInstance, error) {
	return j.Query(ctx, persistence.FlowNodeInstanceFilter{
		CorrelationID:  correlationID,
		ProcessModelID: processModelID,
		States:         activeStates,
	})
}

func (j *Journal) QuerySuspendedByCorrelation(ctx context.Context, correlationID string) ([]*api.FlowNodeInstance, error) {
	return j.querySuspended(ctx, persistence.FlowNodeInstanceFilter{CorrelationID: correlationID})
}

func (j *Journal) QuerySuspendedByProcessModel(ctx context.Context, processModelID string) ([]*api.FlowNodeInstance, error) {
	return j.querySuspended(ctx, persistence.FlowNodeInstanceFilter{ProcessModelID: processModelID})
}

func (j *Journal) QuerySuspendedByProcessInstance(ctx context.Context, processInstanceID string) ([]*api.FlowNodeInstance, error) {
	return j.querySuspended(ctx, persistence.FlowNodeInstanceFilter{ProcessInstanceID: processInstanceID})
}

func (j *Journal) querySuspended(ctx context.Context, filter persistence.FlowNodeInstanceFilter) ([]*api.FlowNodeInstance, error) {
	filter.States = []api.FlowNodeInstanceState{api.StateSuspended}
	return j.Query(ctx, filter)
}

// QuerySpecificFlowNode returns the most recent instance of flowNodeID within
// the given correlation and process model.
func (j *Journal) QuerySpecificFlowNode(ctx context.Context, correlationID, processModelID, flowNodeID string) (*api.FlowNodeInstance, error) {
	found, err := j.Query(ctx, persistence.FlowNodeInstanceFilter{
		CorrelationID:  correlationID,
		ProcessModelID: processModelID,
		FlowNodeID:     flowNodeID,
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, api.NotFoundf("FlowNode '%s' of ProcessModel '%s' in Correlation '%s' not found.", flowNodeID, processModelID, correlationID)
	}
	return found[len(found)-1], nil
}

// QueryProcessTokensByProcessInstance returns every token of a process
// instance in recording order.
func (j *Journal) QueryProcessTokensByProcessInstance(ctx context.Context, processInstanceID string) ([]api.ProcessToken, error) {
	return j.store.QueryProcessTokens(ctx, processInstanceID)
}
