// Package flownode records the lifecycle of flow node instances. Every state
// change is stored together with a process token in one transaction, so the
// token list of an instance is a complete, append-only history of it.
package flownode

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// transitions lists the allowed target states per current state. Terminal
// states have no entry.
var transitions = map[api.FlowNodeInstanceState]map[api.FlowNodeInstanceState]bool{
	api.StateRunning: {
		api.StateSuspended:  true,
		api.StateFinished:   true,
		api.StateError:      true,
		api.StateTerminated: true,
	},
	api.StateSuspended: {
		api.StateRunning:    true,
		api.StateFinished:   true,
		api.StateError:      true,
		api.StateTerminated: true,
	},
}

// CanTransition reports whether an instance in state from may move to to.
func CanTransition(from, to api.FlowNodeInstanceState) bool {
	return transitions[from][to]
}

// Journal persists flow node instance transitions.
type Journal struct {
	store  persistence.FlowNodeInstanceStore
	logger *zap.Logger
	now    func() time.Time
}

// NewJournal returns a Journal on top of store. A nil logger disables logging.
func NewJournal(store persistence.FlowNodeInstanceStore, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:  store,
		logger: logger.Named("flownode"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PersistOnEnter creates a running instance of the flow node described by
// desc together with its onEnter token. Correlation, model, process instance
// and owner are taken from token.
func (j *Journal) PersistOnEnter(
	ctx context.Context,
	desc api.FlowNodeDescriptor,
	instanceID string,
	token api.ProcessToken,
	previousInstanceID string,
) (*api.FlowNodeInstance, error) {
	now := j.now()
	inst := &api.FlowNodeInstance{
		ID:                         instanceID,
		FlowNodeID:                 desc.ID,
		FlowNodeType:               desc.Type,
		EventType:                  desc.EventType,
		CorrelationID:              token.CorrelationID,
		ProcessModelID:             token.ProcessModelID,
		ProcessInstanceID:          token.ProcessInstanceID,
		ParentProcessInstanceID:    token.CallerID,
		Owner:                      token.Identity,
		PreviousFlowNodeInstanceID: previousInstanceID,
		State:                      api.StateRunning,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	tok := j.stamp(token, instanceID, api.TokenOnEnter, now)

	if err := j.store.CreateFlowNodeInstance(ctx, inst, &tok); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return nil, api.Conflictf("FlowNodeInstance with ID '%s' already exists.", instanceID)
		}
		return nil, err
	}
	inst.Tokens = []api.ProcessToken{tok}

	j.logger.Debug("flow node entered",
		zap.String("flow_node_id", desc.ID),
		zap.String("flow_node_instance_id", instanceID),
		zap.String("process_instance_id", inst.ProcessInstanceID),
	)
	return inst, nil
}

// PersistOnExit finishes the instance and appends an onExit token.
func (j *Journal) PersistOnExit(ctx context.Context, desc api.FlowNodeDescriptor, instanceID string, token api.ProcessToken) error {
	return j.transition(ctx, desc.ID, instanceID, api.StateFinished, api.TokenOnExit, token, nil)
}

// PersistOnError marks the instance as failed with cause and appends an
// onExit token.
func (j *Journal) PersistOnError(ctx context.Context, desc api.FlowNodeDescriptor, instanceID string, token api.ProcessToken, cause error) error {
	payload := api.NewErrorPayload(cause)
	if payload == nil {
		payload = &api.ErrorPayload{Kind: api.KindInternal.String(), Message: "unknown error"}
	}
	return j.transition(ctx, desc.ID, instanceID, api.StateError, api.TokenOnExit, token, payload)
}

// PersistOnTerminate terminates the instance and appends an onExit token.
func (j *Journal) PersistOnTerminate(ctx context.Context, desc api.FlowNodeDescriptor, instanceID string, token api.ProcessToken) error {
	return j.transition(ctx, desc.ID, instanceID, api.StateTerminated, api.TokenOnExit, token, nil)
}

// Suspend parks a running instance. The token's payload becomes the data a
// waiting user task exposes.
func (j *Journal) Suspend(ctx context.Context, flowNodeID, instanceID string, token api.ProcessToken) error {
	return j.transition(ctx, flowNodeID, instanceID, api.StateSuspended, api.TokenOnSuspend, token, nil)
}

// Resume continues a suspended instance.
func (j *Journal) Resume(ctx context.Context, flowNodeID, instanceID string, token api.ProcessToken) error {
	return j.transition(ctx, flowNodeID, instanceID, api.StateRunning, api.TokenOnResume, token, nil)
}

func (j *Journal) transition(
	ctx context.Context,
	flowNodeID, instanceID string,
	to api.FlowNodeInstanceState,
	typ api.TokenType,
	token api.ProcessToken,
	errPayload *api.ErrorPayload,
) error {
	tok := j.stamp(token, instanceID, typ, j.now())

	err := j.store.TransitionFlowNodeInstance(ctx, persistence.FlowNodeTransition{
		FlowNodeID: flowNodeID,
		InstanceID: instanceID,
		To:         to,
		Error:      errPayload,
		Token:      &tok,
		Check: func(current api.FlowNodeInstanceState) error {
			if !CanTransition(current, to) {
				return api.Conflictf("FlowNodeInstance '%s' cannot change from '%s' to '%s'.", instanceID, current, to)
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return api.NotFoundf("FlowNodeInstance '%s' of FlowNode '%s' not found.", instanceID, flowNodeID)
		}
		return err
	}

	j.logger.Debug("flow node transitioned",
		zap.String("flow_node_id", flowNodeID),
		zap.String("flow_node_instance_id", instanceID),
		zap.String("state", string(to)),
	)
	return nil
}

// stamp binds token to the instance it is recorded for.
func (j *Journal) stamp(token api.ProcessToken, instanceID string, typ api.TokenType, at time.Time) api.ProcessToken {
	token.Sequence = 0
	token.FlowNodeInstanceID = instanceID
	token.Type = typ
	token.CreatedAt = at
	return token
}

// DeleteByProcessModelID removes all instances and tokens of a process model.
// Instances inserted for the model while the delete runs may survive it.
func (j *Journal) DeleteByProcessModelID(ctx context.Context, processModelID string) error {
	if err := j.store.DeleteFlowNodeInstancesByProcessModel(ctx, processModelID); err != nil {
		return err
	}
	j.logger.Info("flow node instances deleted", zap.String("process_model_id", processModelID))
	return nil
}
