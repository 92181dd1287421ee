// Package usertask lists waiting user tasks and finishes them. Finishing is
// a request/reply exchange with the interpreter over the message bus.
package usertask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/correlation"
	"github.com/petrijr/fluxo-bpmn/internal/flownode"
	"github.com/petrijr/fluxo-bpmn/internal/messagebus"
	"github.com/petrijr/fluxo-bpmn/internal/processmodel"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const (
	modelCacheSize = 1024
	modelCacheTTL  = 10 * time.Minute
)

// ErrSubscriptionClosed is returned when the bus closes a subscription while
// FinishUserTask is still waiting.
var ErrSubscriptionClosed = errors.New("usertask: subscription closed before the task finished")

// UserTask is a suspended user task as shown to the people working on it.
type UserTask struct {
	ID                 string          `json:"id"`
	FlowNodeInstanceID string          `json:"flowNodeInstanceId"`
	Name               string          `json:"name"`
	CorrelationID      string          `json:"correlationId"`
	ProcessModelID     string          `json:"processModelId"`
	ProcessInstanceID  string          `json:"processInstanceId"`
	TokenPayload       json.RawMessage `json:"tokenPayload,omitempty"`
}

// Result is the answer to a user task.
type Result struct {
	FormFields json.RawMessage `json:"formFields"`
}

// Service implements the user task API.
type Service struct {
	journal      *flownode.Journal
	correlations *correlation.Service
	bus          messagebus.Bus
	logger       *zap.Logger

	// models caches a process instance's definition per user. The document
	// is immutable for a given instance.
	models *expirable.LRU[string, string]
}

func NewService(journal *flownode.Journal, correlations *correlation.Service, bus messagebus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		journal:      journal,
		correlations: correlations,
		bus:          bus,
		logger:       logger.Named("usertask"),
		models:       expirable.NewLRU[string, string](modelCacheSize, nil, modelCacheTTL),
	}
}

// GetWaitingUserTasksByProcessInstance returns the suspended user tasks of a
// process instance.
func (s *Service) GetWaitingUserTasksByProcessInstance(ctx context.Context, identity api.Identity, processInstanceID string) ([]UserTask, error) {
	suspended, err := s.journal.QuerySuspendedByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	return s.convert(ctx, identity, suspended)
}

// GetWaitingUserTasksByCorrelation returns the suspended user tasks of every
// process instance in a correlation.
func (s *Service) GetWaitingUserTasksByCorrelation(ctx context.Context, identity api.Identity, correlationID string) ([]UserTask, error) {
	suspended, err := s.journal.QuerySuspendedByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return s.convert(ctx, identity, suspended)
}

// FinishUserTask hands result to the interpreter and returns once it reports
// the task as finished, or when ctx is done.
func (s *Service) FinishUserTask(
	ctx context.Context,
	identity api.Identity,
	processInstanceID, correlationID, userTaskInstanceID string,
	result *Result,
) error {
	formFields, err := formFields(result)
	if err != nil {
		return err
	}

	inst, err := s.findSuspended(ctx, processInstanceID, correlationID, userTaskInstanceID)
	if err != nil {
		return err
	}
	tasks, err := s.convert(ctx, identity, []*api.FlowNodeInstance{inst})
	if err != nil {
		return err
	}
	task := tasks[0]

	// Subscribe before publishing so the reply cannot be missed.
	sub, err := s.bus.Subscribe(ctx, FinishedTopic(correlationID, processInstanceID, userTaskInstanceID))
	if err != nil {
		return err
	}
	defer sub.Close()

	msg, err := json.Marshal(FinishUserTaskMessage{
		CorrelationID:      task.CorrelationID,
		ProcessModelID:     task.ProcessModelID,
		ProcessInstanceID:  task.ProcessInstanceID,
		FlowNodeID:         task.ID,
		FlowNodeInstanceID: task.FlowNodeInstanceID,
		Identity:           identity,
		Result:             formFields,
		CurrentToken:       task.TokenPayload,
	})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, FinishTopic(correlationID, processInstanceID, userTaskInstanceID), msg); err != nil {
		return err
	}
	s.logger.Debug("finish user task requested",
		zap.String("correlation_id", correlationID),
		zap.String("process_instance_id", processInstanceID),
		zap.String("flow_node_instance_id", userTaskInstanceID),
	)

	select {
	case _, ok := <-sub.Messages():
		if !ok {
			return ErrSubscriptionClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyFinished publishes the finished notification for a user task. It is
// called by the interpreter after the task has left the suspended state.
func NotifyFinished(ctx context.Context, bus messagebus.Bus, msg UserTaskFinishedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, FinishedTopic(msg.CorrelationID, msg.ProcessInstanceID, msg.FlowNodeInstanceID), data)
}

// formFields validates result and returns the form fields to hand to the
// interpreter. A missing result finishes the task with an empty object.
func formFields(result *Result) (json.RawMessage, error) {
	if result == nil {
		return json.RawMessage(`{}`), nil
	}
	fields := bytes.TrimSpace(result.FormFields)
	if len(fields) == 0 || bytes.Equal(fields, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]json.RawMessage
	if fields[0] != '{' || json.Unmarshal(fields, &obj) != nil {
		return nil, api.BadRequestf("The UserTask's FormFields are not an object.")
	}
	return json.RawMessage(fields), nil
}

func (s *Service) findSuspended(ctx context.Context, processInstanceID, correlationID, userTaskInstanceID string) (*api.FlowNodeInstance, error) {
	suspended, err := s.journal.QuerySuspendedByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	for _, inst := range suspended {
		if inst.ID == userTaskInstanceID && inst.CorrelationID == correlationID && inst.FlowNodeType == api.BpmnTypeUserTask {
			return inst, nil
		}
	}
	return nil, api.NotFoundf("ProcessInstance '%s' in Correlation '%s' does not have a UserTask with id '%s'",
		processInstanceID, correlationID, userTaskInstanceID)
}

// convert turns suspended instances into UserTasks. Other suspended flow
// nodes, such as timer events, are skipped.
func (s *Service) convert(ctx context.Context, identity api.Identity, suspended []*api.FlowNodeInstance) ([]UserTask, error) {
	tasks := make([]UserTask, 0, len(suspended))
	for _, inst := range suspended {
		if inst.FlowNodeType != api.BpmnTypeUserTask {
			continue
		}
		doc, err := s.model(ctx, identity, inst.ProcessInstanceID)
		if err != nil {
			return nil, err
		}

		task := UserTask{
			ID:                 inst.FlowNodeID,
			FlowNodeInstanceID: inst.ID,
			Name:               processmodel.FlowNodeName(doc, inst.FlowNodeID),
			CorrelationID:      inst.CorrelationID,
			ProcessModelID:     inst.ProcessModelID,
			ProcessInstanceID:  inst.ProcessInstanceID,
		}
		if tok, ok := inst.LastTokenOfType(api.TokenOnSuspend); ok {
			task.TokenPayload = tok.Payload
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// model returns the definition a process instance runs on. Entries are kept
// per user because visibility depends on the caller.
func (s *Service) model(ctx context.Context, identity api.Identity, processInstanceID string) (string, error) {
	key := processInstanceID + "-" + identity.UserID
	if doc, ok := s.models.Get(key); ok {
		return doc, nil
	}

	corr, err := s.correlations.GetByProcessInstanceID(ctx, identity, processInstanceID)
	if err != nil {
		return "", err
	}
	var doc string
	for _, member := range corr.ProcessInstances {
		if member.ProcessInstanceID == processInstanceID {
			doc = member.XML
			break
		}
	}
	s.models.Add(key, doc)
	return doc, nil
}
