package usertask

import (
	"encoding/json"
	"strings"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const (
	finishTopicTemplate   = "/processengine/correlation/:correlation_id/processinstance/:process_instance_id/usertask/:flow_node_instance_id/finish"
	finishedTopicTemplate = "/processengine/correlation/:correlation_id/processinstance/:process_instance_id/usertask/:flow_node_instance_id/finished"
)

func topic(template, correlationID, processInstanceID, flowNodeInstanceID string) string {
	return strings.NewReplacer(
		":correlation_id", correlationID,
		":process_instance_id", processInstanceID,
		":flow_node_instance_id", flowNodeInstanceID,
	).Replace(template)
}

// FinishTopic is the topic the interpreter listens on for answers to a
// waiting user task.
func FinishTopic(correlationID, processInstanceID, flowNodeInstanceID string) string {
	return topic(finishTopicTemplate, correlationID, processInstanceID, flowNodeInstanceID)
}

// FinishedTopic is the topic the interpreter publishes on once the user task
// has been finished.
func FinishedTopic(correlationID, processInstanceID, flowNodeInstanceID string) string {
	return topic(finishedTopicTemplate, correlationID, processInstanceID, flowNodeInstanceID)
}

// FinishUserTaskMessage asks the interpreter to finish a waiting user task.
type FinishUserTaskMessage struct {
	CorrelationID      string          `json:"correlationId"`
	ProcessModelID     string          `json:"processModelId"`
	ProcessInstanceID  string          `json:"processInstanceId"`
	FlowNodeID         string          `json:"flowNodeId"`
	FlowNodeInstanceID string          `json:"flowNodeInstanceId"`
	Identity           api.Identity    `json:"identity"`
	Result             json.RawMessage `json:"result"`
	CurrentToken       json.RawMessage `json:"currentToken,omitempty"`
}

// UserTaskFinishedMessage reports that the interpreter finished a user task.
type UserTaskFinishedMessage struct {
	CorrelationID      string          `json:"correlationId"`
	ProcessModelID     string          `json:"processModelId"`
	ProcessInstanceID  string          `json:"processInstanceId"`
	FlowNodeID         string          `json:"flowNodeId"`
	FlowNodeInstanceID string          `json:"flowNodeInstanceId"`
	UserTaskResult     json.RawMessage `json:"userTaskResult,omitempty"`
	CurrentToken       json.RawMessage `json:"currentToken,omitempty"`
}
