package api

import (
	"encoding/json"
	"time"
)

// FlowNodeInstanceState is the lifecycle state of a FlowNodeInstance.
type FlowNodeInstanceState string

const (
	StateRunning    FlowNodeInstanceState = "running"
	StateSuspended  FlowNodeInstanceState = "suspended"
	StateFinished   FlowNodeInstanceState = "finished"
	StateError      FlowNodeInstanceState = "error"
	StateTerminated FlowNodeInstanceState = "terminated"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s FlowNodeInstanceState) IsTerminal() bool {
	return s == StateFinished || s == StateError || s == StateTerminated
}

// IsActive reports whether s is running or suspended.
func (s FlowNodeInstanceState) IsActive() bool {
	return s == StateRunning || s == StateSuspended
}

// TokenType identifies the lifecycle event a ProcessToken was recorded for.
type TokenType string

const (
	TokenOnEnter   TokenType = "onEnter"
	TokenOnExit    TokenType = "onExit"
	TokenOnSuspend TokenType = "onSuspend"
	TokenOnResume  TokenType = "onResume"
)

// BPMN element types the engine treats specially.
const (
	BpmnTypeUserTask = "bpmn:UserTask"
)

// FlowNodeDescriptor references the model element a FlowNodeInstance
// executes.
type FlowNodeDescriptor struct {
	ID        string
	Type      string
	EventType string
}

// ProcessToken is one journal entry of a FlowNodeInstance. The interpreter
// passes a token carrying the process context and payload; the journal fills
// in the owning instance, the type and the creation time.
type ProcessToken struct {
	Sequence           int64
	FlowNodeInstanceID string
	Type               TokenType

	CorrelationID     string
	ProcessModelID    string
	ProcessInstanceID string
	CallerID          string
	Identity          Identity

	Payload   json.RawMessage
	CreatedAt time.Time
}

// FlowNodeInstance is one concrete occurrence of a flow node during one
// process instance's execution.
type FlowNodeInstance struct {
	ID                         string
	FlowNodeID                 string
	FlowNodeType               string
	EventType                  string
	CorrelationID              string
	ProcessModelID             string
	ProcessInstanceID          string
	ParentProcessInstanceID    string
	Owner                      Identity
	PreviousFlowNodeInstanceID string
	State                      FlowNodeInstanceState
	Error                      *ErrorPayload
	CreatedAt                  time.Time
	UpdatedAt                  time.Time

	// Tokens are ordered oldest first.
	Tokens []ProcessToken
}

// LastTokenOfType returns the most recent token with the given type.
func (f *FlowNodeInstance) LastTokenOfType(t TokenType) (ProcessToken, bool) {
	for i := len(f.Tokens) - 1; i >= 0; i-- {
		if f.Tokens[i].Type == t {
			return f.Tokens[i], true
		}
	}
	return ProcessToken{}, false
}
