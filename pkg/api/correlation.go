package api

import "time"

// CorrelationState is the state of one correlation member or of the whole
// correlation.
type CorrelationState string

const (
	CorrelationRunning  CorrelationState = "running"
	CorrelationFinished CorrelationState = "finished"
	CorrelationError    CorrelationState = "error"
)

// CorrelationProcessInstance is one member row of a correlation.
type CorrelationProcessInstance struct {
	CorrelationID           string
	ProcessInstanceID       string
	ProcessModelID          string
	ProcessModelHash        string
	ParentProcessInstanceID string
	Identity                Identity
	State                   CorrelationState
	Error                   *ErrorPayload
	CreatedAt               time.Time

	// XML is the definition version referenced by ProcessModelHash. It is
	// only populated on reads.
	XML string
}

// Correlation groups process instances that belong to one logical run.
type Correlation struct {
	ID               string
	State            CorrelationState
	Error            *ErrorPayload
	CreatedAt        time.Time
	ProcessInstances []CorrelationProcessInstance
}

// ProcessDefinition is one immutable version of a deployed process model.
type ProcessDefinition struct {
	Name      string
	XML       string
	Hash      string
	CreatedAt time.Time
}
