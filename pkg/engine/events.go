// Package engine implements the AI-assisted test execution core: a per-execution
// state machine driven by a pluggable step strategy, a process-wide registry of
// in-flight executions, and a typed event stream for observers. The transport
// behind the event stream is abstracted as EventChannel; pkg/ipc provides the
// websocket-backed implementation.
package engine

import "time"

// EventType identifies a message pushed to the execution's observer.
type EventType string

const (
	EventExecutionStarted     EventType = "execution_started"
	EventStepStarted          EventType = "step_started"
	EventStepCompleted        EventType = "step_completed"
	EventStepFailed           EventType = "step_failed"
	EventBrowserStateUpdate   EventType = "browser_state_update"
	EventInterventionRequired EventType = "user_intervention_required"
	EventExecutionCompleted   EventType = "execution_completed"
	EventExecutionFailed      EventType = "execution_failed"
)

// Event is a single message on an execution's event stream.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"executionId"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Payload shapes, one per event type.

type StartedPayload struct {
	TotalSteps int `json:"totalSteps"`
}

type StepStartedPayload struct {
	StepNumber  int    `json:"stepNumber"`
	Description string `json:"description"`
}

type StepCompletedPayload struct {
	StepNumber int    `json:"stepNumber"`
	AIOutput   string `json:"aiOutput"`
	Evidence   string `json:"evidence,omitempty"`
}

type StepFailedPayload struct {
	StepNumber int    `json:"stepNumber"`
	Error      string `json:"error"`
}

type BrowserStatePayload struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	IsLoading bool   `json:"isLoading"`
}

type InterventionPayload struct {
	StepNumber int    `json:"stepNumber"`
	Reason     string `json:"reason"`
}

type CompletedPayload struct {
	ExecutionID string `json:"executionId"`
	Results     Report `json:"results"`
}

type FailedPayload struct {
	ExecutionID string  `json:"executionId"`
	Error       string  `json:"error"`
	Results     *Report `json:"results,omitempty"`
}

// EventChannel is the outbound half of the bidirectional link between the
// engine and whatever observes a running execution. Send failures are
// non-fatal to the run loop; the engine logs and keeps going. Commands travel
// the other way through Engine.Dispatch.
type EventChannel interface {
	Send(event Event) error
	Close() error
}

// CommandType identifies an observer-issued control command.
type CommandType string

const (
	CommandPause                CommandType = "pause"
	CommandResume               CommandType = "resume"
	CommandStop                 CommandType = "stop"
	CommandTakeover             CommandType = "takeover"
	CommandInterventionComplete CommandType = "intervention_complete"
)

// Command is a control message for a running execution. Commands against
// unknown executions or invalid states are no-ops, never errors; they arrive
// asynchronously and races with natural completion are expected.
type Command struct {
	Type        CommandType `json:"type"`
	ExecutionID string      `json:"executionId,omitempty"`
	Note        string      `json:"note,omitempty"`
}
