package events

import (
	"time"

	"github.com/nicholaskb/semant/internal/types"
)

// EventType identifies the category and nature of an engine event.
type EventType string

// Workflow lifecycle events.
const (
	EventWorkflowCreated    EventType = "workflow.created"
	EventWorkflowRegistered EventType = "workflow.registered"
	EventWorkflowRunning    EventType = "workflow.running"
	EventWorkflowCompleted  EventType = "workflow.completed"
	EventWorkflowFailed     EventType = "workflow.failed"
	EventWorkflowCancelled  EventType = "workflow.cancelled"
)

// Step execution events, published by the scheduler as it dispatches and
// settles steps.
const (
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepSkipped   EventType = "step.skipped"
	EventStepRetried   EventType = "step.retried"
)

// Agent lifecycle events.
const (
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDeregistered EventType = "agent.deregistered"
	EventAgentUnreachable  EventType = "agent.unreachable"
)

// Pipeline phase events.
const (
	EventPhaseEntered  EventType = "pipeline.phase_entered"
	EventReviewGranted EventType = "pipeline.review_approved"
	EventReviewDenied  EventType = "pipeline.review_rejected"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is one engine observability event. Events are advisory: dropping
// one never affects engine correctness, only what observers see.
type Event struct {
	// Type identifies the category and nature of the event.
	Type EventType `json:"type"`

	// Timestamp records when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// WorkflowID associates the event with a workflow (empty for
	// registry-level events).
	WorkflowID types.ID `json:"workflow_id,omitempty"`

	// StepID associates the event with a step.
	StepID string `json:"step_id,omitempty"`

	// AgentID associates the event with an agent.
	AgentID string `json:"agent_id,omitempty"`

	// Data carries event-specific payload fields.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithWorkflow attaches a workflow ID to the event.
func (e Event) WithWorkflow(id types.ID) Event {
	e.WorkflowID = id
	return e
}

// WithStep attaches a step ID to the event.
func (e Event) WithStep(stepID string) Event {
	e.StepID = stepID
	return e
}

// WithAgent attaches an agent ID to the event.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WithData sets a payload field on the event.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// Filter selects which events a subscriber receives. A zero filter
// matches everything.
type Filter struct {
	// Types restricts delivery to these event types when non-empty.
	Types []EventType

	// WorkflowID restricts delivery to one workflow's events when set.
	WorkflowID types.ID

	// AgentID restricts delivery to one agent's events when set.
	AgentID string
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.WorkflowID.IsZero() && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	return true
}
