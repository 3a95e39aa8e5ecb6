package workflow

import (
	"time"

	"github.com/nicholaskb/semant/internal/capability"
)

// StepStatus represents the execution status of a single workflow step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is claimed and executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step exhausted its retry budget.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step never ran: its workflow was
	// cancelled, a mandatory predecessor failed, or an optional
	// predecessor's failure cut its branch.
	StepStatusSkipped StepStatus = "skipped"
)

// String returns the string representation of the step status.
func (s StepStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status represents a terminal state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// stepTransitions is the one-directional step transition table.
var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusRunning, StepStatusSkipped, StepStatusFailed},
	StepStatusRunning: {StepStatusCompleted, StepStatusFailed, StepStatusPending},
}

// CanTransitionStep reports whether a step may move from one status to
// another. running -> pending is the re-dispatch path: a failed attempt
// returns the step to pending until its retry budget is exhausted.
func CanTransitionStep(from, to StepStatus) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Step is a single unit of work inside a workflow: one capability tag, an
// opaque parameter payload, and the IDs of the steps that depend on it.
type Step struct {
	// ID is the step's identifier, unique within its workflow.
	ID string `json:"id"`

	// Capability is the single capability tag required to execute the step.
	Capability capability.Tag `json:"capability"`

	// Parameters is the opaque key/value payload passed to the worker.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Status is the step's position in the state machine.
	Status StepStatus `json:"status"`

	// AssignedAgent is set while the step is claimed and retained after
	// completion for provenance.
	AssignedAgent string `json:"assigned_agent,omitempty"`

	// Error holds the last attempt's failure, if any.
	Error string `json:"error,omitempty"`

	// Result holds the worker's result payload on completion.
	Result map[string]any `json:"result,omitempty"`

	// StartTime is when the step first entered running.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime is when the step reached a terminal status.
	EndTime *time.Time `json:"end_time,omitempty"`

	// NextSteps lists the IDs of steps that depend on this one. This is
	// the stored DAG edge list; the reverse relation is derived.
	NextSteps []string `json:"next_steps,omitempty"`

	// Optional marks a step whose failure does not fail the workflow,
	// only its downstream branch.
	Optional bool `json:"optional,omitempty"`

	// Attempts counts dispatch attempts made for this step.
	Attempts int `json:"attempts,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	out := *s
	out.NextSteps = append([]string(nil), s.NextSteps...)
	if s.Parameters != nil {
		out.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			out.Parameters[k] = v
		}
	}
	if s.Result != nil {
		out.Result = make(map[string]any, len(s.Result))
		for k, v := range s.Result {
			out.Result[k] = v
		}
	}
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}
