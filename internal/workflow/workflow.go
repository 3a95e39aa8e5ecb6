package workflow

import (
	"time"

	"github.com/nicholaskb/semant/internal/capability"
	"github.com/nicholaskb/semant/internal/types"
)

// Status represents the current status of a workflow.
type Status string

const (
	// StatusCreated indicates the workflow spec was accepted but the
	// workflow has not yet been queued for execution.
	StatusCreated Status = "created"

	// StatusPending indicates the workflow is registered and waiting to run.
	StatusPending Status = "pending"

	// StatusAssembled indicates an external assembly step finalized the
	// workflow's output while it was pending. Terminal for the engine.
	StatusAssembled Status = "assembled"

	// StatusRunning indicates the workflow's steps are being dispatched.
	StatusRunning Status = "running"

	// StatusCompleted indicates every step reached a successful terminal state.
	StatusCompleted Status = "completed"

	// StatusFailed indicates a mandatory step failed or validation failed.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the workflow was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the workflow status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status represents a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAssembled, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// workflowTransitions is the one-directional workflow transition table.
var workflowTransitions = map[Status][]Status{
	StatusCreated: {StatusPending, StatusFailed, StatusCancelled},
	StatusPending: {StatusRunning, StatusAssembled, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a workflow may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range workflowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Workflow is a capability-tagged DAG of steps plus its execution status.
// After creation a workflow is owned exclusively by the Store and mutated
// only through status-transition operations.
type Workflow struct {
	// ID is the unique identifier for this workflow.
	ID types.ID `json:"id"`

	// Name is a human-readable name for the workflow.
	Name string `json:"name"`

	// Description provides additional context about what this workflow does.
	Description string `json:"description"`

	// Steps contains all steps in the workflow, indexed by step ID.
	Steps map[string]*Step `json:"steps"`

	// Status is the workflow's position in the state machine.
	Status Status `json:"status"`

	// Error names the failing step when the workflow fails.
	Error string `json:"error,omitempty"`

	// Metadata contains free-form workflow metadata (theme, revision
	// history, required-capability summary).
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the workflow was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the workflow or any of its steps last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// GetStep retrieves a step by its ID. Returns nil if not found.
func (w *Workflow) GetStep(id string) *Step {
	if w.Steps == nil {
		return nil
	}
	return w.Steps[id]
}

// Predecessors returns the IDs of steps that list stepID in their
// NextSteps. The reverse relation is always derived from the stored edge
// list, never stored redundantly.
func (w *Workflow) Predecessors(stepID string) []string {
	var preds []string
	for id, step := range w.Steps {
		for _, next := range step.NextSteps {
			if next == stepID {
				preds = append(preds, id)
				break
			}
		}
	}
	return preds
}

// EntrySteps returns steps with no predecessors. These become eligible as
// soon as the workflow enters the running state.
func (w *Workflow) EntrySteps() []*Step {
	incoming := make(map[string]bool, len(w.Steps))
	for _, step := range w.Steps {
		for _, next := range step.NextSteps {
			incoming[next] = true
		}
	}

	var entries []*Step
	for id, step := range w.Steps {
		if !incoming[id] {
			entries = append(entries, step)
		}
	}
	return entries
}

// RequiredCapabilities returns the distinct capability tags required
// across all steps.
func (w *Workflow) RequiredCapabilities() []capability.Tag {
	seen := make(map[string]bool)
	var tags []capability.Tag
	for _, step := range w.Steps {
		key := step.Capability.String()
		if !seen[key] {
			seen[key] = true
			tags = append(tags, step.Capability)
		}
	}
	return tags
}

// IsComplete reports whether every step has reached a terminal status.
func (w *Workflow) IsComplete() bool {
	for _, step := range w.Steps {
		if !step.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the workflow. The Store hands out clones so
// callers can never mutate canonical state.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.Steps = make(map[string]*Step, len(w.Steps))
	for id, step := range w.Steps {
		out.Steps[id] = step.Clone()
	}
	if w.Metadata != nil {
		out.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
