package workflow

import (
	"time"

	"github.com/nicholaskb/semant/internal/capability"
	"github.com/nicholaskb/semant/internal/types"
)

// Spec is the caller-facing workflow specification submitted to the engine.
// It is validated and converted to a Workflow by the Store.
type Spec struct {
	// ID is optional; the Store assigns one when absent.
	ID types.ID `json:"id,omitempty" yaml:"id,omitempty"`

	// Name is a human-readable workflow name.
	Name string `json:"name" yaml:"name"`

	// Description provides additional context.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Steps is the list of step specifications.
	Steps []StepSpec `json:"steps" yaml:"steps"`

	// Metadata is free-form workflow metadata.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepSpec is a single step in a workflow specification.
type StepSpec struct {
	// ID is the step identifier, unique within the spec.
	ID string `json:"id" yaml:"id"`

	// Capability is the capability tag string, e.g. "generate@v1".
	Capability string `json:"capability" yaml:"capability"`

	// Parameters is the opaque payload passed to the worker.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// NextSteps lists step IDs that depend on this step.
	NextSteps []string `json:"next_steps,omitempty" yaml:"next_steps,omitempty"`

	// Optional marks the step's failure as non-fatal for the workflow.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ToWorkflow converts a validated spec into a Workflow in the created
// state. Capability tags must already have been parsed by the validator;
// a malformed tag still fails here.
func (s Spec) ToWorkflow() (*Workflow, error) {
	id := s.ID
	if id.IsZero() {
		id = types.NewID()
	}

	now := time.Now()
	w := &Workflow{
		ID:          id,
		Name:        s.Name,
		Description: s.Description,
		Steps:       make(map[string]*Step, len(s.Steps)),
		Status:      StatusCreated,
		Metadata:    s.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, stepSpec := range s.Steps {
		tag, err := capability.ParseTag(stepSpec.Capability)
		if err != nil {
			return nil, err
		}
		w.Steps[stepSpec.ID] = &Step{
			ID:         stepSpec.ID,
			Capability: tag,
			Parameters: stepSpec.Parameters,
			Status:     StepStatusPending,
			NextSteps:  append([]string(nil), stepSpec.NextSteps...),
			Optional:   stepSpec.Optional,
		}
	}

	return w, nil
}
