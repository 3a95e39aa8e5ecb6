package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Builder provides a fluent API for constructing workflow specs.
// It accumulates errors during building and reports them all at Build() time.
type Builder struct {
	spec   Spec
	seen   map[string]bool
	errors []error
}

// NewBuilder creates a Builder for a named workflow spec.
func NewBuilder(name string) *Builder {
	return &Builder{
		spec: Spec{
			Name:     name,
			Metadata: make(map[string]any),
		},
		seen: make(map[string]bool),
	}
}

// WithDescription sets the description for the workflow.
func (b *Builder) WithDescription(desc string) *Builder {
	b.spec.Description = desc
	return b
}

// WithMetadata sets a metadata key on the workflow.
func (b *Builder) WithMetadata(key string, value any) *Builder {
	b.spec.Metadata[key] = value
	return b
}

// AddStep adds a step requiring the given capability tag. nextSteps lists
// the IDs of steps that depend on this one; forward references to steps
// added later are allowed and checked at Build time.
func (b *Builder) AddStep(id, capabilityTag string, params map[string]any, nextSteps ...string) *Builder {
	if id == "" {
		b.errors = append(b.errors, fmt.Errorf("step must have an ID"))
		return b
	}
	if b.seen[id] {
		b.errors = append(b.errors, fmt.Errorf("step with ID %q already exists", id))
		return b
	}

	b.seen[id] = true
	b.spec.Steps = append(b.spec.Steps, StepSpec{
		ID:         id,
		Capability: capabilityTag,
		Parameters: params,
		NextSteps:  nextSteps,
	})
	return b
}

// AddOptionalStep adds a step whose failure fails only its branch, not the
// whole workflow.
func (b *Builder) AddOptionalStep(id, capabilityTag string, params map[string]any, nextSteps ...string) *Builder {
	b.AddStep(id, capabilityTag, params, nextSteps...)
	if len(b.spec.Steps) > 0 && b.spec.Steps[len(b.spec.Steps)-1].ID == id {
		b.spec.Steps[len(b.spec.Steps)-1].Optional = true
	}
	return b
}

// Build validates the accumulated spec and returns it. All accumulated
// builder errors are reported together, followed by structural validation.
func (b *Builder) Build() (Spec, error) {
	if len(b.errors) > 0 {
		msgs := make([]string, len(b.errors))
		for i, err := range b.errors {
			msgs[i] = err.Error()
		}
		return Spec{}, errors.New("workflow builder errors: " + strings.Join(msgs, "; "))
	}

	if err := NewValidator().ValidateSpec(b.spec); err != nil {
		return Spec{}, err
	}

	return b.spec, nil
}
