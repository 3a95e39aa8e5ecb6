package workflow

import (
	"fmt"
	"strings"

	"github.com/nicholaskb/semant/internal/capability"
	"github.com/nicholaskb/semant/internal/types"
)

// Validator checks workflow specifications before any state is created.
// It is stateless: it detects cycles, verifies edge targets exist, and
// checks capability tags, and can topologically sort a step graph.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateSpec runs all validation checks on a spec and returns the first
// error encountered. No workflow state exists until validation passes.
func (v *Validator) ValidateSpec(spec Spec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return types.NewError(types.WORKFLOW_VALIDATION_FAILED, "workflow must have a name")
	}
	if len(spec.Steps) == 0 {
		return types.NewError(types.WORKFLOW_VALIDATION_FAILED, "workflow must contain at least one step")
	}

	steps := make(map[string][]string, len(spec.Steps))
	for _, step := range spec.Steps {
		if step.ID == "" {
			return types.NewError(types.WORKFLOW_VALIDATION_FAILED, "every step must have an ID")
		}
		if _, dup := steps[step.ID]; dup {
			return types.NewError(types.WORKFLOW_VALIDATION_FAILED,
				fmt.Sprintf("duplicate step ID %q", step.ID))
		}
		if _, err := capability.ParseTag(step.Capability); err != nil {
			return types.WrapError(types.WORKFLOW_VALIDATION_FAILED,
				fmt.Sprintf("step %q has an invalid capability", step.ID), err)
		}
		steps[step.ID] = step.NextSteps
	}

	// Every next_steps target must exist.
	for id, nexts := range steps {
		for _, next := range nexts {
			if _, exists := steps[next]; !exists {
				return types.NewError(types.WORKFLOW_VALIDATION_FAILED,
					fmt.Sprintf("step %q references unknown next step %q", id, next))
			}
		}
	}

	if cycle := detectCycle(steps); len(cycle) > 0 {
		return types.NewError(types.WORKFLOW_CYCLE_DETECTED,
			fmt.Sprintf("cycle detected in workflow: %s", strings.Join(cycle, " -> ")))
	}

	return nil
}

// ValidateWorkflow re-runs the structural checks against an existing
// workflow, e.g. after a review revision changed the step graph.
func (v *Validator) ValidateWorkflow(w *Workflow) error {
	if w == nil || len(w.Steps) == 0 {
		return types.NewError(types.WORKFLOW_VALIDATION_FAILED, "workflow must contain at least one step")
	}

	edges := make(map[string][]string, len(w.Steps))
	for id, step := range w.Steps {
		if err := step.Capability.Validate(); err != nil {
			return types.WrapError(types.WORKFLOW_VALIDATION_FAILED,
				fmt.Sprintf("step %q has an invalid capability", id), err)
		}
		edges[id] = step.NextSteps
	}

	for id, nexts := range edges {
		for _, next := range nexts {
			if _, exists := edges[next]; !exists {
				return types.NewError(types.WORKFLOW_VALIDATION_FAILED,
					fmt.Sprintf("step %q references unknown next step %q", id, next))
			}
		}
	}

	if cycle := detectCycle(edges); len(cycle) > 0 {
		return types.NewError(types.WORKFLOW_CYCLE_DETECTED,
			fmt.Sprintf("cycle detected in workflow: %s", strings.Join(cycle, " -> ")))
	}

	return nil
}

// TopologicalSort orders step IDs so every step appears after all of its
// predecessors, using Kahn's algorithm. Returns an error if the graph has
// a cycle.
func (v *Validator) TopologicalSort(w *Workflow) ([]string, error) {
	if w == nil || len(w.Steps) == 0 {
		return []string{}, nil
	}

	inDegree := make(map[string]int, len(w.Steps))
	for id := range w.Steps {
		inDegree[id] = 0
	}
	for _, step := range w.Steps {
		for _, next := range step.NextSteps {
			inDegree[next]++
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(w.Steps))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, next := range w.Steps[current].NextSteps {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(w.Steps) {
		return nil, types.NewError(types.WORKFLOW_CYCLE_DETECTED,
			"cannot perform topological sort: cycle detected in workflow")
	}

	return result, nil
}

// detectCycle runs DFS with color marking over an adjacency list.
// Colors: 0 = unvisited, 1 = in-progress, 2 = done. Returns the nodes on
// a cycle path if one exists, otherwise nil.
func detectCycle(edges map[string][]string) []string {
	color := make(map[string]int, len(edges))
	parent := make(map[string]string, len(edges))

	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = 1

		for _, next := range edges[id] {
			switch color[next] {
			case 0:
				parent[next] = id
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			case 1:
				// Back edge found; reconstruct the cycle path.
				cycle := []string{next}
				current := id
				for current != next {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				return append([]string{next}, cycle...)
			}
		}

		color[id] = 2
		return nil
	}

	for id := range edges {
		if color[id] == 0 {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}
