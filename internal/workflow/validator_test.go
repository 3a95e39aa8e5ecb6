package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicholaskb/semant/internal/types"
)

func specWithSteps(steps ...StepSpec) Spec {
	return Spec{Name: "test-workflow", Steps: steps}
}

func TestValidateSpec_AcceptsLinearChain(t *testing.T) {
	v := NewValidator()

	spec := specWithSteps(
		StepSpec{ID: "fetch", Capability: "fetch@v1", NextSteps: []string{"transform"}},
		StepSpec{ID: "transform", Capability: "transform@v1", NextSteps: []string{"store"}},
		StepSpec{ID: "store", Capability: "store@v1"},
	)

	assert.NoError(t, v.ValidateSpec(spec))
}

func TestValidateSpec_RejectsCycle(t *testing.T) {
	v := NewValidator()

	spec := specWithSteps(
		StepSpec{ID: "a", Capability: "work@v1", NextSteps: []string{"b"}},
		StepSpec{ID: "b", Capability: "work@v1", NextSteps: []string{"c"}},
		StepSpec{ID: "c", Capability: "work@v1", NextSteps: []string{"a"}},
	)

	err := v.ValidateSpec(spec)
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_CYCLE_DETECTED, types.CodeOf(err))
}

func TestValidateSpec_RejectsSelfLoop(t *testing.T) {
	v := NewValidator()

	spec := specWithSteps(
		StepSpec{ID: "a", Capability: "work@v1", NextSteps: []string{"a"}},
	)

	err := v.ValidateSpec(spec)
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_CYCLE_DETECTED, types.CodeOf(err))
}

func TestValidateSpec_RejectsUnknownNextStep(t *testing.T) {
	v := NewValidator()

	spec := specWithSteps(
		StepSpec{ID: "a", Capability: "work@v1", NextSteps: []string{"ghost"}},
	)

	err := v.ValidateSpec(spec)
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_VALIDATION_FAILED, types.CodeOf(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateSpec_RejectsDuplicateStepID(t *testing.T) {
	v := NewValidator()

	spec := specWithSteps(
		StepSpec{ID: "a", Capability: "work@v1"},
		StepSpec{ID: "a", Capability: "work@v2"},
	)

	err := v.ValidateSpec(spec)
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_VALIDATION_FAILED, types.CodeOf(err))
}

func TestValidateSpec_RejectsInvalidCapability(t *testing.T) {
	v := NewValidator()

	spec := specWithSteps(
		StepSpec{ID: "a", Capability: "Not A Tag"},
	)

	err := v.ValidateSpec(spec)
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_VALIDATION_FAILED, types.CodeOf(err))
}

func TestValidateSpec_RejectsEmptyNameAndNoSteps(t *testing.T) {
	v := NewValidator()

	err := v.ValidateSpec(Spec{Name: "  ", Steps: []StepSpec{{ID: "a", Capability: "work@v1"}}})
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_VALIDATION_FAILED, types.CodeOf(err))

	err = v.ValidateSpec(Spec{Name: "empty"})
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_VALIDATION_FAILED, types.CodeOf(err))
}

func TestTopologicalSort_RespectsDependencies(t *testing.T) {
	v := NewValidator()

	spec := specWithSteps(
		StepSpec{ID: "fetch", Capability: "fetch@v1", NextSteps: []string{"left", "right"}},
		StepSpec{ID: "left", Capability: "work@v1", NextSteps: []string{"join"}},
		StepSpec{ID: "right", Capability: "work@v1", NextSteps: []string{"join"}},
		StepSpec{ID: "join", Capability: "store@v1"},
	)
	w, err := spec.ToWorkflow()
	require.NoError(t, err)

	order, err := v.TopologicalSort(w)
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["fetch"], pos["left"])
	assert.Less(t, pos["fetch"], pos["right"])
	assert.Less(t, pos["left"], pos["join"])
	assert.Less(t, pos["right"], pos["join"])
}

func TestTopologicalSort_FailsOnCycle(t *testing.T) {
	v := NewValidator()

	// Build the workflow by hand; ToWorkflow is only reachable after
	// validation, which would already reject the cycle.
	w := &Workflow{
		ID:     types.NewID(),
		Name:   "cyclic",
		Status: StatusCreated,
		Steps: map[string]*Step{
			"a": {ID: "a", NextSteps: []string{"b"}},
			"b": {ID: "b", NextSteps: []string{"a"}},
		},
	}

	_, err := v.TopologicalSort(w)
	require.Error(t, err)
	assert.Equal(t, types.WORKFLOW_CYCLE_DETECTED, types.CodeOf(err))
}
