package provenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicholaskb/semant/internal/types"
)

type failingSink struct{}

func (failingSink) SaveOccurrent(context.Context, *Occurrent) error {
	return errors.New("disk full")
}

func TestAppend_OpenThenSealIsWriteOnce(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	o := NewOccurrent(KindStep, "step:w1:fetch", "running")
	require.NoError(t, l.Append(ctx, o))

	// Updating the open occurrent replaces the stored copy.
	o.Result = map[string]any{"rows": 7}
	require.NoError(t, l.Append(ctx, o))

	o.Close("completed")
	require.NoError(t, l.Append(ctx, o))

	got := l.Query(Filter{SubjectID: "step:w1:fetch"})
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].Status)
	assert.True(t, got[0].Sealed())
	assert.Equal(t, map[string]any{"rows": 7}, got[0].Result)

	// Sealed records reject any further append.
	o.Status = "tampered"
	err := l.Append(ctx, o)
	require.Error(t, err)
	assert.Equal(t, types.PERSISTENCE_FAILED, types.CodeOf(err))

	got = l.Query(Filter{SubjectID: "step:w1:fetch"})
	assert.Equal(t, "completed", got[0].Status)
}

func TestAppend_RejectsNilAndInvalidKind(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	require.Error(t, l.Append(ctx, nil))

	bad := NewOccurrent(Kind("telemetry"), "x", "open")
	err := l.Append(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, types.PERSISTENCE_FAILED, types.CodeOf(err))
	assert.Zero(t, l.Count())
}

func TestAppend_SinkFailureKeepsMemoryRecord(t *testing.T) {
	l := NewLog(failingSink{})
	ctx := context.Background()

	o := NewOccurrent(KindWorkflow, "workflow:w1", "running")
	err := l.Append(ctx, o)
	require.Error(t, err)
	assert.Equal(t, types.PERSISTENCE_FAILED, types.CodeOf(err))

	assert.Equal(t, 1, l.Count())
	assert.Len(t, l.Query(Filter{SubjectID: "workflow:w1"}), 1)
}

func TestClose_IsIdempotent(t *testing.T) {
	o := NewOccurrent(KindStep, "step:w1:a", "running")
	o.Close("completed")
	first := *o.EndTime

	o.Close("failed")
	assert.Equal(t, "completed", o.Status)
	assert.Equal(t, first, *o.EndTime)
}

func TestQuery_FiltersAndOrders(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	early := NewOccurrent(KindStep, "step:w1:a", "running")
	early.StartTime = time.Now().Add(-time.Hour)
	early.Close("completed")
	require.NoError(t, l.Append(ctx, early))

	late := NewOccurrent(KindStep, "step:w1:b", "running")
	require.NoError(t, l.Append(ctx, late))

	other := NewOccurrent(KindAgentInteraction, "agent-1", "dispatched")
	require.NoError(t, l.Append(ctx, other))

	steps := l.Query(Filter{Kind: KindStep})
	require.Len(t, steps, 2)
	assert.Equal(t, "step:w1:b", steps[0].SubjectID)
	assert.Equal(t, "step:w1:a", steps[1].SubjectID)

	recent := l.Query(Filter{Since: time.Now().Add(-time.Minute)})
	require.Len(t, recent, 2)
	for _, o := range recent {
		assert.NotEqual(t, "step:w1:a", o.SubjectID)
	}

	byStatus := l.Query(Filter{Status: "completed"})
	require.Len(t, byStatus, 1)
	assert.Equal(t, "step:w1:a", byStatus[0].SubjectID)

	assert.Empty(t, l.Query(Filter{SubjectID: "nope"}))
}

func TestQuery_ReturnsClones(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	o := NewOccurrent(KindWorkflow, "workflow:w1", "running")
	require.NoError(t, l.Append(ctx, o))

	got := l.Query(Filter{})
	require.Len(t, got, 1)
	got[0].Status = "mutated"

	again := l.Query(Filter{})
	assert.Equal(t, "running", again[0].Status)
}
