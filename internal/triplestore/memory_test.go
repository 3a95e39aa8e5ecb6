package triplestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutIsUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "workflow:w1", PredStatus, "pending"))
	require.NoError(t, s.Put(ctx, "workflow:w1", PredStatus, "running"))

	got, err := s.Query(ctx, Pattern{Subject: "workflow:w1", Predicate: PredStatus})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "running", got[0].Object)
	assert.Equal(t, 1, s.Count())
}

func TestMemoryStore_QueryWildcards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "workflow:w1", PredType, TypeWorkflow))
	require.NoError(t, s.Put(ctx, "workflow:w2", PredType, TypeWorkflow))
	require.NoError(t, s.Put(ctx, "step:w1:a", PredType, TypeStep))

	byType, err := s.Query(ctx, Pattern{Predicate: PredType, Object: TypeWorkflow})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	bySubject, err := s.Query(ctx, Pattern{Subject: "step:w1:a"})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, TypeStep, bySubject[0].Object)

	all, err := s.Query(ctx, Pattern{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.Query(ctx, Pattern{Subject: "missing"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_DeleteSubject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "workflow:w1", PredType, TypeWorkflow))
	require.NoError(t, s.Put(ctx, "workflow:w1", PredStatus, "pending"))
	require.NoError(t, s.Put(ctx, "workflow:w2", PredType, TypeWorkflow))

	require.NoError(t, s.DeleteSubject(ctx, "workflow:w1"))

	got, err := s.Query(ctx, Pattern{Subject: "workflow:w1"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, s.Count())

	// Deleting an absent subject is a no-op.
	require.NoError(t, s.DeleteSubject(ctx, "workflow:w1"))
}

func TestPattern_Matches(t *testing.T) {
	triple := Triple{Subject: "workflow:w1", Predicate: PredStatus, Object: "running"}

	assert.True(t, Pattern{}.Matches(triple))
	assert.True(t, Pattern{Subject: "workflow:w1"}.Matches(triple))
	assert.True(t, Pattern{Predicate: PredStatus, Object: "running"}.Matches(triple))
	assert.False(t, Pattern{Subject: "workflow:w2"}.Matches(triple))
	assert.False(t, Pattern{Object: "pending"}.Matches(triple))
}
