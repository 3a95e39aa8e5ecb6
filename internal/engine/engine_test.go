package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicholaskb/semant/internal/capability"
	"github.com/nicholaskb/semant/internal/config"
	"github.com/nicholaskb/semant/internal/events"
	"github.com/nicholaskb/semant/internal/message"
	"github.com/nicholaskb/semant/internal/provenance"
	"github.com/nicholaskb/semant/internal/triplestore"
	"github.com/nicholaskb/semant/internal/workflow"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Scheduler.TickInterval = 10 * time.Millisecond
	cfg.Scheduler.BackoffBase = time.Millisecond
	cfg.Review.Deadline = 2 * time.Second

	eng, err := New(cfg, WithTripleStore(triplestore.NewMemoryStore()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = eng.Close(closeCtx)
		cancel()
	})
	return eng
}

func tags(raw ...string) []capability.Tag {
	out := make([]capability.Tag, 0, len(raw))
	for _, r := range raw {
		out = append(out, capability.MustParseTag(r))
	}
	return out
}

func TestEngine_SubmitRunsWorkflowEndToEnd(t *testing.T) {
	eng := testEngine(t)

	require.NoError(t, eng.RegisterAgent("reviewer-1", tags("review@v1"),
		message.HandlerFunc(func(_ context.Context, env message.Envelope) (message.Envelope, error) {
			return env.Reply(message.MessageTypeStepResult, map[string]any{"recommendation": "approve"}), nil
		})))
	require.NoError(t, eng.RegisterAgent("worker-1", tags("work@v1"),
		message.HandlerFunc(func(_ context.Context, env message.Envelope) (message.Envelope, error) {
			return env.Reply(message.MessageTypeStepResult, map[string]any{"ok": true}), nil
		})))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	final, err := eng.Submit(ctx, workflow.Spec{
		Name: "end-to-end",
		Steps: []workflow.StepSpec{
			{ID: "s1", Capability: "work@v1", NextSteps: []string{"s2"}},
			{ID: "s2", Capability: "work@v1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)

	got, err := eng.GetWorkflow(final.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)

	// Provenance recorded the run and both step executions.
	runs := eng.Provenance().Query(provenance.Filter{Kind: provenance.KindWorkflow, SubjectID: final.ID.String()})
	assert.NotEmpty(t, runs)
	interactions := eng.Provenance().Query(provenance.Filter{Kind: provenance.KindAgentInteraction, SubjectID: "worker-1"})
	assert.Len(t, interactions, 2)
}

func TestEngine_RegisterAgentRollsBackOnAttachFailure(t *testing.T) {
	eng := testEngine(t)

	handler := message.HandlerFunc(func(_ context.Context, env message.Envelope) (message.Envelope, error) {
		return env.Reply(message.MessageTypeStepResult, nil), nil
	})
	require.NoError(t, eng.RegisterAgent("worker-1", tags("work@v1"), handler))

	// Same ID again: the registry rejects it before the channel is touched.
	err := eng.RegisterAgent("worker-1", tags("work@v1"), handler)
	require.Error(t, err)

	// A nil handler fails the attach and rolls the registration back.
	err = eng.RegisterAgent("worker-2", tags("work@v1"), nil)
	require.Error(t, err)
	for _, desc := range eng.Agents() {
		assert.NotEqual(t, "worker-2", desc.AgentID)
	}
}

func TestEngine_DeregisterIsIdempotent(t *testing.T) {
	eng := testEngine(t)

	handler := message.HandlerFunc(func(_ context.Context, env message.Envelope) (message.Envelope, error) {
		return env.Reply(message.MessageTypeStepResult, nil), nil
	})
	require.NoError(t, eng.RegisterAgent("worker-1", tags("work@v1"), handler))
	require.Len(t, eng.Agents(), 1)

	eng.DeregisterAgent("worker-1")
	assert.Empty(t, eng.Agents())
	eng.DeregisterAgent("worker-1")
}

func TestEngine_BusObservesWorkflowEvents(t *testing.T) {
	eng := testEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ch, unsubscribe := eng.Bus().Subscribe(ctx, events.Filter{
		Types: []events.EventType{events.EventWorkflowCreated, events.EventWorkflowRunning, events.EventWorkflowCompleted},
	}, 16)
	defer unsubscribe()

	require.NoError(t, eng.RegisterAgent("reviewer-1", tags("review@v1"),
		message.HandlerFunc(func(_ context.Context, env message.Envelope) (message.Envelope, error) {
			return env.Reply(message.MessageTypeStepResult, map[string]any{"recommendation": "approve"}), nil
		})))
	require.NoError(t, eng.RegisterAgent("worker-1", tags("work@v1"),
		message.HandlerFunc(func(_ context.Context, env message.Envelope) (message.Envelope, error) {
			return env.Reply(message.MessageTypeStepResult, nil), nil
		})))

	_, err := eng.Submit(ctx, workflow.Spec{
		Name:  "observed",
		Steps: []workflow.StepSpec{{ID: "s1", Capability: "work@v1"}},
	})
	require.NoError(t, err)

	seen := make(map[events.EventType]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case e := <-ch:
			seen[e.Type] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
}

func TestEngine_HealthCoversRegistryAndStore(t *testing.T) {
	eng := testEngine(t)

	health := eng.Health(context.Background())
	require.Contains(t, health, "registry")
	assert.True(t, health["registry"].IsHealthy())
	// The in-memory triple store exposes no health check.
	assert.NotContains(t, health, "triplestore")
}

func TestEngine_CancelBeforeExecution(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()

	// Build a workflow directly in the store; Submit would block on review.
	w, err := eng.store.CreateWorkflow(ctx, workflow.Spec{
		Name:  "cancel-me",
		Steps: []workflow.StepSpec{{ID: "s1", Capability: "work@v1"}},
	})
	require.NoError(t, err)

	require.NoError(t, eng.CancelWorkflow(ctx, w.ID))

	got, err := eng.GetWorkflow(w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)
	assert.Equal(t, workflow.StepStatusSkipped, got.GetStep("s1").Status)
}
