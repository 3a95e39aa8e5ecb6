package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicholaskb/semant/internal/capability"
	"github.com/nicholaskb/semant/internal/message"
	"github.com/nicholaskb/semant/internal/provenance"
	"github.com/nicholaskb/semant/internal/workflow"
)

// harness wires a scheduler against in-memory collaborators and runs it
// until the test ends.
type harness struct {
	store    *workflow.Store
	registry *capability.InMemoryRegistry
	channel  *message.Channel
	log      *provenance.Log
	sched    *Scheduler
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.DispatchTimeout = time.Second
	cfg.DiscoveryMaxWait = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config, regOpts ...capability.RegistryOption) *harness {
	t.Helper()

	h := &harness{
		store:   workflow.NewStore(nil),
		channel: message.NewChannel(),
		log:     provenance.NewLog(nil),
	}
	var sched *Scheduler
	regOpts = append(regOpts, capability.WithReleaseHook(func(string) {
		if sched != nil {
			sched.Wake()
		}
	}))
	h.registry = capability.NewRegistry(regOpts...)
	sched = New(h.store, h.registry, h.channel, h.log, cfg)
	h.sched = sched

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.channel.Close()
	})
	return h
}

func (h *harness) attachWorker(t *testing.T, agentID, tag string, handler message.HandlerFunc) {
	t.Helper()
	require.NoError(t, h.registry.Register(agentID, []capability.Tag{capability.MustParseTag(tag)}))
	require.NoError(t, h.channel.Attach(agentID, handler, 8))
}

// startWorkflow creates, registers, and starts a workflow, then wakes the
// scheduler.
func (h *harness) startWorkflow(t *testing.T, spec workflow.Spec) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()

	w, err := h.store.CreateWorkflow(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, h.store.RegisterWorkflow(ctx, w.ID))
	require.NoError(t, h.store.UpdateWorkflowStatus(ctx, w.ID, workflow.StatusRunning))
	h.sched.Wake()
	return w
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScheduler_RunsDependentStepsInOrder(t *testing.T) {
	h := newHarness(t, testConfig())

	var mu sync.Mutex
	var dispatched []string
	h.attachWorker(t, "worker-1", "work@v1", func(ctx context.Context, env message.Envelope) (message.Envelope, error) {
		mu.Lock()
		dispatched = append(dispatched, env.Content["step_id"].(string))
		mu.Unlock()
		return env.Reply(message.MessageTypeStepResult, map[string]any{"ok": true}), nil
	})

	w := h.startWorkflow(t, workflow.Spec{
		Name: "ordered",
		Steps: []workflow.StepSpec{
			{ID: "s1", Capability: "work@v1", NextSteps: []string{"s2"}},
			{ID: "s2", Capability: "work@v1"},
		},
	})

	final, err := h.sched.WaitWorkflow(waitCtx(t), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.GetStep("s1").Attempts)
	assert.Equal(t, map[string]any{"ok": true}, final.GetStep("s2").Result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"s1", "s2"}, dispatched)

	// Each step run left a completed occurrent behind, and the successor
	// never started before its predecessor ended.
	runs := h.log.Query(provenance.Filter{Kind: provenance.KindStep, Status: workflow.StepStatusCompleted.String()})
	require.Len(t, runs, 2)
	byStep := make(map[string]*provenance.Occurrent, len(runs))
	for _, run := range runs {
		byStep[run.SubjectID] = run
	}
	require.NotNil(t, byStep["s1"])
	require.NotNil(t, byStep["s2"])
	require.NotNil(t, byStep["s1"].EndTime)
	assert.False(t, byStep["s2"].StartTime.Before(*byStep["s1"].EndTime))
}

func TestScheduler_WorkerFailuresExhaustAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)

	h.attachWorker(t, "worker-1", "work@v1", func(ctx context.Context, env message.Envelope) (message.Envelope, error) {
		return env.Reply(message.MessageTypeErrorResponse, map[string]any{"error": "bad input"}), nil
	})

	w := h.startWorkflow(t, workflow.Spec{
		Name:  "failing",
		Steps: []workflow.StepSpec{{ID: "s1", Capability: "work@v1", NextSteps: []string{"s2"}}, {ID: "s2", Capability: "work@v1"}},
	})

	final, err := h.sched.WaitWorkflow(waitCtx(t), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "s1")
	assert.Contains(t, final.Error, "bad input")
	assert.Equal(t, workflow.StepStatusFailed, final.GetStep("s1").Status)
	assert.Equal(t, 2, final.GetStep("s1").Attempts)
	assert.Equal(t, workflow.StepStatusSkipped, final.GetStep("s2").Status)
}

func TestScheduler_TimeoutsStrikeAgentUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	cfg.DispatchTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, capability.WithUnreachableThreshold(3))

	h.attachWorker(t, "worker-1", "work@v1", func(ctx context.Context, env message.Envelope) (message.Envelope, error) {
		time.Sleep(80 * time.Millisecond)
		return env.Reply(message.MessageTypeStepResult, nil), nil
	})

	w := h.startWorkflow(t, workflow.Spec{
		Name:  "hung-worker",
		Steps: []workflow.StepSpec{{ID: "s1", Capability: "work@v1"}},
	})

	final, err := h.sched.WaitWorkflow(waitCtx(t), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.Equal(t, workflow.StepStatusFailed, final.GetStep("s1").Status)

	desc, err := h.registry.Get("worker-1")
	require.NoError(t, err)
	assert.Equal(t, capability.AvailabilityUnreachable, desc.Availability)

	timeouts := h.log.Query(provenance.Filter{Kind: provenance.KindAgentInteraction, Status: "timed_out"})
	assert.Len(t, timeouts, 3)
}

func TestScheduler_ResponseClearsTimeoutStrikes(t *testing.T) {
	h := newHarness(t, testConfig(), capability.WithUnreachableThreshold(3))

	h.attachWorker(t, "worker-1", "work@v1", func(ctx context.Context, env message.Envelope) (message.Envelope, error) {
		return env.Reply(message.MessageTypeStepResult, map[string]any{"ok": true}), nil
	})

	// Two stale strikes from earlier slow dispatches.
	h.registry.MarkTimeout("worker-1")
	h.registry.MarkTimeout("worker-1")

	w := h.startWorkflow(t, workflow.Spec{
		Name:  "recovering",
		Steps: []workflow.StepSpec{{ID: "s1", Capability: "work@v1"}},
	})

	final, err := h.sched.WaitWorkflow(waitCtx(t), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)

	desc, err := h.registry.Get("worker-1")
	require.NoError(t, err)
	assert.Zero(t, desc.TimeoutStrikes)

	// A later isolated timeout starts a fresh streak instead of tipping the
	// agent unreachable.
	assert.Equal(t, 1, h.registry.MarkTimeout("worker-1"))
	assert.Eventually(t, func() bool {
		desc, err := h.registry.Get("worker-1")
		return err == nil && desc.Availability == capability.AvailabilityIdle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_NoCapableAgentFailsAfterDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.DiscoveryMaxWait = 100 * time.Millisecond
	h := newHarness(t, cfg)

	w := h.startWorkflow(t, workflow.Spec{
		Name:  "unstaffed",
		Steps: []workflow.StepSpec{{ID: "s1", Capability: "exotic@v9"}},
	})

	final, err := h.sched.WaitWorkflow(waitCtx(t), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "no capable agent")
	assert.Contains(t, final.Error, "exotic@v9")
}

func TestScheduler_CancellationLetsRunningStepFinish(t *testing.T) {
	h := newHarness(t, testConfig())

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.attachWorker(t, "worker-1", "work@v1", func(ctx context.Context, env message.Envelope) (message.Envelope, error) {
		started <- struct{}{}
		<-release
		return env.Reply(message.MessageTypeStepResult, map[string]any{"ok": true}), nil
	})

	w := h.startWorkflow(t, workflow.Spec{
		Name: "cancelled-midway",
		Steps: []workflow.StepSpec{
			{ID: "s1", Capability: "work@v1", NextSteps: []string{"s2"}},
			{ID: "s2", Capability: "work@v1"},
		},
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never received the dispatch")
	}

	require.NoError(t, h.store.CancelWorkflow(context.Background(), w.ID))
	close(release)

	final, err := h.sched.WaitWorkflow(waitCtx(t), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, final.Status)
	assert.Equal(t, workflow.StepStatusSkipped, final.GetStep("s2").Status)

	// The in-flight step still lands its result.
	assert.Eventually(t, func() bool {
		got, err := h.store.Get(w.ID)
		return err == nil && got.GetStep("s1").Status == workflow.StepStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_ParallelBranchesShareWorkers(t *testing.T) {
	h := newHarness(t, testConfig())

	handler := func(ctx context.Context, env message.Envelope) (message.Envelope, error) {
		return env.Reply(message.MessageTypeStepResult, map[string]any{"by": env.RecipientID}), nil
	}
	h.attachWorker(t, "worker-1", "work@v1", handler)
	h.attachWorker(t, "worker-2", "work@v1", handler)

	w := h.startWorkflow(t, workflow.Spec{
		Name: "diamond",
		Steps: []workflow.StepSpec{
			{ID: "fetch", Capability: "work@v1", NextSteps: []string{"left", "right"}},
			{ID: "left", Capability: "work@v1", NextSteps: []string{"join"}},
			{ID: "right", Capability: "work@v1", NextSteps: []string{"join"}},
			{ID: "join", Capability: "work@v1"},
		},
	})

	final, err := h.sched.WaitWorkflow(waitCtx(t), w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	for _, step := range final.Steps {
		assert.Equal(t, workflow.StepStatusCompleted, step.Status, step.ID)
	}
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: 3 * time.Second}

	assert.Equal(t, time.Duration(0), cfg.backoff(1))
	assert.Equal(t, time.Second, cfg.backoff(2))
	assert.Equal(t, 2*time.Second, cfg.backoff(3))
	assert.Equal(t, 3*time.Second, cfg.backoff(4))
	assert.Equal(t, 3*time.Second, cfg.backoff(8))
}
