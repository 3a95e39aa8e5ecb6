package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nicholaskb/semant/internal/capability"
	"github.com/nicholaskb/semant/internal/events"
	"github.com/nicholaskb/semant/internal/message"
	"github.com/nicholaskb/semant/internal/provenance"
	"github.com/nicholaskb/semant/internal/types"
	"github.com/nicholaskb/semant/internal/workflow"
)

// stepKey identifies a step across workflows.
type stepKey struct {
	workflowID types.ID
	stepID     string
}

// Scheduler computes the set of eligible steps, claims exactly one worker
// per step through the registry, dispatches over the message channel, and
// applies outcomes to the workflow store and the provenance log.
//
// Dependent steps serialize purely through the eligibility predicate;
// independent steps race freely, bounded only by the parallelism
// semaphore and the per-agent claim.
type Scheduler struct {
	store    *workflow.Store
	registry capability.Registry
	channel  *message.Channel
	log      *provenance.Log
	bus      events.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config

	sem  chan struct{}
	wake chan struct{}

	mu        sync.Mutex
	inFlight  map[stepKey]bool
	firstSoft map[stepKey]time.Time
	wg        sync.WaitGroup
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger used by the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

// WithBus sets the event bus the scheduler publishes step events to.
func WithBus(bus events.Bus) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// New creates a Scheduler over the given store, registry, channel, and
// provenance log.
func New(store *workflow.Store, registry capability.Registry, channel *message.Channel, log *provenance.Log, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		store:     store,
		registry:  registry,
		channel:   channel,
		log:       log,
		logger:    slog.Default(),
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxParallel),
		wake:      make(chan struct{}, 1),
		inFlight:  make(map[stepKey]bool),
		firstSoft: make(map[stepKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wake requests a scheduling tick. Safe to call from any goroutine;
// coalesces with a pending request.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives scheduling ticks until the context is cancelled. Ticks fire
// on Wake requests (step completions, agent releases) and on a timer
// fallback. Run blocks; callers start it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.wake:
			s.tick(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// WaitWorkflow blocks until the workflow reaches a terminal status or the
// context is cancelled, and returns the final workflow state.
func (s *Scheduler) WaitWorkflow(ctx context.Context, id types.ID) (*workflow.Workflow, error) {
	for {
		w, err := s.store.Get(id)
		if err != nil {
			return nil, err
		}
		if w.Status.IsTerminal() {
			return w, nil
		}

		select {
		case <-ctx.Done():
			return w, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// tick dispatches every eligible step that is not already being driven.
func (s *Scheduler) tick(ctx context.Context) {
	for _, ref := range s.store.EligibleSteps() {
		key := stepKey{workflowID: ref.WorkflowID, stepID: ref.Step.ID}

		s.mu.Lock()
		if s.inFlight[key] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[key] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(ref workflow.StepRef, key stepKey) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, key)
				s.mu.Unlock()
			}()

			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-ctx.Done():
				return
			}

			s.driveStep(ctx, ref, key)
		}(ref, key)
	}
}

// driveStep runs one step to a terminal state or hands it back to a later
// tick. Each attempt is a fresh discover/claim/dispatch cycle.
func (s *Scheduler) driveStep(ctx context.Context, ref workflow.StepRef, key stepKey) {
	workflowID, stepID := ref.WorkflowID, ref.Step.ID

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "scheduler.step",
			trace.WithAttributes(
				attribute.String("workflow.id", workflowID.String()),
				attribute.String("step.id", stepID),
				attribute.String("step.capability", ref.Step.Capability.String()),
			),
		)
		defer span.End()
	}

	for {
		step, ok := s.pendingStep(workflowID, stepID)
		if !ok {
			return
		}

		if step.Attempts >= s.cfg.MaxAttempts {
			s.failStep(ctx, workflowID, stepID, step.Error)
			return
		}

		agentID, ok := s.selectAgent(ctx, workflowID, step)
		if !ok {
			// No claimable agent right now; the step stays pending and a
			// release, registration, or the timer retries it.
			return
		}

		s.clearSoftWait(key)
		outcome := s.attempt(ctx, workflowID, step, agentID)

		switch outcome {
		case attemptCompleted:
			return
		case attemptAbandoned:
			return
		case attemptRetry:
			step, ok = s.pendingStep(workflowID, stepID)
			if !ok {
				return
			}
			if step.Attempts >= s.cfg.MaxAttempts {
				s.failStep(ctx, workflowID, stepID, step.Error)
				return
			}
			if !s.sleep(ctx, s.cfg.backoff(step.Attempts+1)) {
				return
			}
		}
	}
}

// pendingStep re-reads the step, returning it only while it is still
// dispatchable (workflow running, step pending). The re-read between
// attempts is what lets cancellation and mandatory-failure skips win races
// against retries.
func (s *Scheduler) pendingStep(workflowID types.ID, stepID string) (*workflow.Step, bool) {
	w, err := s.store.Get(workflowID)
	if err != nil || w.Status != workflow.StatusRunning {
		return nil, false
	}
	step := w.GetStep(stepID)
	if step == nil || step.Status != workflow.StepStatusPending {
		return nil, false
	}
	return step, true
}

// selectAgent discovers candidates for the step's capability and claims
// the first one that is still idle. Lost claim races fall through to the
// next candidate.
func (s *Scheduler) selectAgent(ctx context.Context, workflowID types.ID, step *workflow.Step) (string, bool) {
	candidates, err := s.registry.Discover(step.Capability)
	if err != nil {
		s.recordSoftDispatch(ctx, workflowID, step, err)
		return "", false
	}

	for _, agentID := range candidates {
		if s.registry.Claim(agentID) {
			return agentID, true
		}
	}
	return "", false
}

type attemptOutcome int

const (
	attemptCompleted attemptOutcome = iota
	attemptRetry
	attemptAbandoned
)

// attempt performs one claim-held dispatch cycle: mark running, send the
// request, apply the outcome, release the claim.
func (s *Scheduler) attempt(ctx context.Context, workflowID types.ID, step *workflow.Step, agentID string) attemptOutcome {
	defer s.registry.Release(agentID)

	if err := s.store.MarkStepRunning(ctx, workflowID, step.ID, agentID); err != nil {
		// Lost a state race (cancellation, mandatory failure elsewhere).
		return attemptAbandoned
	}

	stepRun := provenance.NewOccurrent(provenance.KindStep, step.ID, workflow.StepStatusRunning.String())
	stepRun.Result = map[string]any{"workflow_id": workflowID.String(), "agent_id": agentID}
	s.append(ctx, stepRun)

	s.publish(events.NewEvent(events.EventStepStarted).
		WithWorkflow(workflowID).WithStep(step.ID).WithAgent(agentID))

	env := message.NewEnvelope("scheduler", agentID, message.MessageTypeDispatchStep, map[string]any{
		"workflow_id": workflowID.String(),
		"step_id":     step.ID,
		"capability":  step.Capability.String(),
		"parameters":  step.Parameters,
	})

	interaction := provenance.NewOccurrent(provenance.KindAgentInteraction, agentID, "dispatched")
	interaction.Result = map[string]any{"step_id": step.ID, "envelope_id": env.ID.String()}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	reply, err := s.channel.Request(reqCtx, env)
	cancel()

	switch {
	case err == nil && !reply.IsError():
		interaction.Close("succeeded")
		s.append(ctx, interaction)
		// The agent answered, so its timeout strikes are no longer consecutive.
		_ = s.registry.Heartbeat(agentID)
		s.completeStep(ctx, workflowID, step.ID, agentID, stepRun, reply.Content)
		return attemptCompleted

	case err == nil && reply.IsError():
		errText := reply.ErrorText()
		if errText == "" {
			errText = "worker reported an unspecified failure"
		}
		interaction.Error = errText
		interaction.Close("failed")
		s.append(ctx, interaction)
		// An error response still proves the agent is reachable.
		_ = s.registry.Heartbeat(agentID)
		s.retryStep(ctx, workflowID, step.ID, stepRun, fmt.Sprintf("agent %s: %s", agentID, errText))
		return attemptRetry

	case types.CodeOf(err) == types.DISPATCH_TIMEOUT:
		interaction.Error = err.Error()
		interaction.Close("timed_out")
		s.append(ctx, interaction)

		strikes := s.registry.MarkTimeout(agentID)
		if desc, derr := s.registry.Get(agentID); derr == nil && desc.Availability == capability.AvailabilityUnreachable {
			s.logger.WarnContext(ctx, "agent marked unreachable after repeated timeouts",
				"agent_id", agentID, "strikes", strikes)
			s.publish(events.NewEvent(events.EventAgentUnreachable).WithAgent(agentID))
		}
		s.retryStep(ctx, workflowID, step.ID, stepRun, err.Error())
		return attemptRetry

	default:
		interaction.Error = err.Error()
		interaction.Close("failed")
		s.append(ctx, interaction)
		s.retryStep(ctx, workflowID, step.ID, stepRun, err.Error())
		return attemptRetry
	}
}

// completeStep applies a successful result.
func (s *Scheduler) completeStep(ctx context.Context, workflowID types.ID, stepID, agentID string, stepRun *provenance.Occurrent, result map[string]any) {
	// Seal the run before the store update makes successors eligible, so a
	// successor's start time can never precede this run's end time.
	stepRun.Close(workflow.StepStatusCompleted.String())

	if err := s.store.UpdateStepStatus(ctx, workflowID, stepID, workflow.StepStatusCompleted, result, ""); err != nil {
		s.logger.ErrorContext(ctx, "failed to record step completion",
			"workflow_id", workflowID, "step_id", stepID, "error", err)
		return
	}

	s.append(ctx, stepRun)

	s.publish(events.NewEvent(events.EventStepCompleted).
		WithWorkflow(workflowID).WithStep(stepID).WithAgent(agentID))

	s.publishWorkflowTerminal(ctx, workflowID)
	s.Wake()
}

// retryStep returns a failed attempt to pending; driveStep decides whether
// the budget allows another attempt.
func (s *Scheduler) retryStep(ctx context.Context, workflowID types.ID, stepID string, stepRun *provenance.Occurrent, errText string) {
	stepRun.Error = errText
	stepRun.Close("attempt_failed")
	s.append(ctx, stepRun)

	if err := s.store.UpdateStepStatus(ctx, workflowID, stepID, workflow.StepStatusPending, nil, errText); err != nil {
		s.logger.ErrorContext(ctx, "failed to return step to pending",
			"workflow_id", workflowID, "step_id", stepID, "error", err)
		return
	}

	s.publish(events.NewEvent(events.EventStepRetried).
		WithWorkflow(workflowID).WithStep(stepID).WithData("error", errText))
}

// failStep marks a step terminally failed after its budget is exhausted.
func (s *Scheduler) failStep(ctx context.Context, workflowID types.ID, stepID, lastErr string) {
	if lastErr == "" {
		lastErr = "dispatch attempts exhausted"
	}
	if err := s.store.UpdateStepStatus(ctx, workflowID, stepID, workflow.StepStatusFailed, nil, lastErr); err != nil {
		s.logger.ErrorContext(ctx, "failed to record step failure",
			"workflow_id", workflowID, "step_id", stepID, "error", err)
		return
	}

	failure := provenance.NewOccurrent(provenance.KindStep, stepID, workflow.StepStatusFailed.String())
	failure.Error = lastErr
	failure.Close(workflow.StepStatusFailed.String())
	s.append(ctx, failure)

	s.publish(events.NewEvent(events.EventStepFailed).
		WithWorkflow(workflowID).WithStep(stepID).WithData("error", lastErr))

	s.publishWorkflowTerminal(ctx, workflowID)
	s.Wake()
}

// recordSoftDispatch notes an empty discovery result. The step stays
// pending and is retried next tick, bounded by DiscoveryMaxWait.
func (s *Scheduler) recordSoftDispatch(ctx context.Context, workflowID types.ID, step *workflow.Step, cause error) {
	key := stepKey{workflowID: workflowID, stepID: step.ID}

	s.mu.Lock()
	first, seen := s.firstSoft[key]
	if !seen {
		first = time.Now()
		s.firstSoft[key] = first
	}
	s.mu.Unlock()

	deferral := provenance.NewOccurrent(provenance.KindStep, step.ID, "dispatch_deferred")
	deferral.Error = cause.Error()
	deferral.Close("dispatch_deferred")
	s.append(ctx, deferral)

	if time.Since(first) >= s.cfg.DiscoveryMaxWait {
		s.clearSoftWait(key)
		s.failStep(ctx, workflowID, step.ID,
			fmt.Sprintf("no capable agent for %s within %s", step.Capability, s.cfg.DiscoveryMaxWait))
	}
}

func (s *Scheduler) clearSoftWait(key stepKey) {
	s.mu.Lock()
	delete(s.firstSoft, key)
	s.mu.Unlock()
}

// publishWorkflowTerminal emits the workflow-level event when a step
// update settled the workflow.
func (s *Scheduler) publishWorkflowTerminal(ctx context.Context, workflowID types.ID) {
	w, err := s.store.Get(workflowID)
	if err != nil {
		return
	}
	switch w.Status {
	case workflow.StatusCompleted:
		s.publish(events.NewEvent(events.EventWorkflowCompleted).WithWorkflow(workflowID))
	case workflow.StatusFailed:
		s.publish(events.NewEvent(events.EventWorkflowFailed).WithWorkflow(workflowID).
			WithData("error", w.Error))
	}
}

// sleep waits for the backoff delay, returning false if the context ended.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// append writes an occurrent on a best-effort basis; persistence failure
// never blocks scheduling.
func (s *Scheduler) append(ctx context.Context, o *provenance.Occurrent) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(ctx, o); err != nil {
		s.logger.WarnContext(ctx, "provenance append failed",
			"occurrent_id", o.ID, "error", err)
	}
}

// publish emits an event when a bus is configured.
func (s *Scheduler) publish(event events.Event) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(context.Background(), event)
}
