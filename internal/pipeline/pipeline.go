// Package pipeline drives a workflow through the seven-phase orchestration
// state machine layered above the store and the scheduler: create, notify,
// visualize, review, validate, execute, analyze. One Pipeline instance
// serves many workflows; one Run call drives one workflow end to end.
package pipeline

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
	"github.com/nicholaskb/semant/internal/scheduler"
	"github.com/nicholaskb/semant/internal/triplestore"
	"github.com/nicholaskb/semant/internal/types"
	"github.com/nicholaskb/semant/internal/workflow"
)

// Phase names one stage of the orchestration pipeline.
type Phase string

const (
	PhaseCreate    Phase = "create"
	PhaseNotify    Phase = "notify"
	PhaseVisualize Phase = "visualize"
	PhaseReview    Phase = "review"
	PhaseValidate  Phase = "validate"
	PhaseExecute   Phase = "execute"
	PhaseAnalyze   Phase = "analyze"
)

// reviewCapability is the capability tag reviewer agents must offer.
var reviewCapability = capability.MustParseTag("review@v1")

// Notifier receives a human-readable summary when a workflow is created.
// Notification is fire-and-forget; a failing notifier never blocks the
// pipeline.
type Notifier interface {
	Notify(ctx context.Context, w *workflow.Workflow, summary string) error
}

// LogNotifier writes workflow summaries to the structured log. It is the
// default sink when no external notification channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the workflow summary at info level.
func (n LogNotifier) Notify(ctx context.Context, w *workflow.Workflow, summary string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "workflow created",
		"workflow_id", w.ID, "name", w.Name, "summary", summary)
	return nil
}

// Snapshotter produces a read-side projection of a workflow from the
// persistence facade. The visualize phase consumes it; no engine state
// changes.
type Snapshotter interface {
	WorkflowSnapshot(ctx context.Context, workflowID types.ID) ([]triplestore.Triple, error)
}

// ReviewSink persists collected reviews. Persistence failure is surfaced
// to the log but never blocks review aggregation.
type ReviewSink interface {
	SaveReview(ctx context.Context, r workflow.Review) error
}

// Config controls the review gate and the revision loop.
type Config struct {
	// ReviewDeadline bounds how long the review phase waits for reviewer
	// replies. Expiry is treated as a rejection.
	ReviewDeadline time.Duration

	// MaxRevisions bounds how many times a rejected workflow is sent back
	// to the create phase before it hard-fails.
	MaxRevisions int

	// MinReviewers is the smallest review set the policy may aggregate.
	// Fewer collected reviews than this is treated as a rejection.
	MinReviewers int

	// Policy aggregates collected reviews into one recommendation.
	Policy ReviewPolicy
}

// DefaultConfig returns the pipeline defaults: two minute review deadline,
// three revisions, one reviewer, majority approval.
func DefaultConfig() Config {
	return Config{
		ReviewDeadline: 2 * time.Minute,
		MaxRevisions:   3,
		MinReviewers:   1,
		Policy:         MajorityApprove,
	}
}

// Pipeline coordinates the orchestration phases for submitted workflows.
type Pipeline struct {
	store    *workflow.Store
	registry capability.Registry
	channel  *message.Channel
	sched    *scheduler.Scheduler
	log      *provenance.Log
	bus      events.Bus
	notifier Notifier
	snapshot Snapshotter
	reviews  ReviewSink
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config

	validator *workflow.Validator
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithNotifier sets the notification sink for the notify phase.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithSnapshotter sets the read-side projection used by the visualize phase.
func WithSnapshotter(s Snapshotter) Option {
	return func(p *Pipeline) {
		p.snapshot = s
	}
}

// WithReviewSink sets the store collected reviews are persisted to.
func WithReviewSink(s ReviewSink) Option {
	return func(p *Pipeline) {
		p.reviews = s
	}
}

// WithBus sets the event bus pipeline phase events are published to.
func WithBus(bus events.Bus) Option {
	return func(p *Pipeline) {
		p.bus = bus
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for per-run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// New creates a Pipeline over the given store, registry, channel,
// scheduler, and provenance log.
func New(store *workflow.Store, registry capability.Registry, channel *message.Channel, sched *scheduler.Scheduler, log *provenance.Log, cfg Config, opts ...Option) *Pipeline {
	if cfg.Policy == nil {
		cfg.Policy = MajorityApprove
	}
	if cfg.ReviewDeadline <= 0 {
		cfg.ReviewDeadline = DefaultConfig().ReviewDeadline
	}
	if cfg.MinReviewers <= 0 {
		cfg.MinReviewers = 1
	}
	p := &Pipeline{
		store:     store,
		registry:  registry,
		channel:   channel,
		sched:     sched,
		log:       log,
		notifier:  LogNotifier{},
		logger:    slog.Default(),
		cfg:       cfg,
		validator: workflow.NewValidator(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drives one workflow through all seven phases and returns its final
// state. Rejected reviews send the spec back through create with revision
// metadata attached, up to MaxRevisions; the workflow that finally clears
// review is the one validated and executed.
func (p *Pipeline) Run(ctx context.Context, spec workflow.Spec) (*workflow.Workflow, error) {
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "pipeline.run",
			trace.WithAttributes(attribute.String("workflow.name", spec.Name)))
		defer span.End()
	}

	var notes []string
	for revision := 0; ; revision++ {
		w, err := p.create(ctx, spec, revision, notes)
		if err != nil {
			return nil, err
		}

		run := provenance.NewOccurrent(provenance.KindWorkflow, w.ID.String(), workflow.StatusPending.String())
		run.Result = map[string]any{"name": w.Name, "revision": revision}
		p.append(ctx, run)

		p.notify(ctx, w)
		p.visualize(ctx, w.ID)

		rec, reviewNotes := p.review(ctx, w)
		if rec != workflow.RecommendationApprove {
			p.publish(events.NewEvent(events.EventReviewDenied).
				WithWorkflow(w.ID).WithData("recommendation", string(rec)))

			if revision >= p.cfg.MaxRevisions {
				reason := fmt.Sprintf("rejected in review after %d revisions", revision)
				p.fail(ctx, w.ID, run, reason)
				final, _ := p.store.Get(w.ID)
				return final, types.NewError(types.REVIEW_REJECTED, reason)
			}

			// Superseded by the next revision.
			if err := p.store.CancelWorkflow(ctx, w.ID); err != nil {
				p.logger.WarnContext(ctx, "failed to cancel rejected revision",
					"workflow_id", w.ID, "error", err)
			}
			run.Close(workflow.StatusCancelled.String())
			p.append(ctx, run)

			notes = reviewNotes
			continue
		}

		p.publish(events.NewEvent(events.EventReviewGranted).WithWorkflow(w.ID))

		if err := p.validate(ctx, w); err != nil {
			p.fail(ctx, w.ID, run, err.Error())
			final, _ := p.store.Get(w.ID)
			return final, err
		}

		final, err := p.execute(ctx, w.ID, run)
		if err != nil {
			return final, err
		}

		p.analyze(ctx, final)
		return final, nil
	}
}

// create builds and registers a workflow from the spec, carrying revision
// metadata on re-entry.
func (p *Pipeline) create(ctx context.Context, spec workflow.Spec, revision int, notes []string) (*workflow.Workflow, error) {
	p.enterPhase(ctx, PhaseCreate, types.ID(""))

	if revision > 0 {
		if spec.Metadata == nil {
			spec.Metadata = make(map[string]any)
		}
		spec.Metadata["revision"] = revision
		if len(notes) > 0 {
			spec.Metadata["revision_notes"] = notes
		}
	}

	w, err := p.store.CreateWorkflow(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := p.store.RegisterWorkflow(ctx, w.ID); err != nil {
		return nil, err
	}
	p.publish(events.NewEvent(events.EventWorkflowCreated).WithWorkflow(w.ID))
	return w, nil
}

// notify emits the human-readable summary. Failure is logged, never fatal.
func (p *Pipeline) notify(ctx context.Context, w *workflow.Workflow) {
	p.enterPhase(ctx, PhaseNotify, w.ID)

	summary := fmt.Sprintf("workflow %q with %d steps requiring %d capabilities",
		w.Name, len(w.Steps), len(w.RequiredCapabilities()))
	if err := p.notifier.Notify(ctx, w, summary); err != nil {
		p.logger.WarnContext(ctx, "notification failed",
			"workflow_id", w.ID, "error", err)
	}
}

// visualize produces the read-side snapshot. A missing snapshotter or a
// failed query only logs; no state changes either way.
func (p *Pipeline) visualize(ctx context.Context, workflowID types.ID) {
	p.enterPhase(ctx, PhaseVisualize, workflowID)

	if p.snapshot == nil {
		return
	}
	rows, err := p.snapshot.WorkflowSnapshot(ctx, workflowID)
	if err != nil {
		p.logger.WarnContext(ctx, "workflow snapshot failed",
			"workflow_id", workflowID, "error", err)
		return
	}
	p.logger.DebugContext(ctx, "workflow snapshot produced",
		"workflow_id", workflowID, "rows", len(rows))
}

// review solicits reviews from every reachable reviewer agent and
// aggregates them through the configured policy. Deadline expiry or an
// undersized review set is a rejection. Returns the aggregate
// recommendation and the reviewer comments for the revision loop.
func (p *Pipeline) review(ctx context.Context, w *workflow.Workflow) (workflow.Recommendation, []string) {
	p.enterPhase(ctx, PhaseReview, w.ID)

	reviewers, err := p.registry.Discover(reviewCapability)
	if err != nil {
		p.logger.WarnContext(ctx, "no reviewers available",
			"workflow_id", w.ID, "error", err)
		return workflow.RecommendationReject, nil
	}

	reviewCtx, cancel := context.WithTimeout(ctx, p.cfg.ReviewDeadline)
	defer cancel()

	var (
		mu        sync.Mutex
		collected []workflow.Review
		wg        sync.WaitGroup
	)
	for _, reviewerID := range reviewers {
		wg.Add(1)
		go func(reviewerID string) {
			defer wg.Done()
			review, ok := p.solicit(reviewCtx, w, reviewerID)
			if !ok {
				return
			}
			mu.Lock()
			collected = append(collected, review)
			mu.Unlock()
		}(reviewerID)
	}
	wg.Wait()

	for _, r := range collected {
		p.saveReview(ctx, r)
	}

	if len(collected) < p.cfg.MinReviewers {
		p.logger.WarnContext(ctx, "review quorum not met",
			"workflow_id", w.ID, "collected", len(collected), "required", p.cfg.MinReviewers)
		return workflow.RecommendationReject, reviewNotes(collected)
	}
	return p.cfg.Policy(collected), reviewNotes(collected)
}

// solicit requests one review over the channel and parses the reply.
func (p *Pipeline) solicit(ctx context.Context, w *workflow.Workflow, reviewerID string) (workflow.Review, bool) {
	env := message.NewEnvelope("pipeline", reviewerID, message.MessageTypeReviewRequest, map[string]any{
		"workflow_id": w.ID.String(),
		"name":        w.Name,
		"description": w.Description,
		"step_count":  len(w.Steps),
	})

	reply, err := p.channel.Request(ctx, env)
	if err != nil || reply.IsError() {
		p.logger.WarnContext(ctx, "reviewer did not respond",
			"workflow_id", w.ID, "reviewer_id", reviewerID, "error", err)
		return workflow.Review{}, false
	}

	rec := workflow.Recommendation(stringContent(reply.Content, "recommendation"))
	if !rec.IsValid() {
		p.logger.WarnContext(ctx, "reviewer returned invalid recommendation",
			"workflow_id", w.ID, "reviewer_id", reviewerID, "recommendation", rec)
		return workflow.Review{}, false
	}
	return workflow.NewReview(w.ID, reviewerID, rec, stringContent(reply.Content, "content")), true
}

// validate re-checks the DAG and requires every step capability to have at
// least one registered agent, reachable or not.
func (p *Pipeline) validate(ctx context.Context, w *workflow.Workflow) error {
	p.enterPhase(ctx, PhaseValidate, w.ID)

	if err := p.validator.ValidateWorkflow(w); err != nil {
		return err
	}

	agents := p.registry.List()
	for _, tag := range w.RequiredCapabilities() {
		covered := false
		for _, agent := range agents {
			if agent.Offers(tag) {
				covered = true
				break
			}
		}
		if !covered {
			return types.NewError(types.AGENT_NONE_CAPABLE,
				fmt.Sprintf("no registered agent offers %s", tag))
		}
	}
	return nil
}

// execute hands the workflow to the scheduler and waits for a terminal
// state.
func (p *Pipeline) execute(ctx context.Context, workflowID types.ID, run *provenance.Occurrent) (*workflow.Workflow, error) {
	p.enterPhase(ctx, PhaseExecute, workflowID)

	if err := p.store.UpdateWorkflowStatus(ctx, workflowID, workflow.StatusRunning); err != nil {
		return nil, err
	}
	p.publish(events.NewEvent(events.EventWorkflowRunning).WithWorkflow(workflowID))
	p.sched.Wake()

	final, err := p.sched.WaitWorkflow(ctx, workflowID)
	if final != nil {
		run.Close(final.Status.String())
		if final.Error != "" {
			run.Error = final.Error
		}
		p.append(ctx, run)
	}
	return final, err
}

// analyze aggregates the finished workflow's provenance into one summary
// occurrent: success rate, total duration, per-step timing and attempts.
func (p *Pipeline) analyze(ctx context.Context, w *workflow.Workflow) {
	p.enterPhase(ctx, PhaseAnalyze, w.ID)

	completed := 0
	steps := make(map[string]any, len(w.Steps))
	var earliest, latest time.Time
	for id, step := range w.Steps {
		if step.Status == workflow.StepStatusCompleted {
			completed++
		}
		detail := map[string]any{
			"status":   step.Status.String(),
			"attempts": step.Attempts,
		}
		if step.StartTime != nil && step.EndTime != nil {
			detail["duration"] = step.EndTime.Sub(*step.StartTime).String()
			if earliest.IsZero() || step.StartTime.Before(earliest) {
				earliest = *step.StartTime
			}
			if step.EndTime.After(latest) {
				latest = *step.EndTime
			}
		}
		steps[id] = detail
	}

	interactions := 0
	if p.log != nil {
		interactions = len(p.log.Query(provenance.Filter{Kind: provenance.KindAgentInteraction}))
	}

	summary := provenance.NewOccurrent(provenance.KindWorkflow, w.ID.String(), "analyzed")
	summary.Result = map[string]any{
		"status":       w.Status.String(),
		"success_rate": float64(completed) / float64(max(len(w.Steps), 1)),
		"steps":        steps,
		"interactions": interactions,
	}
	if !earliest.IsZero() && !latest.IsZero() {
		summary.Result["total_duration"] = latest.Sub(earliest).String()
	}
	summary.Close("analyzed")
	p.append(ctx, summary)
}

// fail settles a workflow that cannot proceed and closes its run occurrent.
func (p *Pipeline) fail(ctx context.Context, workflowID types.ID, run *provenance.Occurrent, reason string) {
	if err := p.store.FailWorkflow(ctx, workflowID, reason); err != nil {
		p.logger.ErrorContext(ctx, "failed to record workflow failure",
			"workflow_id", workflowID, "error", err)
	}
	run.Error = reason
	run.Close(workflow.StatusFailed.String())
	p.append(ctx, run)
	p.publish(events.NewEvent(events.EventWorkflowFailed).
		WithWorkflow(workflowID).WithData("error", reason))
}

func (p *Pipeline) enterPhase(ctx context.Context, phase Phase, workflowID types.ID) {
	p.logger.DebugContext(ctx, "entering pipeline phase",
		"phase", phase, "workflow_id", workflowID)
	event := events.NewEvent(events.EventPhaseEntered).WithData("phase", string(phase))
	if !workflowID.IsZero() {
		event = event.WithWorkflow(workflowID)
	}
	p.publish(event)
}

func (p *Pipeline) saveReview(ctx context.Context, r workflow.Review) {
	if p.reviews == nil {
		return
	}
	if err := p.reviews.SaveReview(ctx, r); err != nil {
		p.logger.WarnContext(ctx, "failed to persist review",
			"review_id", r.ID, "workflow_id", r.WorkflowID, "error", err)
	}
}

func (p *Pipeline) append(ctx context.Context, o *provenance.Occurrent) {
	if p.log == nil {
		return
	}
	if err := p.log.Append(ctx, o); err != nil {
		p.logger.WarnContext(ctx, "provenance append failed",
			"occurrent_id", o.ID, "error", err)
	}
}

func (p *Pipeline) publish(event events.Event) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(context.Background(), event)
}

func reviewNotes(reviews []workflow.Review) []string {
	notes := make([]string, 0, len(reviews))
	for _, r := range reviews {
		if r.Content != "" {
			notes = append(notes, fmt.Sprintf("%s: %s", r.ReviewerID, r.Content))
		}
	}
	return notes
}

func stringContent(content map[string]any, key string) string {
	if content == nil {
		return ""
	}
	s, _ := content[key].(string)
	return s
}
