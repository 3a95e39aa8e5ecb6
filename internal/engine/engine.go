// Package engine assembles the orchestration components from configuration:
// triple store, provenance log, workflow store, registry, channel, bus,
// scheduler, and pipeline. It is the composition root used by the CLI and
// by end-to-end tests.
package engine

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/nicholaskb/semant/internal/capability"
	"github.com/nicholaskb/semant/internal/config"
	"github.com/nicholaskb/semant/internal/events"
	"github.com/nicholaskb/semant/internal/message"
	"github.com/nicholaskb/semant/internal/observability"
	"github.com/nicholaskb/semant/internal/pipeline"
	"github.com/nicholaskb/semant/internal/provenance"
	"github.com/nicholaskb/semant/internal/scheduler"
	"github.com/nicholaskb/semant/internal/triplestore"
	"github.com/nicholaskb/semant/internal/types"
	"github.com/nicholaskb/semant/internal/workflow"
)

// Engine wires the orchestration components together and owns their
// lifecycle. All state mutation flows through the workflow store's
// transition guards and the registry's claim; the engine itself only
// composes and delegates.
type Engine struct {
	cfg *config.Config

	triples  triplestore.TripleStore
	mapper   *triplestore.Mapper
	prov     *provenance.Log
	store    *workflow.Store
	registry *capability.InMemoryRegistry
	channel  *message.Channel
	bus      *events.DefaultBus
	sched    *scheduler.Scheduler
	pipe     *pipeline.Pipeline
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Option is a functional option for configuring an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	notifier pipeline.Notifier
	triples  triplestore.TripleStore
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer threaded into the scheduler
// and pipeline.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *engineOptions) {
		o.tracer = tracer
	}
}

// WithNotifier sets the pipeline's notification sink.
func WithNotifier(n pipeline.Notifier) Option {
	return func(o *engineOptions) {
		o.notifier = n
	}
}

// WithTripleStore overrides the SQLite triple store, typically with the
// in-memory store in tests.
func WithTripleStore(ts triplestore.TripleStore) Option {
	return func(o *engineOptions) {
		o.triples = ts
	}
}

// New assembles an engine from configuration. Call Start to begin
// scheduling and Close to release resources.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	options := &engineOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		handler := observability.NewJSONHandler(os.Stderr, observability.ParseLevel(cfg.Logging.Level))
		if cfg.Logging.Format == "text" {
			handler = observability.NewTextHandler(os.Stderr, observability.ParseLevel(cfg.Logging.Level))
		}
		logger = slog.New(handler)
	}

	triples := options.triples
	if triples == nil {
		store, err := triplestore.OpenWithConfig(triplestore.Config{
			Path:            cfg.Database.Path,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			BusyTimeout:     cfg.Database.BusyTimeout,
			WALMode:         cfg.Database.WALMode,
			ConnMaxLifetime: 0,
		})
		if err != nil {
			return nil, err
		}
		triples = store
	}

	mapper := triplestore.NewMapper(triples)
	prov := provenance.NewLog(mapper, provenance.WithLogLogger(logger))
	store := workflow.NewStore(mapper, workflow.WithStoreLogger(logger))
	channel := message.NewChannel(message.WithChannelLogger(logger))
	bus := events.NewBus(events.WithDropHandler(func(eventType events.EventType, subscriberID string) {
		logger.Warn("event dropped for slow subscriber",
			"event_type", eventType, "subscriber_id", subscriberID)
	}))

	// An agent release makes a pending step claimable again; wake the
	// scheduler instead of waiting out the tick interval. The hook fires
	// only for registered agents, well after the scheduler exists.
	var sched *scheduler.Scheduler
	registry := capability.NewRegistry(
		capability.WithReleaseHook(func(string) {
			if sched != nil {
				sched.Wake()
			}
		}),
	)

	sched = scheduler.New(store, registry, channel, prov, scheduler.Config{
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
		BackoffBase:      cfg.Scheduler.BackoffBase,
		BackoffMax:       cfg.Scheduler.BackoffMax,
		DispatchTimeout:  cfg.Scheduler.DispatchTimeout,
		MaxParallel:      cfg.Scheduler.MaxParallel,
		DiscoveryMaxWait: cfg.Scheduler.DiscoveryMaxWait,
		TickInterval:     cfg.Scheduler.TickInterval,
	},
		scheduler.WithLogger(logger),
		scheduler.WithBus(bus),
		scheduler.WithTracer(options.tracer),
	)

	pipeCfg := pipeline.Config{
		ReviewDeadline: cfg.Review.Deadline,
		MaxRevisions:   cfg.Review.MaxRevisions,
		MinReviewers:   cfg.Review.MinReviewers,
		Policy:         pipeline.PolicyByName(cfg.Review.Policy),
	}
	pipeOpts := []pipeline.Option{
		pipeline.WithSnapshotter(mapper),
		pipeline.WithReviewSink(mapper),
		pipeline.WithBus(bus),
		pipeline.WithLogger(logger),
		pipeline.WithTracer(options.tracer),
	}
	if options.notifier != nil {
		pipeOpts = append(pipeOpts, pipeline.WithNotifier(options.notifier))
	}
	pipe := pipeline.New(store, registry, channel, sched, prov, pipeCfg, pipeOpts...)

	return &Engine{
		cfg:      cfg,
		triples:  triples,
		mapper:   mapper,
		prov:     prov,
		store:    store,
		registry: registry,
		channel:  channel,
		bus:      bus,
		sched:    sched,
		pipe:     pipe,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the scheduler loop. Idempotent once; Close stops it.
func (e *Engine) Start(ctx context.Context) {
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go func() {
		defer close(e.done)
		e.sched.Run(runCtx)
	}()
}

// Submit drives a workflow spec through the full pipeline and returns the
// final workflow state.
func (e *Engine) Submit(ctx context.Context, spec workflow.Spec) (*workflow.Workflow, error) {
	return e.pipe.Run(ctx, spec)
}

// GetWorkflow returns the latest known state of a workflow.
func (e *Engine) GetWorkflow(id types.ID) (*workflow.Workflow, error) {
	return e.store.Get(id)
}

// ListWorkflows returns workflows matching the filter.
func (e *Engine) ListWorkflows(filter workflow.Filter) []*workflow.Workflow {
	return e.store.List(filter)
}

// CancelWorkflow cancels a workflow: pending steps become skipped and
// running steps finish naturally.
func (e *Engine) CancelWorkflow(ctx context.Context, id types.ID) error {
	if err := e.store.CancelWorkflow(ctx, id); err != nil {
		return err
	}
	_ = e.bus.Publish(ctx, events.NewEvent(events.EventWorkflowCancelled).WithWorkflow(id))
	return nil
}

// RegisterAgent registers a worker in the registry and attaches its
// handler to the message channel.
func (e *Engine) RegisterAgent(agentID string, capabilities []capability.Tag, handler message.Handler) error {
	if err := e.registry.Register(agentID, capabilities); err != nil {
		return err
	}
	if err := e.channel.Attach(agentID, handler, e.cfg.Core.InboxCap); err != nil {
		e.registry.Deregister(agentID)
		return err
	}
	_ = e.bus.Publish(context.Background(), events.NewEvent(events.EventAgentRegistered).WithAgent(agentID))
	e.sched.Wake()
	return nil
}

// DeregisterAgent removes a worker from the registry and detaches its
// inbox. Idempotent.
func (e *Engine) DeregisterAgent(agentID string) {
	e.registry.Deregister(agentID)
	e.channel.Detach(agentID)
	_ = e.bus.Publish(context.Background(), events.NewEvent(events.EventAgentDeregistered).WithAgent(agentID))
}

// Heartbeat records liveness for a registered agent.
func (e *Engine) Heartbeat(agentID string) error {
	return e.registry.Heartbeat(agentID)
}

// Agents lists the registered agent descriptors.
func (e *Engine) Agents() []capability.AgentDescriptor {
	return e.registry.List()
}

// Provenance exposes the provenance log for querying.
func (e *Engine) Provenance() *provenance.Log {
	return e.prov
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() events.Bus {
	return e.bus
}

// Health aggregates component health: the triple store connection and the
// registry's agent reachability.
func (e *Engine) Health(ctx context.Context) map[string]types.HealthStatus {
	health := map[string]types.HealthStatus{
		"registry": e.registry.Health(ctx),
	}
	if hc, ok := e.triples.(interface {
		Health(ctx context.Context) types.HealthStatus
	}); ok {
		health["triplestore"] = hc.Health(ctx)
	}
	return health
}

// Close stops the scheduler, closes the channel, the bus, and the triple
// store. The context bounds how long shutdown may take.
func (e *Engine) Close(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.done:
		case <-ctx.Done():
		}
	}
	e.channel.Close()
	e.bus.Close()
	return e.triples.Close()
}
