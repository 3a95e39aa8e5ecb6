package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nicholaskb/semant/internal/types"
)

// Persister is the write side of the persistence facade as seen by the
// Store. Writes are synchronous; reads are served from memory.
type Persister interface {
	// SaveWorkflow persists a workflow and all of its steps.
	SaveWorkflow(ctx context.Context, w *Workflow) error
}

// Filter selects workflows for listing.
type Filter struct {
	// Status restricts results to workflows in this status when non-empty.
	Status Status

	// NameContains restricts results to workflows whose name or metadata
	// theme contains this substring, case-insensitively.
	NameContains string
}

// StepRef identifies a step within a workflow, as handed to the scheduler.
type StepRef struct {
	WorkflowID types.ID
	Step       *Step
}

// Store owns the canonical representation of workflows and enforces both
// state machines. All mutations go through transition-guarded operations;
// illegal transitions fail with an invalid-transition error and leave
// stored state untouched.
//
// The caller performing a step mutation must hold that step's agent claim,
// which makes the store's per-step writes single-writer.
type Store struct {
	mu        sync.RWMutex
	workflows map[types.ID]*Workflow
	validator *Validator
	persister Persister
	logger    *slog.Logger
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the structured logger used by the store.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a Store writing through the given persister.
// A nil persister keeps the store purely in-memory, which tests use.
func NewStore(persister Persister, opts ...StoreOption) *Store {
	s := &Store{
		workflows: make(map[types.ID]*Workflow),
		validator: NewValidator(),
		persister: persister,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateWorkflow validates a spec and creates a workflow in the created
// state. Fails with a validation error on a cyclic step graph, an unknown
// next_steps reference, or a malformed capability tag; no workflow exists
// after a failed create.
func (s *Store) CreateWorkflow(ctx context.Context, spec Spec) (*Workflow, error) {
	if err := s.validator.ValidateSpec(spec); err != nil {
		return nil, err
	}

	w, err := spec.ToWorkflow()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.workflows[w.ID]; exists {
		s.mu.Unlock()
		return nil, types.NewError(types.WORKFLOW_VALIDATION_FAILED,
			fmt.Sprintf("workflow %s already exists", w.ID))
	}
	s.workflows[w.ID] = w
	clone := w.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	return clone, nil
}

// Restore imports a previously persisted workflow as-is, steps and status
// included. Used to rehydrate stored state in a fresh process; the
// workflow is not re-validated and no persist is triggered. Restoring an
// ID the store already holds is an error.
func (s *Store) Restore(w *Workflow) error {
	if w == nil || w.ID.IsZero() {
		return types.NewError(types.WORKFLOW_VALIDATION_FAILED,
			"cannot restore a workflow without an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[w.ID]; exists {
		return types.NewError(types.WORKFLOW_VALIDATION_FAILED,
			fmt.Sprintf("workflow %s already loaded", w.ID))
	}
	s.workflows[w.ID] = w.Clone()
	return nil
}

// RegisterWorkflow queues a created workflow for execution, transitioning
// it to pending and persisting it. Re-registration of the same ID is
// idempotent: it never duplicates the workflow or its steps, and a
// workflow already past pending is left untouched.
func (s *Store) RegisterWorkflow(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	w, exists := s.workflows[id]
	if !exists {
		s.mu.Unlock()
		return types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", id))
	}
	if w.Status != StatusCreated {
		// Already registered; idempotent no-op.
		s.mu.Unlock()
		return nil
	}
	w.Status = StatusPending
	w.UpdatedAt = time.Now()
	clone := w.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	return nil
}

// UpdateWorkflowStatus applies a workflow status transition. Illegal
// transitions fail with WORKFLOW_INVALID_TRANSITION and are a no-op on
// stored state.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id types.ID, to Status) error {
	s.mu.Lock()
	w, exists := s.workflows[id]
	if !exists {
		s.mu.Unlock()
		return types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", id))
	}
	if !CanTransition(w.Status, to) {
		from := w.Status
		s.mu.Unlock()
		return types.NewError(types.WORKFLOW_INVALID_TRANSITION,
			fmt.Sprintf("workflow %s cannot transition %s -> %s", id, from, to))
	}
	w.Status = to
	w.UpdatedAt = time.Now()
	clone := w.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	return nil
}

// FailWorkflow transitions a workflow to failed and records the reason.
// Pending steps are skipped so the workflow settles fully.
func (s *Store) FailWorkflow(ctx context.Context, id types.ID, reason string) error {
	s.mu.Lock()
	w, exists := s.workflows[id]
	if !exists {
		s.mu.Unlock()
		return types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", id))
	}
	if !CanTransition(w.Status, StatusFailed) {
		from := w.Status
		s.mu.Unlock()
		return types.NewError(types.WORKFLOW_INVALID_TRANSITION,
			fmt.Sprintf("workflow %s cannot transition %s -> %s", id, from, StatusFailed))
	}
	now := time.Now()
	w.Status = StatusFailed
	w.Error = reason
	s.skipAllPendingLocked(w, now)
	w.UpdatedAt = now
	clone := w.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	return nil
}

// MarkStepRunning transitions a step to running under an agent claim,
// recording the assignment, the start time, and the attempt.
func (s *Store) MarkStepRunning(ctx context.Context, workflowID types.ID, stepID, agentID string) error {
	s.mu.Lock()
	w, step, err := s.lookupLocked(workflowID, stepID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !CanTransitionStep(step.Status, StepStatusRunning) {
		from := step.Status
		s.mu.Unlock()
		return types.NewError(types.STEP_INVALID_TRANSITION,
			fmt.Sprintf("step %s cannot transition %s -> %s", stepID, from, StepStatusRunning))
	}

	now := time.Now()
	step.Status = StepStatusRunning
	step.AssignedAgent = agentID
	step.Attempts++
	if step.StartTime == nil {
		step.StartTime = &now
	}
	w.UpdatedAt = now
	clone := w.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	return nil
}

// UpdateStepStatus applies a step transition and the workflow-level
// bookkeeping it implies:
//   - the final step's completion completes the workflow;
//   - a mandatory step's terminal failure fails the workflow, names the
//     step in the workflow error, and skips all still-pending steps;
//   - an optional step's terminal failure skips only its descendants;
//   - running -> pending returns a failed attempt to the dispatch queue.
func (s *Store) UpdateStepStatus(ctx context.Context, workflowID types.ID, stepID string, to StepStatus, result map[string]any, errText string) error {
	s.mu.Lock()
	w, step, err := s.lookupLocked(workflowID, stepID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !CanTransitionStep(step.Status, to) {
		from := step.Status
		s.mu.Unlock()
		return types.NewError(types.STEP_INVALID_TRANSITION,
			fmt.Sprintf("step %s cannot transition %s -> %s", stepID, from, to))
	}

	now := time.Now()
	step.Status = to
	w.UpdatedAt = now

	switch to {
	case StepStatusCompleted:
		step.Result = result
		step.Error = ""
		step.EndTime = &now
	case StepStatusFailed:
		step.Error = errText
		step.EndTime = &now
	case StepStatusSkipped:
		step.EndTime = &now
	case StepStatusPending:
		// Fresh attempt: the claim is gone and the next dispatch is a new
		// claim/dispatch cycle, not a resumption.
		step.AssignedAgent = ""
		step.Error = errText
	}

	if to == StepStatusFailed {
		if step.Optional {
			s.skipDescendantsLocked(w, stepID, now)
			if w.Error == "" {
				w.Error = fmt.Sprintf("optional step %s failed: %s", stepID, errText)
			}
		} else {
			w.Error = fmt.Sprintf("step %s failed: %s", stepID, errText)
			if CanTransition(w.Status, StatusFailed) {
				w.Status = StatusFailed
			}
			s.skipAllPendingLocked(w, now)
		}
	}

	// The last terminal step settles a running workflow.
	if w.Status == StatusRunning && w.IsComplete() {
		w.Status = StatusCompleted
	}

	clone := w.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	return nil
}

// CancelWorkflow sets the workflow to cancelled and skips every
// still-pending step. Running steps are not preempted; they finish or time
// out naturally and their terminal updates still apply.
func (s *Store) CancelWorkflow(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	w, exists := s.workflows[id]
	if !exists {
		s.mu.Unlock()
		return types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", id))
	}
	if !CanTransition(w.Status, StatusCancelled) {
		from := w.Status
		s.mu.Unlock()
		return types.NewError(types.WORKFLOW_INVALID_TRANSITION,
			fmt.Sprintf("workflow %s cannot transition %s -> %s", id, from, StatusCancelled))
	}

	now := time.Now()
	w.Status = StatusCancelled
	w.UpdatedAt = now
	s.skipAllPendingLocked(w, now)
	clone := w.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	return nil
}

// MarkAssembled records that an external assembly step finalized the
// workflow's output while it was pending.
func (s *Store) MarkAssembled(ctx context.Context, id types.ID) error {
	return s.UpdateWorkflowStatus(ctx, id, StatusAssembled)
}

// Get returns a copy of the workflow. The copy always reflects the latest
// known state, including partial failure with a populated error field.
func (s *Store) Get(id types.ID) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.workflows[id]
	if !exists {
		return nil, types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", id))
	}
	return w.Clone(), nil
}

// List returns copies of workflows matching the filter, newest first.
func (s *Store) List(filter Filter) []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Workflow
	for _, w := range s.workflows {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.NameContains != "" && !matchesName(w, filter.NameContains) {
			continue
		}
		out = append(out, w.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// EligibleSteps returns, across all running workflows, copies of pending
// steps whose every predecessor has completed. A step with no predecessors
// is eligible as soon as its workflow is running.
func (s *Store) EligibleSteps() []StepRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var eligible []StepRef
	for _, w := range s.workflows {
		if w.Status != StatusRunning {
			continue
		}
		for stepID, step := range w.Steps {
			if step.Status != StepStatusPending {
				continue
			}
			ready := true
			for _, predID := range w.Predecessors(stepID) {
				if w.Steps[predID].Status != StepStatusCompleted {
					ready = false
					break
				}
			}
			if ready {
				eligible = append(eligible, StepRef{WorkflowID: w.ID, Step: step.Clone()})
			}
		}
	}
	return eligible
}

// lookupLocked resolves a workflow and step; the caller holds the lock.
func (s *Store) lookupLocked(workflowID types.ID, stepID string) (*Workflow, *Step, error) {
	w, exists := s.workflows[workflowID]
	if !exists {
		return nil, nil, types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", workflowID))
	}
	step := w.GetStep(stepID)
	if step == nil {
		return nil, nil, types.NewError(types.STEP_NOT_FOUND,
			fmt.Sprintf("step %s not found in workflow %s", stepID, workflowID))
	}
	return w, step, nil
}

// skipAllPendingLocked marks every pending step skipped.
func (s *Store) skipAllPendingLocked(w *Workflow, now time.Time) {
	for _, step := range w.Steps {
		if step.Status == StepStatusPending {
			step.Status = StepStatusSkipped
			t := now
			step.EndTime = &t
		}
	}
}

// skipDescendantsLocked skips the pending transitive descendants of a
// step; their predecessor can never complete, so leaving them pending
// would deadlock the eligibility predicate.
func (s *Store) skipDescendantsLocked(w *Workflow, stepID string, now time.Time) {
	visited := map[string]bool{stepID: true}
	queue := append([]string(nil), w.Steps[stepID].NextSteps...)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		step := w.Steps[current]
		if step == nil {
			continue
		}
		if step.Status == StepStatusPending {
			step.Status = StepStatusSkipped
			t := now
			step.EndTime = &t
		}
		queue = append(queue, step.NextSteps...)
	}
}

// persist writes a workflow through the facade. Persistence failure is
// surfaced in the log but never rolls back the in-memory transition it
// describes; losing provenance on crash is an accepted gap.
func (s *Store) persist(ctx context.Context, w *Workflow) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveWorkflow(ctx, w); err != nil {
		s.logger.ErrorContext(ctx, "workflow persistence failed",
			"workflow_id", w.ID,
			"status", w.Status,
			"error", err,
		)
	}
}

func matchesName(w *Workflow, substr string) bool {
	needle := strings.ToLower(substr)
	if strings.Contains(strings.ToLower(w.Name), needle) {
		return true
	}
	if theme, ok := w.Metadata["theme"].(string); ok {
		return strings.Contains(strings.ToLower(theme), needle)
	}
	return false
}
