package triplestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nicholaskb/semant/internal/capability"

	"github.com/nicholaskb/semant/internal/provenance"
	"github.com/nicholaskb/semant/internal/types"
	"github.com/nicholaskb/semant/internal/workflow"
)

// Predicate vocabulary. Each entity type maps to a fixed predicate set;
// multi-valued relations (hasStep, nextStep) carry the target ID in the
// predicate so the store's one-object-per-pair upsert semantics hold.
const (
	PredType           = "semant:type"
	PredName           = "semant:name"
	PredDescription    = "semant:description"
	PredStatus         = "semant:status"
	PredError          = "semant:error"
	PredCreatedAt      = "semant:createdAt"
	PredUpdatedAt      = "semant:updatedAt"
	PredHasStep        = "semant:hasStep"
	PredPartOf         = "semant:partOf"
	PredCapability     = "semant:stepCapability"
	PredAssignedAgent  = "semant:assignedAgent"
	PredStartTime      = "semant:startTime"
	PredEndTime        = "semant:endTime"
	PredNextStep       = "semant:nextStep"
	PredOptional       = "semant:optional"
	PredAttempts       = "semant:attempts"
	PredParameters     = "semant:parameters"
	PredResult         = "semant:result"
	PredReviewOf       = "semant:reviewOf"
	PredReviewedBy     = "semant:reviewedBy"
	PredRecommendation = "semant:recommendation"
	PredContent        = "semant:content"
	PredReviewedAt     = "semant:reviewedAt"
	PredOccurrentKind  = "semant:occurrentKind"
	PredAbout          = "semant:about"
	PredHasStatus      = "semant:hasStatus"
	PredHasStartTime   = "semant:hasStartTime"
	PredHasEndTime     = "semant:hasEndTime"
	PredHasResult      = "semant:hasResult"
	PredHasError       = "semant:hasError"
)

// Entity type objects for PredType.
const (
	TypeWorkflow  = "Workflow"
	TypeStep      = "WorkflowStep"
	TypeReview    = "Review"
	TypeOccurrent = "Occurrent"
)

// Mapper translates engine entities to triples and back-projects stored
// triples for read-side snapshots. It implements workflow.Persister and
// provenance.Sink against any TripleStore.
type Mapper struct {
	store TripleStore
}

// NewMapper creates a Mapper over the given store.
func NewMapper(store TripleStore) *Mapper {
	return &Mapper{store: store}
}

// WorkflowSubject returns the triple subject for a workflow ID.
func WorkflowSubject(id types.ID) string {
	return "workflow:" + id.String()
}

// StepSubject returns the triple subject for a step within a workflow.
func StepSubject(workflowID types.ID, stepID string) string {
	return fmt.Sprintf("step:%s:%s", workflowID, stepID)
}

// ReviewSubject returns the triple subject for a review ID.
func ReviewSubject(id types.ID) string {
	return "review:" + id.String()
}

// OccurrentSubject returns the triple subject for an occurrent ID.
func OccurrentSubject(id types.ID) string {
	return "occurrent:" + id.String()
}

// SaveWorkflow persists a workflow and all of its steps. The workflow's
// statements are rewritten wholesale so cleared fields don't linger.
func (m *Mapper) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	subject := WorkflowSubject(w.ID)
	if err := m.store.DeleteSubject(ctx, subject); err != nil {
		return err
	}

	puts := [][2]string{
		{PredType, TypeWorkflow},
		{PredName, w.Name},
		{PredStatus, w.Status.String()},
		{PredCreatedAt, w.CreatedAt.UTC().Format(time.RFC3339Nano)},
		{PredUpdatedAt, w.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if w.Description != "" {
		puts = append(puts, [2]string{PredDescription, w.Description})
	}
	if w.Error != "" {
		puts = append(puts, [2]string{PredError, w.Error})
	}
	for stepID := range w.Steps {
		puts = append(puts, [2]string{
			PredHasStep + ":" + stepID,
			StepSubject(w.ID, stepID),
		})
	}

	for _, p := range puts {
		if err := m.store.Put(ctx, subject, p[0], p[1]); err != nil {
			return err
		}
	}

	for _, step := range w.Steps {
		if err := m.saveStep(ctx, w.ID, step); err != nil {
			return err
		}
	}

	return nil
}

// saveStep persists one step's statements.
func (m *Mapper) saveStep(ctx context.Context, workflowID types.ID, step *workflow.Step) error {
	subject := StepSubject(workflowID, step.ID)
	if err := m.store.DeleteSubject(ctx, subject); err != nil {
		return err
	}

	puts := [][2]string{
		{PredType, TypeStep},
		{PredPartOf, WorkflowSubject(workflowID)},
		{PredCapability, step.Capability.String()},
		{PredStatus, step.Status.String()},
		{PredOptional, strconv.FormatBool(step.Optional)},
		{PredAttempts, strconv.Itoa(step.Attempts)},
	}
	if step.AssignedAgent != "" {
		puts = append(puts, [2]string{PredAssignedAgent, step.AssignedAgent})
	}
	if step.Error != "" {
		puts = append(puts, [2]string{PredError, step.Error})
	}
	if step.StartTime != nil {
		puts = append(puts, [2]string{PredStartTime, step.StartTime.UTC().Format(time.RFC3339Nano)})
	}
	if step.EndTime != nil {
		puts = append(puts, [2]string{PredEndTime, step.EndTime.UTC().Format(time.RFC3339Nano)})
	}
	if len(step.Parameters) > 0 {
		encoded, err := json.Marshal(step.Parameters)
		if err != nil {
			return types.WrapError(types.PERSISTENCE_FAILED, "failed to encode step parameters", err)
		}
		puts = append(puts, [2]string{PredParameters, string(encoded)})
	}
	if len(step.Result) > 0 {
		encoded, err := json.Marshal(step.Result)
		if err != nil {
			return types.WrapError(types.PERSISTENCE_FAILED, "failed to encode step result", err)
		}
		puts = append(puts, [2]string{PredResult, string(encoded)})
	}
	for _, next := range step.NextSteps {
		puts = append(puts, [2]string{
			PredNextStep + ":" + next,
			StepSubject(workflowID, next),
		})
	}

	for _, p := range puts {
		if err := m.store.Put(ctx, subject, p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

// SaveReview persists one review.
func (m *Mapper) SaveReview(ctx context.Context, r workflow.Review) error {
	subject := ReviewSubject(r.ID)
	puts := [][2]string{
		{PredType, TypeReview},
		{PredReviewOf, WorkflowSubject(r.WorkflowID)},
		{PredReviewedBy, r.ReviewerID},
		{PredRecommendation, r.Recommendation.String()},
		{PredReviewedAt, r.ReviewedAt.UTC().Format(time.RFC3339Nano)},
	}
	if r.Content != "" {
		puts = append(puts, [2]string{PredContent, r.Content})
	}

	for _, p := range puts {
		if err := m.store.Put(ctx, subject, p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

// SaveOccurrent persists one occurrent.
func (m *Mapper) SaveOccurrent(ctx context.Context, o *provenance.Occurrent) error {
	subject := OccurrentSubject(o.ID)
	puts := [][2]string{
		{PredType, TypeOccurrent},
		{PredOccurrentKind, o.Kind.String()},
		{PredAbout, o.SubjectID},
		{PredHasStatus, o.Status},
		{PredHasStartTime, o.StartTime.UTC().Format(time.RFC3339Nano)},
	}
	if o.EndTime != nil {
		puts = append(puts, [2]string{PredHasEndTime, o.EndTime.UTC().Format(time.RFC3339Nano)})
	}
	if o.Error != "" {
		puts = append(puts, [2]string{PredHasError, o.Error})
	}
	if len(o.Result) > 0 {
		encoded, err := json.Marshal(o.Result)
		if err != nil {
			return types.WrapError(types.PERSISTENCE_FAILED, "failed to encode occurrent result", err)
		}
		puts = append(puts, [2]string{PredHasResult, string(encoded)})
	}

	for _, p := range puts {
		if err := m.store.Put(ctx, subject, p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

// ListWorkflowIDs returns the IDs of every persisted workflow.
func (m *Mapper) ListWorkflowIDs(ctx context.Context) ([]types.ID, error) {
	rows, err := m.store.Query(ctx, Pattern{Predicate: PredType, Object: TypeWorkflow})
	if err != nil {
		return nil, err
	}

	ids := make([]types.ID, 0, len(rows))
	for _, t := range rows {
		raw := strings.TrimPrefix(t.Subject, "workflow:")
		id, err := types.ParseID(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadWorkflow reconstructs a workflow and its steps from stored triples.
// The inverse of SaveWorkflow; used to rehydrate persisted state in a
// fresh process.
func (m *Mapper) LoadWorkflow(ctx context.Context, workflowID types.ID) (*workflow.Workflow, error) {
	subject := WorkflowSubject(workflowID)
	rows, err := m.store.Query(ctx, Pattern{Subject: subject})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found in triple store", workflowID))
	}

	w := &workflow.Workflow{
		ID:    workflowID,
		Steps: make(map[string]*workflow.Step),
	}
	for _, t := range rows {
		switch t.Predicate {
		case PredName:
			w.Name = t.Object
		case PredDescription:
			w.Description = t.Object
		case PredStatus:
			w.Status = workflow.Status(t.Object)
		case PredError:
			w.Error = t.Object
		case PredCreatedAt:
			w.CreatedAt, _ = time.Parse(time.RFC3339Nano, t.Object)
		case PredUpdatedAt:
			w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, t.Object)
		}
	}

	stepRefs, err := m.store.Query(ctx, Pattern{Predicate: PredPartOf, Object: subject})
	if err != nil {
		return nil, err
	}
	stepPrefix := fmt.Sprintf("step:%s:", workflowID)
	for _, ref := range stepRefs {
		stepID := strings.TrimPrefix(ref.Subject, stepPrefix)
		step, err := m.loadStep(ctx, ref.Subject, stepID)
		if err != nil {
			return nil, err
		}
		w.Steps[stepID] = step
	}

	return w, nil
}

// loadStep reconstructs one step from its subject's triples.
func (m *Mapper) loadStep(ctx context.Context, subject, stepID string) (*workflow.Step, error) {
	rows, err := m.store.Query(ctx, Pattern{Subject: subject})
	if err != nil {
		return nil, err
	}

	step := &workflow.Step{ID: stepID}
	for _, t := range rows {
		switch {
		case t.Predicate == PredCapability:
			tag, err := capability.ParseTag(t.Object)
			if err != nil {
				return nil, err
			}
			step.Capability = tag
		case t.Predicate == PredStatus:
			step.Status = workflow.StepStatus(t.Object)
		case t.Predicate == PredAssignedAgent:
			step.AssignedAgent = t.Object
		case t.Predicate == PredError:
			step.Error = t.Object
		case t.Predicate == PredOptional:
			step.Optional, _ = strconv.ParseBool(t.Object)
		case t.Predicate == PredAttempts:
			step.Attempts, _ = strconv.Atoi(t.Object)
		case t.Predicate == PredStartTime:
			if ts, err := time.Parse(time.RFC3339Nano, t.Object); err == nil {
				step.StartTime = &ts
			}
		case t.Predicate == PredEndTime:
			if ts, err := time.Parse(time.RFC3339Nano, t.Object); err == nil {
				step.EndTime = &ts
			}
		case t.Predicate == PredParameters:
			_ = json.Unmarshal([]byte(t.Object), &step.Parameters)
		case t.Predicate == PredResult:
			_ = json.Unmarshal([]byte(t.Object), &step.Result)
		case strings.HasPrefix(t.Predicate, PredNextStep+":"):
			step.NextSteps = append(step.NextSteps, strings.TrimPrefix(t.Predicate, PredNextStep+":"))
		}
	}
	sort.Strings(step.NextSteps)
	return step, nil
}

// LoadOccurrents reconstructs persisted occurrents matching the filter,
// ordered by start time descending.
func (m *Mapper) LoadOccurrents(ctx context.Context, filter provenance.Filter) ([]*provenance.Occurrent, error) {
	refs, err := m.store.Query(ctx, Pattern{Predicate: PredType, Object: TypeOccurrent})
	if err != nil {
		return nil, err
	}

	var out []*provenance.Occurrent
	for _, ref := range refs {
		id, err := types.ParseID(strings.TrimPrefix(ref.Subject, "occurrent:"))
		if err != nil {
			continue
		}
		rows, err := m.store.Query(ctx, Pattern{Subject: ref.Subject})
		if err != nil {
			return nil, err
		}

		o := &provenance.Occurrent{ID: id}
		for _, t := range rows {
			switch t.Predicate {
			case PredOccurrentKind:
				o.Kind = provenance.Kind(t.Object)
			case PredAbout:
				o.SubjectID = t.Object
			case PredHasStatus:
				o.Status = t.Object
			case PredHasStartTime:
				o.StartTime, _ = time.Parse(time.RFC3339Nano, t.Object)
			case PredHasEndTime:
				if ts, err := time.Parse(time.RFC3339Nano, t.Object); err == nil {
					o.EndTime = &ts
				}
			case PredHasError:
				o.Error = t.Object
			case PredHasResult:
				_ = json.Unmarshal([]byte(t.Object), &o.Result)
			}
		}

		if filter.Kind != "" && o.Kind != filter.Kind {
			continue
		}
		if filter.SubjectID != "" && o.SubjectID != filter.SubjectID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && o.StartTime.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && o.StartTime.After(filter.Until) {
			continue
		}
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// WorkflowSnapshot projects every stored statement about a workflow and
// its steps. This is the pipeline's visualize output: a pure read-side
// projection with no state change.
func (m *Mapper) WorkflowSnapshot(ctx context.Context, workflowID types.ID) ([]Triple, error) {
	subject := WorkflowSubject(workflowID)
	snapshot, err := m.store.Query(ctx, Pattern{Subject: subject})
	if err != nil {
		return nil, err
	}

	stepRefs, err := m.store.Query(ctx, Pattern{Predicate: PredPartOf, Object: subject})
	if err != nil {
		return nil, err
	}
	for _, ref := range stepRefs {
		stepTriples, err := m.store.Query(ctx, Pattern{Subject: ref.Subject})
		if err != nil {
			return nil, err
		}
		snapshot = append(snapshot, stepTriples...)
	}

	return snapshot, nil
}
