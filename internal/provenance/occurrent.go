package provenance

import (
	"time"

	"github.com/nicholaskb/semant/internal/types"
)

// Kind classifies an occurrent: a time-bounded event in the provenance trail.
type Kind string

const (
	// KindWorkflow records a workflow run.
	KindWorkflow Kind = "workflow"

	// KindStep records a single step run (one dispatch attempt's outcome
	// or the step's overall run).
	KindStep Kind = "step"

	// KindAgentInteraction records one engine/worker exchange.
	KindAgentInteraction Kind = "agent_interaction"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid checks if the kind is a valid value.
func (k Kind) IsValid() bool {
	switch k {
	case KindWorkflow, KindStep, KindAgentInteraction:
		return true
	default:
		return false
	}
}

// Occurrent is one append-only provenance record. An occurrent is never
// mutated once its EndTime is set; a correction is a new occurrent, not an
// edit.
type Occurrent struct {
	// ID is the unique identifier of this occurrent.
	ID types.ID `json:"id"`

	// Kind classifies the event.
	Kind Kind `json:"kind"`

	// SubjectID identifies the workflow, step, or agent the event is about.
	SubjectID string `json:"subject_id"`

	// Status is the outcome or current status the event records.
	Status string `json:"status"`

	// StartTime is when the event began.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the event ended; nil while open.
	EndTime *time.Time `json:"end_time,omitempty"`

	// Result is an optional free-form result payload.
	Result map[string]any `json:"result,omitempty"`

	// Error is an optional failure description.
	Error string `json:"error,omitempty"`
}

// NewOccurrent creates an open occurrent starting now.
func NewOccurrent(kind Kind, subjectID, status string) *Occurrent {
	return &Occurrent{
		ID:        types.NewID(),
		Kind:      kind,
		SubjectID: subjectID,
		Status:    status,
		StartTime: time.Now(),
	}
}

// Sealed reports whether the occurrent has ended and must not be mutated.
func (o *Occurrent) Sealed() bool {
	return o.EndTime != nil
}

// Close seals the occurrent with a final status at the current time.
// Closing an already sealed occurrent is a no-op.
func (o *Occurrent) Close(status string) {
	if o.Sealed() {
		return
	}
	now := time.Now()
	o.Status = status
	o.EndTime = &now
}

// Clone returns a deep copy of the occurrent.
func (o *Occurrent) Clone() *Occurrent {
	out := *o
	if o.EndTime != nil {
		t := *o.EndTime
		out.EndTime = &t
	}
	if o.Result != nil {
		out.Result = make(map[string]any, len(o.Result))
		for k, v := range o.Result {
			out.Result[k] = v
		}
	}
	return &out
}
