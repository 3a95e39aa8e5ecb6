package workflow

import (
	"time"

	"github.com/nicholaskb/semant/internal/types"
)

// Recommendation is a reviewer's verdict on a workflow.
type Recommendation string

const (
	// RecommendationApprove endorses the workflow as specified.
	RecommendationApprove Recommendation = "approve"

	// RecommendationReject blocks the workflow and sends it back for
	// revision.
	RecommendationReject Recommendation = "reject"

	// RecommendationRevise asks for changes without outright rejection;
	// aggregate policies decide how it weighs.
	RecommendationRevise Recommendation = "revise"
)

// String returns the string representation of the recommendation.
func (r Recommendation) String() string {
	return string(r)
}

// IsValid checks if the recommendation is a valid value.
func (r Recommendation) IsValid() bool {
	switch r {
	case RecommendationApprove, RecommendationReject, RecommendationRevise:
		return true
	default:
		return false
	}
}

// Review is one reviewer's assessment of a workflow. A workflow accrues
// many reviews; it advances past the review gate only once the configured
// aggregate policy is satisfied.
type Review struct {
	// ID is the unique identifier of this review.
	ID types.ID `json:"id"`

	// WorkflowID is the reviewed workflow.
	WorkflowID types.ID `json:"workflow_id"`

	// ReviewerID is the agent that produced the review.
	ReviewerID string `json:"reviewer_id"`

	// Recommendation is the reviewer's verdict.
	Recommendation Recommendation `json:"recommendation"`

	// Content is the reviewer's free-form commentary.
	Content string `json:"content,omitempty"`

	// ReviewedAt is when the review was produced.
	ReviewedAt time.Time `json:"reviewed_at"`
}

// NewReview creates a review with a fresh ID and the current timestamp.
func NewReview(workflowID types.ID, reviewerID string, rec Recommendation, content string) Review {
	return Review{
		ID:             types.NewID(),
		WorkflowID:     workflowID,
		ReviewerID:     reviewerID,
		Recommendation: rec,
		Content:        content,
		ReviewedAt:     time.Now(),
	}
}
