package pipeline

import (
	"github.com/nicholaskb/semant/internal/workflow"
)

// ReviewPolicy aggregates a set of reviews into a single recommendation.
// The pipeline advances past the review phase only when the policy returns
// approve; revise and reject both send the workflow back for revision.
type ReviewPolicy func(reviews []workflow.Review) workflow.Recommendation

// MajorityApprove approves when strictly more than half of the collected
// reviews approve. An empty review set is a rejection.
func MajorityApprove(reviews []workflow.Review) workflow.Recommendation {
	if len(reviews) == 0 {
		return workflow.RecommendationReject
	}
	approvals := 0
	for _, r := range reviews {
		if r.Recommendation == workflow.RecommendationApprove {
			approvals++
		}
	}
	if approvals*2 > len(reviews) {
		return workflow.RecommendationApprove
	}
	if approvals > 0 {
		return workflow.RecommendationRevise
	}
	return workflow.RecommendationReject
}

// AllApprove approves only when every collected review approves. A single
// reject vetoes; any revise with no reject asks for revision.
func AllApprove(reviews []workflow.Review) workflow.Recommendation {
	if len(reviews) == 0 {
		return workflow.RecommendationReject
	}
	sawRevise := false
	for _, r := range reviews {
		switch r.Recommendation {
		case workflow.RecommendationReject:
			return workflow.RecommendationReject
		case workflow.RecommendationRevise:
			sawRevise = true
		}
	}
	if sawRevise {
		return workflow.RecommendationRevise
	}
	return workflow.RecommendationApprove
}

// PolicyByName resolves a configured policy name to its implementation.
// Unknown names fall back to MajorityApprove.
func PolicyByName(name string) ReviewPolicy {
	switch name {
	case "all_approve":
		return AllApprove
	case "majority_approve", "":
		return MajorityApprove
	default:
		return MajorityApprove
	}
}
