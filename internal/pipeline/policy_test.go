package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nicholaskb/semant/internal/types"
	"github.com/nicholaskb/semant/internal/workflow"
)

func reviewsOf(recs ...workflow.Recommendation) []workflow.Review {
	out := make([]workflow.Review, 0, len(recs))
	for _, rec := range recs {
		out = append(out, workflow.Review{
			ID:             types.NewID(),
			ReviewerID:     "reviewer",
			Recommendation: rec,
		})
	}
	return out
}

func TestMajorityApprove(t *testing.T) {
	tests := []struct {
		name    string
		reviews []workflow.Review
		want    workflow.Recommendation
	}{
		{
			name:    "empty set rejects",
			reviews: nil,
			want:    workflow.RecommendationReject,
		},
		{
			name:    "single approval approves",
			reviews: reviewsOf(workflow.RecommendationApprove),
			want:    workflow.RecommendationApprove,
		},
		{
			name:    "two of three approves",
			reviews: reviewsOf(workflow.RecommendationApprove, workflow.RecommendationApprove, workflow.RecommendationReject),
			want:    workflow.RecommendationApprove,
		},
		{
			name:    "split vote asks for revision",
			reviews: reviewsOf(workflow.RecommendationApprove, workflow.RecommendationReject),
			want:    workflow.RecommendationRevise,
		},
		{
			name:    "no approvals rejects",
			reviews: reviewsOf(workflow.RecommendationReject, workflow.RecommendationRevise),
			want:    workflow.RecommendationReject,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MajorityApprove(tt.reviews))
		})
	}
}

func TestAllApprove(t *testing.T) {
	tests := []struct {
		name    string
		reviews []workflow.Review
		want    workflow.Recommendation
	}{
		{
			name:    "empty set rejects",
			reviews: nil,
			want:    workflow.RecommendationReject,
		},
		{
			name:    "unanimous approval approves",
			reviews: reviewsOf(workflow.RecommendationApprove, workflow.RecommendationApprove),
			want:    workflow.RecommendationApprove,
		},
		{
			name:    "single reject vetoes",
			reviews: reviewsOf(workflow.RecommendationApprove, workflow.RecommendationReject, workflow.RecommendationApprove),
			want:    workflow.RecommendationReject,
		},
		{
			name:    "revise without reject asks for revision",
			reviews: reviewsOf(workflow.RecommendationApprove, workflow.RecommendationRevise),
			want:    workflow.RecommendationRevise,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AllApprove(tt.reviews))
		})
	}
}

func TestPolicyByName(t *testing.T) {
	unanimous := reviewsOf(workflow.RecommendationApprove, workflow.RecommendationReject)

	assert.Equal(t, workflow.RecommendationReject, PolicyByName("all_approve")(unanimous))
	assert.Equal(t, workflow.RecommendationRevise, PolicyByName("majority_approve")(unanimous))
	assert.Equal(t, workflow.RecommendationRevise, PolicyByName("")(unanimous))
	assert.Equal(t, workflow.RecommendationRevise, PolicyByName("unknown")(unanimous))
}
