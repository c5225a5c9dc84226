package gatekeeper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"triage/internal/state"
	"triage/internal/store"
)

func TestGate(t *testing.T) {
	cases := []struct {
		name string
		in   state.ThreadState
		want Decision
	}{
		{
			name: "no ticket keeps thread open",
			in: state.ThreadState{
				Recommendation: state.Recommendation{Action: state.ActionNoTicket, Reason: "chit-chat"},
			},
			want: Decision{NewThreadStatus: store.StatusOpen, Reason: "chit-chat"},
		},
		{
			name: "ask questions parks the thread on the user",
			in: state.ThreadState{
				Recommendation: state.Recommendation{Action: state.ActionAskQuestions, Reason: "missing repro"},
			},
			want: Decision{NewThreadStatus: store.StatusWaitingOnUser, Reason: "missing repro"},
		},
		{
			name: "confident bug creates a bug work item",
			in: state.ThreadState{
				WorkItemCandidates: []state.Candidate{{Type: "Bug", ShortTitle: "Export crash", Confidence: 0.9}},
				Recommendation:     state.Recommendation{Action: state.ActionCreateBugWorkItem, Reason: "clear crash", Confidence: 0.85},
			},
			want: Decision{ShouldCreate: true, WorkItemType: TypeBug, NewThreadStatus: store.StatusOpen, Reason: "clear crash"},
		},
		{
			name: "bug below threshold is suppressed",
			in: state.ThreadState{
				WorkItemCandidates: []state.Candidate{{Type: "Bug", ShortTitle: "Export crash", Confidence: 0.9}},
				Recommendation:     state.Recommendation{Action: state.ActionCreateBugWorkItem, Confidence: 0.69},
			},
			want: Decision{NewThreadStatus: store.StatusOpen, Reason: "confidence below threshold"},
		},
		{
			name: "confidence exactly at threshold creates",
			in: state.ThreadState{
				WorkItemCandidates: []state.Candidate{{Type: "Feature", ShortTitle: "Dark mode", Confidence: 0.7}},
				Recommendation:     state.Recommendation{Action: state.ActionCreateFeatureWorkItem, Reason: "asked twice", Confidence: 0.7},
			},
			want: Decision{ShouldCreate: true, WorkItemType: TypeFeature, NewThreadStatus: store.StatusOpen, Reason: "asked twice"},
		},
		{
			name: "split emits the top candidate",
			in: state.ThreadState{
				WorkItemCandidates: []state.Candidate{
					{Type: "Feature", ShortTitle: "Dark mode", Confidence: 0.6},
					{Type: "Bug", ShortTitle: "Export crash", Confidence: 0.9},
				},
				Recommendation: state.Recommendation{Action: state.ActionSplitIntoTwo, Confidence: 0.8},
			},
			want: Decision{ShouldCreate: true, WorkItemType: TypeBug, NewThreadStatus: store.StatusOpen, Reason: "split: Export crash"},
		},
		{
			name: "split with weak candidates is suppressed",
			in: state.ThreadState{
				WorkItemCandidates: []state.Candidate{
					{Type: "Feature", ShortTitle: "Dark mode", Confidence: 0.5},
					{Type: "Bug", ShortTitle: "Export crash", Confidence: 0.6},
				},
				Recommendation: state.Recommendation{Action: state.ActionSplitIntoTwo, Confidence: 0.8},
			},
			want: Decision{NewThreadStatus: store.StatusOpen, Reason: "confidence below threshold"},
		},
		{
			name: "unknown candidate type falls back to bug",
			in: state.ThreadState{
				WorkItemCandidates: []state.Candidate{
					{Type: "Incident", ShortTitle: "Payment outage", Confidence: 0.95},
					{Type: "Docs", ShortTitle: "FAQ gap", Confidence: 0.4},
				},
				Recommendation: state.Recommendation{Action: state.ActionSplitIntoTwo, Confidence: 0.9},
			},
			want: Decision{ShouldCreate: true, WorkItemType: TypeBug, NewThreadStatus: store.StatusOpen, Reason: "split: Payment outage"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Gate(tc.in))
		})
	}
}

func TestGateIsDeterministic(t *testing.T) {
	s := state.ThreadState{
		WorkItemCandidates: []state.Candidate{{Type: "Bug", ShortTitle: "Export crash", Confidence: 0.9}},
		Recommendation:     state.Recommendation{Action: state.ActionCreateBugWorkItem, Reason: "clear crash", Confidence: 0.85},
	}
	first := Gate(s)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Gate(s))
	}
}
