// Package gatekeeper turns a ThreadState into a deterministic pipeline
// decision. Gate is a pure function: no I/O, no logging, no clock.
package gatekeeper

import (
	"triage/internal/state"
	"triage/internal/store"
)

// WorkItemType is the downstream tracker's record type.
type WorkItemType string

const (
	TypeBug     WorkItemType = "Bug"
	TypeFeature WorkItemType = "Feature"
	TypeChore   WorkItemType = "Chore"
	TypeDocs    WorkItemType = "Docs"
)

// ConfidenceThreshold is the minimum recommendation confidence that turns a
// Create* action into an actual work item.
const ConfidenceThreshold = 0.7

// Decision is what the orchestrator acts on.
type Decision struct {
	ShouldCreate    bool
	WorkItemType    WorkItemType
	NewThreadStatus store.ThreadStatus
	Reason          string
}

// Gate evaluates the rules in order. It depends only on the recommendation
// and the top work-item candidate.
func Gate(s state.ThreadState) Decision {
	rec := s.Recommendation

	switch rec.Action {
	case state.ActionNoTicket:
		return Decision{NewThreadStatus: store.StatusOpen, Reason: rec.Reason}

	case state.ActionAskQuestions:
		return Decision{NewThreadStatus: store.StatusWaitingOnUser, Reason: rec.Reason}

	case state.ActionCreateBugWorkItem:
		if rec.Confidence >= ConfidenceThreshold {
			return Decision{ShouldCreate: true, WorkItemType: TypeBug, NewThreadStatus: store.StatusOpen, Reason: rec.Reason}
		}

	case state.ActionCreateFeatureWorkItem:
		if rec.Confidence >= ConfidenceThreshold {
			return Decision{ShouldCreate: true, WorkItemType: TypeFeature, NewThreadStatus: store.StatusOpen, Reason: rec.Reason}
		}

	case state.ActionSplitIntoTwo:
		if top, ok := s.TopCandidate(); ok && top.Confidence >= ConfidenceThreshold {
			return Decision{
				ShouldCreate:    true,
				WorkItemType:    coerceType(top.Type),
				NewThreadStatus: store.StatusOpen,
				Reason:          "split: " + top.ShortTitle,
			}
		}
	}

	return Decision{NewThreadStatus: store.StatusOpen, Reason: "confidence below threshold"}
}

// coerceType maps a free-form candidate type onto the valid set, falling
// back to Bug.
func coerceType(t string) WorkItemType {
	switch WorkItemType(t) {
	case TypeBug, TypeFeature, TypeChore, TypeDocs:
		return WorkItemType(t)
	default:
		return TypeBug
	}
}
