// Package state defines the cumulative ThreadState document: the fixed-schema
// machine-readable understanding of one support conversation. The schema, its
// validator, and the system prompt that produces it live together here and
// version together.
package state

import (
	"fmt"
)

// Intent classifies what the thread is about.
type Intent string

const (
	IntentBug         Intent = "Bug"
	IntentFeature     Intent = "Feature"
	IntentPerformance Intent = "Performance"
	IntentBilling     Intent = "Billing"
	IntentOther       Intent = "Other"
)

// Action is the recommended next step for a thread.
type Action string

const (
	ActionNoTicket              Action = "NoTicket"
	ActionAskQuestions          Action = "AskQuestions"
	ActionCreateBugWorkItem     Action = "CreateBugWorkItem"
	ActionCreateFeatureWorkItem Action = "CreateFeatureWorkItem"
	ActionSplitIntoTwo          Action = "SplitIntoTwo"
)

// knownEnvironmentKeys is the closed key set for KnownEnvironment.
var knownEnvironmentKeys = map[string]bool{
	"device":     true,
	"os":         true,
	"browser":    true,
	"appVersion": true,
	"hardware":   true,
	"network":    true,
}

// Signals are soft per-thread indicators. All optional.
type Signals struct {
	Sentiment   string `json:"sentiment,omitempty"`
	Urgency     string `json:"urgency,omitempty"`
	ImpactGuess string `json:"impactGuess,omitempty"`
}

// Candidate is one potential work item extracted from the conversation.
type Candidate struct {
	Type       string  `json:"type"`
	ShortTitle string  `json:"shortTitle"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Recommendation is the model's verdict on what to do with the thread.
type Recommendation struct {
	Action     Action  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// DuplicateHint points at a possibly pre-existing work item.
type DuplicateHint struct {
	PossibleDuplicate bool   `json:"possibleDuplicate"`
	MatchedWorkItemID *int   `json:"matchedWorkItemId,omitempty"`
	MatchedTicketURL  string `json:"matchedTicketUrl,omitempty"`
}

// ThreadState is the cumulative per-conversation state. Absence is explicit:
// empty strings and nil slices mean "not known yet", never null ambiguity.
type ThreadState struct {
	Summary            string            `json:"summary"`
	UserGoal           string            `json:"userGoal,omitempty"`
	Intent             Intent            `json:"intent"`
	KnownEnvironment   map[string]string `json:"knownEnvironment,omitempty"`
	ReproSteps         []string          `json:"reproSteps,omitempty"`
	ExpectedBehavior   string            `json:"expectedBehavior,omitempty"`
	ActualBehavior     string            `json:"actualBehavior,omitempty"`
	OpenQuestions      []string          `json:"openQuestions,omitempty"`
	ResolvedQuestions  []string          `json:"resolvedQuestions,omitempty"`
	Signals            Signals           `json:"signals"`
	WorkItemCandidates []Candidate       `json:"workItemCandidates,omitempty"`
	Recommendation     Recommendation    `json:"recommendation"`
	DuplicateHint      DuplicateHint     `json:"duplicateHint"`
}

// Empty returns the zero state a new thread starts with.
func Empty() ThreadState {
	return ThreadState{
		Intent:         IntentOther,
		Recommendation: Recommendation{Action: ActionNoTicket, Reason: "no signal yet"},
	}
}

// Normalize coerces a freshly parsed state into the closed schema: unknown
// enum values fall back to their defaults, confidences are clamped to [0,1],
// and environment keys outside the known set are dropped.
func (s *ThreadState) Normalize() {
	switch s.Intent {
	case IntentBug, IntentFeature, IntentPerformance, IntentBilling, IntentOther:
	default:
		s.Intent = IntentOther
	}

	switch s.Recommendation.Action {
	case ActionNoTicket, ActionAskQuestions, ActionCreateBugWorkItem, ActionCreateFeatureWorkItem, ActionSplitIntoTwo:
	default:
		s.Recommendation.Action = ActionNoTicket
	}

	s.Recommendation.Confidence = clamp01(s.Recommendation.Confidence)
	for i := range s.WorkItemCandidates {
		s.WorkItemCandidates[i].Confidence = clamp01(s.WorkItemCandidates[i].Confidence)
	}

	if s.KnownEnvironment != nil {
		for key := range s.KnownEnvironment {
			if !knownEnvironmentKeys[key] {
				delete(s.KnownEnvironment, key)
			}
		}
		if len(s.KnownEnvironment) == 0 {
			s.KnownEnvironment = nil
		}
	}
}

// Validate enforces the schema invariants after Normalize. A violation means
// the model's reply cannot be trusted; the caller keeps the previous state.
func Validate(s *ThreadState) error {
	s.Normalize()

	switch s.Recommendation.Action {
	case ActionCreateBugWorkItem, ActionCreateFeatureWorkItem:
		if len(s.WorkItemCandidates) == 0 {
			return fmt.Errorf("recommendation %s requires at least one workItemCandidate", s.Recommendation.Action)
		}
	case ActionSplitIntoTwo:
		if len(s.WorkItemCandidates) < 2 {
			return fmt.Errorf("recommendation SplitIntoTwo requires at least two workItemCandidates, got %d", len(s.WorkItemCandidates))
		}
	}

	for i, c := range s.WorkItemCandidates {
		if c.ShortTitle == "" {
			return fmt.Errorf("workItemCandidates[%d] missing shortTitle", i)
		}
	}

	return nil
}

// TopCandidate returns the highest-confidence candidate, or false when none.
func (s *ThreadState) TopCandidate() (Candidate, bool) {
	if len(s.WorkItemCandidates) == 0 {
		return Candidate{}, false
	}
	top := s.WorkItemCandidates[0]
	for _, c := range s.WorkItemCandidates[1:] {
		if c.Confidence > top.Confidence {
			top = c
		}
	}
	return top, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
