// Package workitem builds and emits tracker work items from gatekeeper
// decisions, with at-most-once delivery per (thread, state fingerprint).
package workitem

import (
	"context"
	"fmt"
	"strings"

	"triage/internal/gatekeeper"
	"triage/internal/state"
	"triage/internal/store"
	"triage/internal/utils/id"
)

// Item is the payload handed to the downstream tracker. PublicID is assigned
// before emission so the suggestion message can reference the work item even
// when the tracker integration is asynchronous.
type Item struct {
	PublicID       string                  `json:"publicId"`
	ThreadID       int64                   `json:"threadId"`
	ThreadPublicID string                  `json:"threadPublicId"`
	Type           gatekeeper.WorkItemType `json:"type"`
	Title          string                  `json:"title"`
	Description    string                  `json:"description"`
	Fingerprint    string                  `json:"fingerprint"`
	PromptVersion  string                  `json:"promptVersion"`
}

// Emitter delivers an item. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, item Item) error
}

// Build assembles the item for a positive gatekeeper decision. The title
// prefers the top candidate's short title over the thread title, and the
// description is a readable digest of what the pipeline knows.
func Build(thread store.Thread, decision gatekeeper.Decision) Item {
	s := thread.State

	title := thread.Title
	if top, ok := s.TopCandidate(); ok && top.ShortTitle != "" {
		title = top.ShortTitle
	}
	if title == "" {
		title = fmt.Sprintf("%s report from thread %s", decision.WorkItemType, thread.PublicID)
	}

	return Item{
		PublicID:       id.NewPublicID(),
		ThreadID:       thread.ID,
		ThreadPublicID: thread.PublicID,
		Type:           decision.WorkItemType,
		Title:          title,
		Description:    describe(s, decision),
		Fingerprint:    s.Fingerprint(),
		PromptVersion:  state.PromptVersion,
	}
}

func describe(s state.ThreadState, decision gatekeeper.Decision) string {
	var b strings.Builder

	if s.Summary != "" {
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	if s.UserGoal != "" {
		fmt.Fprintf(&b, "\nUser goal: %s\n", s.UserGoal)
	}

	if len(s.ReproSteps) > 0 {
		b.WriteString("\nSteps to reproduce:\n")
		for i, step := range s.ReproSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if s.ExpectedBehavior != "" {
		fmt.Fprintf(&b, "\nExpected: %s\n", s.ExpectedBehavior)
	}
	if s.ActualBehavior != "" {
		fmt.Fprintf(&b, "Actual: %s\n", s.ActualBehavior)
	}

	if len(s.KnownEnvironment) > 0 {
		b.WriteString("\nEnvironment:\n")
		for _, key := range []string{"device", "os", "browser", "appVersion", "hardware", "network"} {
			if v, ok := s.KnownEnvironment[key]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", key, v)
			}
		}
	}

	if decision.Reason != "" {
		fmt.Fprintf(&b, "\nWhy now: %s\n", decision.Reason)
	}
	if s.DuplicateHint.PossibleDuplicate && s.DuplicateHint.MatchedTicketURL != "" {
		fmt.Fprintf(&b, "\nPossible duplicate of %s\n", s.DuplicateHint.MatchedTicketURL)
	}

	return strings.TrimSpace(b.String())
}
