// Package updater implements the cumulative thread-state update: load the
// full conversation, ask the model for the next state, enforce monotonicity,
// and persist state plus audit in one transaction.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triage/internal/llm"
	"triage/internal/logging"
	"triage/internal/state"
	"triage/internal/store"
)

const (
	completionTemperature = 0.2
	completionMaxTokens   = 2048

	// updateTimeout bounds one full-context update, LLM retries included, so a
	// slow provider cannot eat the whole job deadline.
	updateTimeout = 120 * time.Second
)

// Updater produces the next cumulative ThreadState for a thread.
type Updater struct {
	store  store.Store
	client llm.Chatter
	budget *promptBudget
	logger logging.Logger
}

// New builds an Updater.
func New(st store.Store, client llm.Chatter) *Updater {
	return &Updater{
		store:  st,
		client: client,
		budget: newPromptBudget(defaultPromptTokenBudget),
		logger: logging.NewComponentLogger("updater"),
	}
}

// UpdateFullContext recomputes the thread's state from its entire message
// history. Semantics on failure:
//
//   - parse/validation failure: the previous state is kept, a
//     threadstate_update_failed audit entry is written, and the thread is
//     returned unchanged with a nil error.
//   - transport-or-circuit failure: nothing is persisted and
//     llm.ErrUnavailable propagates so the orchestrator requeues instead of
//     advancing with stale state.
func (u *Updater) UpdateFullContext(ctx context.Context, threadID int64) (store.Thread, error) {
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	thread, err := u.store.GetThread(ctx, threadID)
	if err != nil {
		return store.Thread{}, fmt.Errorf("load thread %d: %w", threadID, err)
	}

	messages, err := u.store.ListMessages(ctx, threadID)
	if err != nil {
		return store.Thread{}, fmt.Errorf("load messages for thread %d: %w", threadID, err)
	}
	if len(messages) == 0 {
		return thread, nil
	}

	turns := renderTurns(messages)
	turns = u.budget.trim(state.SystemPrompt, thread.State, turns)
	userPrompt := state.BuildUserPrompt(thread.State, turns)

	result, err := llm.JSONCompletion(ctx, u.client, state.SystemPrompt, userPrompt, state.Validate, llm.JSONOptions{
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
		MaxRetries:  1,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			// State is untouched, but each failed attempt leaves a trace so an
			// outage is visible in the thread's audit trail. Best effort, on a
			// detached context: the update deadline may already be spent.
			if auditErr := u.store.AppendAudit(context.WithoutCancel(ctx), store.AuditEntry{
				EntityType: "thread",
				EntityID:   thread.ID,
				Action:     store.AuditThreadStateUpdateFailed,
				Details: map[string]any{
					"promptVersion": state.PromptVersion,
					"reason":        err.Error(),
					"transient":     true,
				},
			}); auditErr != nil {
				u.logger.Warn("thread %d: audit unavailable attempt: %v", thread.ID, auditErr)
			}
			return store.Thread{}, err
		}
		return u.keepPreviousState(ctx, thread, err)
	}

	next := state.MergeMonotonic(thread.State, result.Data)
	next.Normalize()

	details := map[string]any{
		"promptVersion": state.PromptVersion,
		"messageCount":  len(messages),
		"action":        string(next.Recommendation.Action),
	}
	if result.Repaired {
		details["repaired"] = true
	}

	updated, err := u.store.ApplyStateUpdate(ctx, threadID, next, thread.UpdatedAt, store.AuditThreadStateUpdated, details)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent edit moved updatedAt. Reload and retry once.
		reloaded, reloadErr := u.store.GetThread(ctx, threadID)
		if reloadErr != nil {
			return store.Thread{}, reloadErr
		}
		next = state.MergeMonotonic(reloaded.State, next)
		next.Normalize()
		updated, err = u.store.ApplyStateUpdate(ctx, threadID, next, reloaded.UpdatedAt, store.AuditThreadStateUpdated, details)
	}
	if err != nil {
		return store.Thread{}, fmt.Errorf("persist state for thread %d: %w", threadID, err)
	}

	return updated, nil
}

// keepPreviousState handles a responding-but-malformed provider: audit the
// failure, keep the prior state, and do not fail the job.
func (u *Updater) keepPreviousState(ctx context.Context, thread store.Thread, cause error) (store.Thread, error) {
	u.logger.Warn("thread %d: malformed state update kept previous state: %v", thread.ID, cause)

	details := map[string]any{
		"promptVersion": state.PromptVersion,
		"reason":        cause.Error(),
	}
	var malformed *llm.MalformedError
	if errors.As(cause, &malformed) && malformed.Raw != "" {
		details["rawLength"] = len(malformed.Raw)
	}

	if err := u.store.AppendAudit(ctx, store.AuditEntry{
		EntityType: "thread",
		EntityID:   thread.ID,
		Action:     store.AuditThreadStateUpdateFailed,
		Details:    details,
	}); err != nil {
		return store.Thread{}, fmt.Errorf("audit update failure for thread %d: %w", thread.ID, err)
	}
	return thread, nil
}

func renderTurns(messages []store.Message) []state.ConversationTurn {
	turns := make([]state.ConversationTurn, 0, len(messages))
	for _, msg := range messages {
		speaker := "user"
		if msg.SenderType == store.SenderInternal {
			speaker = "internal"
		}
		turns = append(turns, state.ConversationTurn{
			Speaker:   speaker,
			Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339),
			Text:      msg.Text,
		})
	}
	return turns
}
