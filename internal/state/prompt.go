package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PromptVersion ties the system prompt to the validator in this package.
// Bump it whenever the schema or the carry-over rules change.
const PromptVersion = "ts-3"

// SystemPrompt is the contract the updater holds the model to. The output
// schema below mirrors the ThreadState struct exactly; Validate is the
// mechanical check of what this text demands.
const SystemPrompt = `You are the feedback-intelligence engine of a customer support system.
You maintain ONE cumulative JSON state object per conversation thread.

OUTPUT RULES
- Reply with EXACTLY one JSON object. No prose, no Markdown, no code fences.
- Use only the fields of the schema below. Omit optional fields you know nothing about.

SCHEMA
{
  "summary": "one-paragraph neutral summary of the thread so far",
  "userGoal": "what the user ultimately wants (optional)",
  "intent": "Bug | Feature | Performance | Billing | Other",
  "knownEnvironment": {"device": "", "os": "", "browser": "", "appVersion": "", "hardware": "", "network": ""},
  "reproSteps": ["ordered reproduction steps"],
  "expectedBehavior": "(optional)",
  "actualBehavior": "(optional)",
  "openQuestions": ["questions the team still needs answered"],
  "resolvedQuestions": ["questions that have been answered"],
  "signals": {"sentiment": "", "urgency": "", "impactGuess": ""},
  "workItemCandidates": [{"type": "Bug|Feature|Chore|Docs", "shortTitle": "", "reason": "", "confidence": 0.0}],
  "recommendation": {"action": "NoTicket | AskQuestions | CreateBugWorkItem | CreateFeatureWorkItem | SplitIntoTwo", "reason": "", "confidence": 0.0},
  "duplicateHint": {"possibleDuplicate": false}
}

CUMULATIVE RULES
- You receive the PREVIOUS state and the FULL conversation. Produce the NEXT state.
- Never drop previously recorded reproSteps, knownEnvironment entries, or resolvedQuestions.
  Refine wording if needed, but every prior fact must survive.
- Move a question from openQuestions to resolvedQuestions once the user answers it.

CONFIDENCE CALIBRATION
- 0.9-1.0: the user stated it explicitly and unambiguously.
- 0.7-0.9: strongly implied; a reasonable engineer would act on it.
- 0.4-0.7: plausible reading, but clarification would help.
- below 0.4: speculation; prefer AskQuestions or NoTicket.

ACTION RULES
- CreateBugWorkItem / CreateFeatureWorkItem require at least one workItemCandidate.
- SplitIntoTwo is for threads mixing two unrelated requests; list both candidates.
- If the message is chit-chat, thanks, or unrelated feedback, default to NoTicket.`

// BuildUserPrompt renders the previous state plus the full conversation for
// one update call. Messages must already be in (createdAt, id) order.
func BuildUserPrompt(prev ThreadState, turns []ConversationTurn) string {
	prevJSON, err := json.MarshalIndent(prev, "", "  ")
	if err != nil {
		prevJSON = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("PREVIOUS STATE:\n")
	b.Write(prevJSON)
	b.WriteString("\n\nFULL CONVERSATION (oldest first):\n")
	for _, turn := range turns {
		fmt.Fprintf(&b, "[%s] %s: %s\n", turn.Timestamp, turn.Speaker, turn.Text)
	}
	b.WriteString("\nProduce the next cumulative state JSON object now.")
	return b.String()
}

// ConversationTurn is one rendered message for the prompt.
type ConversationTurn struct {
	Speaker   string // "user" or "internal"
	Timestamp string // RFC 3339 UTC
	Text      string
}
