package updater

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"triage/internal/state"
)

// defaultPromptTokenBudget bounds system prompt + prior state + conversation.
// Well under common 32k context windows, leaving room for the completion.
const defaultPromptTokenBudget = 24000

const truncationMarker = "[earlier messages omitted to fit the context window]"

// promptBudget counts tokens with tiktoken and trims the oldest conversation
// turns first. The prior state and the newest turns always survive.
type promptBudget struct {
	limit int

	once    sync.Once
	encoder *tiktoken.Tiktoken
}

func newPromptBudget(limit int) *promptBudget {
	return &promptBudget{limit: limit}
}

// count returns the token count of s. If the encoding cannot be loaded
// (offline hosts without the BPE cache) it falls back to a bytes/4 estimate,
// which overcounts for prose and therefore trims conservatively.
func (b *promptBudget) count(s string) int {
	b.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			b.encoder = enc
		}
	})
	if b.encoder == nil {
		return len(s)/4 + 1
	}
	return len(b.encoder.Encode(s, nil, nil))
}

// trim drops oldest turns until the whole prompt fits the budget. At least
// one turn is always kept; a marker turn records that history was cut.
func (b *promptBudget) trim(systemPrompt string, prior state.ThreadState, turns []state.ConversationTurn) []state.ConversationTurn {
	fixed := b.count(systemPrompt) + b.count(stateJSON(prior))

	total := fixed
	for _, t := range turns {
		total += b.turnCost(t)
	}
	if total <= b.limit {
		return turns
	}

	dropped := 0
	for total > b.limit && len(turns) > 1 {
		total -= b.turnCost(turns[0])
		turns = turns[1:]
		dropped++
	}
	if dropped == 0 {
		return turns
	}

	marker := state.ConversationTurn{Speaker: "internal", Text: truncationMarker}
	return append([]state.ConversationTurn{marker}, turns...)
}

func (b *promptBudget) turnCost(t state.ConversationTurn) int {
	// Speaker label, timestamp, and framing cost a handful of tokens on top
	// of the text itself.
	return b.count(t.Text) + 12
}

func stateJSON(s state.ThreadState) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}
