package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message is one turn in a chat-completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage is the provider's token accounting, when reported.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatRequest is the OpenAI-compatible wire request.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the OpenAI-compatible wire response.
type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// modelsResponse is the /models listing, used only by the health probe.
type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ErrUnavailable is returned when the provider cannot be reached: circuit
// open, transport failure after retries, or a non-retryable HTTP status.
// Callers requeue on this instead of advancing with stale state.
var ErrUnavailable = errors.New("llm unavailable")

// ErrMalformed is returned when the provider answered but its payload stayed
// unparseable after repair and one corrective retry. Not retried at the
// transport level: the provider is up, just answering badly.
var ErrMalformed = errors.New("llm response malformed")

// MalformedError carries the raw content that failed to parse.
type MalformedError struct {
	Reason string
	Raw    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("llm response malformed: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

// Config holds provider settings for a client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Chatter is the minimal completion contract higher layers depend on.
type Chatter interface {
	ChatCompletion(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error)
	Model() string
}
