package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"triage/internal/jsonfix"
	"triage/internal/logging"
)

// JSONOptions tunes a structured completion.
type JSONOptions struct {
	Temperature float64
	MaxTokens   int
	MaxRetries  int // corrective retries after the first malformed reply (default 1)
}

// JSONResult is a successfully parsed structured completion.
type JSONResult[T any] struct {
	Data     T
	Raw      string // assistant content as received
	Repaired bool   // whether jsonfix had to touch the payload
}

const correctiveMessage = "Your previous reply was not valid JSON matching the required schema. " +
	"Reply again with ONLY the corrected JSON object. No prose, no code fences."

// JSONCompletion runs the contract "prompt in, validated object out": parse
// the reply, repair it if needed, and on persistent failure feed the bad
// reply back with a corrective message for up to opts.MaxRetries more rounds.
// Transport-class failures pass through as ErrUnavailable; everything else
// surfaces as a MalformedError carrying the last raw payload.
func JSONCompletion[T any](ctx context.Context, client Chatter, systemPrompt, userPrompt string, validate func(*T) error, opts JSONOptions) (JSONResult[T], error) {
	logger := logging.NewComponentLogger("llm-json")

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}

	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: userPrompt},
	}

	var zero JSONResult[T]
	var lastRaw string
	var lastReason string

	for round := 0; round <= opts.MaxRetries; round++ {
		content, err := client.ChatCompletion(ctx, messages, opts.Temperature, opts.MaxTokens)
		if err != nil {
			return zero, err
		}
		lastRaw = content

		data, repaired, parseErr := parseAndValidate[T](content, validate)
		if parseErr == nil {
			if repaired {
				logger.Debug("structured completion required repair (model=%s round=%d)", client.Model(), round+1)
			}
			return JSONResult[T]{Data: data, Raw: content, Repaired: repaired}, nil
		}
		lastReason = parseErr.Error()
		logger.Debug("structured completion unparseable on round %d: %v", round+1, parseErr)

		if round < opts.MaxRetries {
			messages = append(messages,
				Message{Role: RoleAssistant, Content: content},
				Message{Role: RoleUser, Content: fmt.Sprintf("%s Error: %s", correctiveMessage, lastReason)},
			)
		}
	}

	return zero, &MalformedError{Reason: lastReason, Raw: lastRaw}
}

func parseAndValidate[T any](content string, validate func(*T) error) (T, bool, error) {
	var data T

	if err := json.Unmarshal([]byte(content), &data); err == nil {
		if validate != nil {
			if verr := validate(&data); verr != nil {
				return data, false, fmt.Errorf("validation: %w", verr)
			}
		}
		return data, false, nil
	}

	repaired, changed := jsonfix.Repair(content)
	var zero T
	data = zero
	if err := json.Unmarshal([]byte(repaired), &data); err != nil {
		return zero, changed, fmt.Errorf("parse after repair: %w", err)
	}
	if validate != nil {
		if verr := validate(&data); verr != nil {
			return zero, changed, fmt.Errorf("validation: %w", verr)
		}
	}
	return data, changed, nil
}
