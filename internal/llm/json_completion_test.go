package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func requireCount(p *testPayload) error {
	if p.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", p.Count)
	}
	return nil
}

func TestJSONCompletionCleanReply(t *testing.T) {
	mock := NewMockClient().QueueReply(`{"name":"widget","count":3}`)

	result, err := JSONCompletion[testPayload](context.Background(), mock, "sys", "user", requireCount, JSONOptions{})
	require.NoError(t, err)
	assert.Equal(t, testPayload{Name: "widget", Count: 3}, result.Data)
	assert.False(t, result.Repaired)
	assert.Len(t, mock.Calls, 1)
}

func TestJSONCompletionRepairsFencedReply(t *testing.T) {
	mock := NewMockClient().QueueReply("```json\n{\"name\":\"widget\",\"count\":3}\n```")

	result, err := JSONCompletion[testPayload](context.Background(), mock, "sys", "user", requireCount, JSONOptions{})
	require.NoError(t, err)
	assert.Equal(t, "widget", result.Data.Name)
	assert.True(t, result.Repaired)
	assert.Len(t, mock.Calls, 1, "repair must not spend an extra round trip")
}

func TestJSONCompletionCorrectiveRetry(t *testing.T) {
	mock := NewMockClient().
		QueueReply("I cannot produce JSON right now, sorry").
		QueueReply(`{"name":"widget","count":3}`)

	result, err := JSONCompletion[testPayload](context.Background(), mock, "sys", "user", requireCount, JSONOptions{MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Data.Count)
	require.Len(t, mock.Calls, 2)

	// The second round must carry the bad reply and a corrective instruction.
	second := mock.Calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, RoleAssistant, second[2].Role)
	assert.Contains(t, second[3].Content, "not valid JSON")
}

func TestJSONCompletionValidatorFailureIsMalformed(t *testing.T) {
	mock := NewMockClient().
		QueueReply(`{"name":"widget","count":0}`).
		QueueReply(`{"name":"widget","count":-2}`)

	_, err := JSONCompletion[testPayload](context.Background(), mock, "sys", "user", requireCount, JSONOptions{MaxRetries: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	var malformed *MalformedError
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Reason, "count must be positive")
	assert.Equal(t, `{"name":"widget","count":-2}`, malformed.Raw)
}

func TestJSONCompletionTransportErrorPassesThrough(t *testing.T) {
	mock := NewMockClient().QueueError(fmt.Errorf("%w: connection refused", ErrUnavailable))

	_, err := JSONCompletion[testPayload](context.Background(), mock, "sys", "user", requireCount, JSONOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, errors.Is(err, ErrMalformed))
}
