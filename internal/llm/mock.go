package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Chatter for tests. Replies are consumed in order;
// a reply may be either content or an error.
type MockClient struct {
	mu      sync.Mutex
	replies []mockReply
	// Calls records every conversation the mock received.
	Calls [][]Message
}

type mockReply struct {
	content string
	err     error
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// QueueReply appends a successful scripted reply.
func (m *MockClient) QueueReply(content string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, mockReply{content: content})
	return m
}

// QueueError appends a scripted failure.
func (m *MockClient) QueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, mockReply{err: err})
	return m
}

func (m *MockClient) ChatCompletion(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)
	if len(m.replies) == 0 {
		return "", ErrUnavailable
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	if reply.err != nil {
		return "", reply.err
	}
	return reply.content, nil
}

func (m *MockClient) Model() string {
	return "mock"
}
