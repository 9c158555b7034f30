// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/ziadkadry99/turnkeeper/internal/llm"
)

// MockProvider records calls and returns canned responses. When Responses is
// non-empty they are returned in order, the last one repeating.
type MockProvider struct {
	mu        sync.Mutex
	Calls     [][]llm.Message
	Response  string
	Responses []string
	Err       error
	ProvName  string
}

// NewMockProvider returns a provider answering every call with response.
func NewMockProvider(response string) *MockProvider {
	return &MockProvider{ProvName: "mock", Response: response}
}

// NewFailingProvider returns a provider whose every call fails with err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{ProvName: "mock", Err: err}
}

func (m *MockProvider) Name() string { return m.ProvName }

func (m *MockProvider) Chat(ctx context.Context, messages []llm.Message, cfg llm.ChatConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, messages)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) > 0 {
		idx := len(m.Calls) - 1
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		return m.Responses[idx], nil
	}
	return m.Response, nil
}

// CallCount returns how many times Chat was invoked.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
