package synth

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a deterministic Provider for tests and dry runs. Each
// chunk's audio is "<audio:N>" where N counts successful calls, unless
// Audio is set.
type MockProvider struct {
	mu sync.Mutex

	// Failures maps a chunk's text to how many times it fails before
	// succeeding.
	Failures map[string]int
	// Err is returned for scripted failures. Defaults to a retryable
	// ProviderError.
	Err error
	// Audio overrides the generated bytes.
	Audio func(req Request) []byte

	requests  []Request
	succeeded int
	failed    map[string]int
}

// NewMockProvider returns a provider that always succeeds.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Synthesize implements Provider.
func (m *MockProvider) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.failed == nil {
		m.failed = make(map[string]int)
	}
	if m.failed[req.Text] < m.Failures[req.Text] {
		m.failed[req.Text]++
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, &ProviderError{StatusCode: 503, Message: "service unavailable", Retryable: true}
	}

	m.succeeded++
	if m.Audio != nil {
		return m.Audio(req), nil
	}
	return []byte(fmt.Sprintf("<audio:%d>", m.succeeded)), nil
}

// Requests returns every request received, including failed ones.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Calls returns the number of requests received.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
