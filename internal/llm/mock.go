package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/szaher/designs/personagw/internal/message"
)

// MockResponse configures a single response from the mock engine.
type MockResponse struct {
	Text  string
	Error error
	// Delay holds the call for this long, or until ctx is done.
	Delay time.Duration
}

// MockCall records one call made to the mock engine.
type MockCall struct {
	Multimodal bool
	Window     []message.Message
	Sampling   Sampling
}

// MockEngine is a configurable engine for tests.
type MockEngine struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []MockCall
	closed    bool
}

// NewMockEngine creates a mock engine with a sequence of responses. Responses
// are returned in order; if exhausted, the last response repeats.
func NewMockEngine(responses ...MockResponse) *MockEngine {
	return &MockEngine{responses: responses}
}

// GenerateText returns the next configured response.
func (m *MockEngine) GenerateText(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	return m.next(ctx, MockCall{Window: message.CloneAll(window), Sampling: s})
}

// GenerateMultimodal returns the next configured response.
func (m *MockEngine) GenerateMultimodal(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	return m.next(ctx, MockCall{Multimodal: true, Window: message.CloneAll(window), Sampling: s})
}

func (m *MockEngine) next(ctx context.Context, call MockCall) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)

	if len(m.responses) == 0 {
		m.mu.Unlock()
		return "", fmt.Errorf("mock: no responses configured")
	}

	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	resp := m.responses[idx]
	m.mu.Unlock()

	if resp.Delay > 0 {
		t := time.NewTimer(resp.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if resp.Error != nil {
		return "", resp.Error
	}
	return resp.Text, nil
}

// Calls returns all recorded calls.
func (m *MockEngine) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of calls made.
func (m *MockEngine) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Close marks the engine closed.
func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
