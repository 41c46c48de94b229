package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockEnhancer tidies text locally: it capitalizes the first letter and
// ends the sentence with a period. Errors are consumed one per call.
type MockEnhancer struct {
	Errors []error
	Delay  time.Duration
	// Transform overrides the default cleanup.
	Transform func(string) string

	mu    sync.Mutex
	calls int
}

func NewMockEnhancer() *MockEnhancer { return &MockEnhancer{Delay: 20 * time.Millisecond} }

func (m *MockEnhancer) Enhance(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	var err error
	if idx < len(m.Errors) {
		err = m.Errors[idx]
	}
	transform := m.Transform
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return Result{}, err
	}
	if transform == nil {
		transform = tidy
	}
	text := transform(req.Text)
	return Result{
		Text:  text,
		Model: "mock",
		Usage: Usage{PromptTokens: len(strings.Fields(req.Text)), CompletionTokens: len(strings.Fields(text))},
	}, nil
}

func (m *MockEnhancer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func tidy(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	s = strings.ToUpper(s[:1]) + s[1:]
	if !strings.ContainsAny(s[len(s)-1:], ".!?") {
		s += "."
	}
	return s
}
