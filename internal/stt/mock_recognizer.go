package stt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockRecognizer replays scripted responses. Each call consumes the next
// entry of Errors (nil entries succeed); once Errors is exhausted every call
// returns Result. Delay holds each call to let tests race a cancel against
// it; with IgnoreCancel the call keeps running past cancellation like a
// backend that does not watch its context.
type MockRecognizer struct {
	Result       TranscriptResult
	Errors       []error
	Delay        time.Duration
	IgnoreCancel bool

	mu    sync.Mutex
	calls int
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func (m *MockRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	var err error
	if idx < len(m.Errors) {
		err = m.Errors[idx]
	}
	result := m.Result
	delay := m.Delay
	ignoreCancel := m.IgnoreCancel
	m.mu.Unlock()

	if delay > 0 && ignoreCancel {
		time.Sleep(delay)
	} else if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()
		}
	}
	if err != nil {
		return TranscriptResult{}, err
	}
	if result.Text == "" {
		return TranscriptResult{
			Text:       fmt.Sprintf("[transcript length=%d]", len(req.Audio.PCM)),
			Confidence: 1,
		}, nil
	}
	return result, nil
}

// Calls reports how many times Transcribe ran.
func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
