package audio

import (
	"context"
	"sync"
)

// MockCapture returns a fixed clip. StartErr and StopErr simulate device
// failures.
type MockCapture struct {
	Clip     Clip
	StartErr error
	StopErr  error

	mu   sync.Mutex
	open int
}

func NewMockCapture(clip Clip) *MockCapture {
	return &MockCapture{Clip: clip}
}

func (m *MockCapture) Start(_ context.Context, _ string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	m.open++
	return &mockHandle{owner: m}, nil
}

// Open reports how many handles have not been released yet.
func (m *MockCapture) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

type mockHandle struct {
	owner *MockCapture
	once  sync.Once
}

func (h *mockHandle) Stop(_ context.Context) (Clip, error) {
	h.Release()
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if h.owner.StopErr != nil {
		return Clip{}, h.owner.StopErr
	}
	return h.owner.Clip, nil
}

func (h *mockHandle) Release() {
	h.once.Do(func() {
		h.owner.mu.Lock()
		h.owner.open--
		h.owner.mu.Unlock()
	})
}
