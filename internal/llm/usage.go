package llm

import (
	"slices"
	"sync"
)

// ModelUsage totals token use for one model.
type ModelUsage struct {
	Model            string `json:"model"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// UsageLedger accumulates token usage per model.
type UsageLedger struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

func NewUsageLedger() *UsageLedger {
	return &UsageLedger{models: make(map[string]*ModelUsage)}
}

func (l *UsageLedger) Record(model string, u Usage) {
	if model == "" {
		model = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.models[model]
	if m == nil {
		m = &ModelUsage{Model: model}
		l.models[model] = m
	}
	m.Requests++
	m.PromptTokens += u.PromptTokens
	m.CompletionTokens += u.CompletionTokens
}

// Snapshot returns the totals sorted by model name.
func (l *UsageLedger) Snapshot() []ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ModelUsage, 0, len(l.models))
	for _, m := range l.models {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b ModelUsage) int {
		switch {
		case a.Model < b.Model:
			return -1
		case a.Model > b.Model:
			return 1
		}
		return 0
	})
	return out
}
