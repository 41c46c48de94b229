package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Request asks an enhancer to clean up one transcript.
type Request struct {
	Text        string
	ContextType string
	// Prompt is the context-specific instruction template.
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Usage is token accounting reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is the enhanced text.
type Result struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	Usage Usage  `json:"usage"`
}

// Enhancer defines a pluggable text enhancement backend.
type Enhancer interface {
	Enhance(ctx context.Context, req Request) (Result, error)
}

// New builds the enhancer selected by cfg.Mode.
func New(cfg config.LLMConfig) (Enhancer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockEnhancer(), nil
	case "ollama":
		return NewOllamaEnhancer(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAIEnhancer(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "anthropic":
		return NewAnthropicEnhancer(cfg.APIKey, cfg.Model), nil
	case "exec":
		return NewExecEnhancer(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// userPrompt joins the context instruction and the transcript.
func userPrompt(req Request) string {
	var b strings.Builder
	if req.Prompt != "" {
		b.WriteString(strings.TrimSpace(req.Prompt))
		b.WriteString("\n\n")
	}
	b.WriteString("Text:\n")
	b.WriteString(req.Text)
	return b.String()
}
