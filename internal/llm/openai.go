package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

type openAIEnhancer struct {
	client *openai.Client
	model  string
}

// NewOpenAIEnhancer talks to the chat completions API. baseURL may point at
// any OpenAI compatible server; empty keeps the default.
func NewOpenAIEnhancer(apiKey, baseURL, model string) Enhancer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openAIEnhancer{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *openAIEnhancer) Enhance(ctx context.Context, req Request) (Result, error) {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)})

	oReq := openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: msgs,
	}
	if req.Temperature > 0 {
		oReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		oReq.MaxTokens = req.MaxTokens
	}

	resp, err := e.client.CreateChatCompletion(ctx, oReq)
	if err != nil {
		return Result{}, fmt.Errorf("openai chat: %w", err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return Result{
		Text:  content,
		Model: resp.Model,
		Usage: Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens},
	}, nil
}
