package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/errclass"
)

type ollamaEnhancer struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaEnhancer(endpoint, model string) Enhancer {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaEnhancer{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: http.DefaultClient}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaEnhancer) Enhance(ctx context.Context, req Request) (Result, error) {
	payload := ollamaRequest{
		Model:  g.model,
		Prompt: userPrompt(req),
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &errclass.StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	scanner := bufio.NewScanner(resp.Body)
	var accumulated strings.Builder
	var usage Usage
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Result{}, err
		}
		if chunk.Error != "" {
			return Result{}, &errclass.StatusError{Code: http.StatusInternalServerError, Message: chunk.Error}
		}
		accumulated.WriteString(chunk.Response)
		if chunk.EvalCount > 0 {
			usage.CompletionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			usage.PromptTokens = chunk.PromptEvalCount
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}
	return Result{Text: accumulated.String(), Model: g.model, Usage: usage}, nil
}
