package stt

import (
	"context"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// OpenAIRecognizer calls the hosted Whisper transcription endpoint.
type OpenAIRecognizer struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(cfg config.STTConfig) *OpenAIRecognizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
	}
}

func (r *OpenAIRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	path, cleanup, err := audio.WriteTempWAV(req.Audio)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	language := req.Language
	if language == "" {
		language = r.language
	}
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: path,
		Prompt:   strings.Join(req.Hints, ", "),
		Language: language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}

	confidence := 1.0
	var weighted, total float64
	for _, seg := range resp.Segments {
		span := seg.End - seg.Start
		if span <= 0 {
			span = 1
		}
		weighted += seg.AvgLogprob * span
		total += span
	}
	if total > 0 {
		confidence = math.Exp(weighted / total)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: confidence}, nil
}
