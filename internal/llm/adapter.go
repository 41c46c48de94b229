package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-dictate/internal/cache"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/retry"
)

const opEnhance = "enhance"

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Enhancer Enhancer
	Cache    *cache.Cache[Result]
	Policy   retry.Policy
	// Timeout bounds a single attempt.
	Timeout          time.Duration
	System           string
	MaxTokens        int
	Temperature      float64
	StoreAfterCancel bool
	Usage            *UsageLedger
	Logger           *slog.Logger
}

// Adapter wraps an Enhancer with caching, retries and validation. Any
// failure other than cancellation degrades to the original transcript.
type Adapter struct {
	opts AdapterOptions
	log  *slog.Logger
}

func NewAdapter(opts AdapterOptions) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{opts: opts, log: logger.With(slog.String("component", "enhancement"))}
}

// Enhance cleans up transcript for contextType using prompt. On Degraded the
// outcome value carries the transcript unchanged.
func (a *Adapter) Enhance(ctx context.Context, transcript, contextType, prompt string) retry.Outcome[Result] {
	fallback := Result{Text: transcript}
	key := cache.EnhancementKey(transcript, contextType, prompt)
	if a.opts.Cache != nil {
		if cached, ok := a.opts.Cache.Get(ctx, key); ok {
			return retry.OK(cached, 0, true)
		}
	}

	req := Request{
		Text:        transcript,
		ContextType: contextType,
		Prompt:      prompt,
		System:      a.opts.System,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}
	var result Result
	res, err := a.opts.Policy.Run(ctx, opEnhance, func(ctx context.Context, attempt int) error {
		r, err := retry.Attempt(ctx, a.opts.Timeout, func(ctx context.Context) (Result, error) {
			return a.opts.Enhancer.Enhance(ctx, req)
		}, func(r Result) { a.late(key, r) })
		if err != nil {
			a.log.Warn("enhancement attempt failed",
				slog.Int("attempt", attempt),
				slog.String("kind", string(errclass.Classify(err))),
				slog.String("error", err.Error()))
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if res.Kind == errclass.KindCancelled {
			return retry.Failed[Result](err, opEnhance, res.Attempts)
		}
		return retry.Degraded(fallback, err, opEnhance, res.Attempts)
	}
	if a.opts.Usage != nil {
		a.opts.Usage.Record(result.Model, result.Usage)
	}

	cleaned, err := clean(result.Text)
	if err != nil {
		return retry.Degraded(fallback, err, opEnhance, res.Attempts)
	}
	result.Text = cleaned

	if ctx.Err() != nil {
		return retry.Failed[Result](ctx.Err(), opEnhance, res.Attempts)
	}
	if a.opts.Cache != nil {
		a.opts.Cache.Put(ctx, key, result)
	}
	return retry.OK(result, res.Attempts, false)
}

func (a *Adapter) late(key string, r Result) {
	if !a.opts.StoreAfterCancel || a.opts.Cache == nil {
		return
	}
	cleaned, err := clean(r.Text)
	if err != nil {
		return
	}
	r.Text = cleaned
	a.opts.Cache.Put(context.Background(), key, r)
}

var errMalformed = errors.New("malformed enhancement")

// clean trims model chatter around the text and rejects empty or
// malformed output.
func clean(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "Text:")
	text = strings.TrimSpace(text)
	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' && strings.Count(text, `"`) == 2 {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	if text == "" {
		return "", errclass.New(errclass.KindInvalidInput, opEnhance, errclass.ErrEmptyResult)
	}
	if !utf8.ValidString(text) || strings.ContainsRune(text, '\uFFFD') {
		return "", errclass.New(errclass.KindInvalidInput, opEnhance, errMalformed)
	}
	return text, nil
}
