package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/cache"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/retry"
)

const opTranscribe = "transcribe"

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Recognizer Recognizer
	Cache      *cache.Cache[TranscriptResult]
	Policy     retry.Policy
	// Timeout bounds a single attempt.
	Timeout       time.Duration
	MinConfidence float64
	Vocabulary    []string
	Language      string
	// StoreAfterCancel keeps a result that arrives after cancellation.
	StoreAfterCancel bool
	Logger           *slog.Logger
}

// Adapter wraps a Recognizer with fingerprinting, caching, per-attempt
// timeouts, retries and result validation.
type Adapter struct {
	opts AdapterOptions
	log  *slog.Logger
}

func NewAdapter(opts AdapterOptions) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{opts: opts, log: logger.With(slog.String("component", "recognition"))}
}

// Transcribe recognizes clip. It never returns Degraded: recognition either
// produces a usable transcript or fails the session.
func (a *Adapter) Transcribe(ctx context.Context, clip audio.Clip) retry.Outcome[TranscriptResult] {
	if clip.Empty() {
		return retry.Failed[TranscriptResult](errclass.New(errclass.KindInvalidInput, opTranscribe, errclass.ErrEmptyResult), opTranscribe, 0)
	}

	key := cache.RecognitionKey(clip.PCM, a.opts.Vocabulary)
	if a.opts.Cache != nil {
		if cached, ok := a.opts.Cache.Get(ctx, key); ok {
			a.log.Debug("recognition cache hit", slog.String("key", key[:12]))
			return retry.OK(cached, 0, true)
		}
	}

	req := Request{Audio: clip, Hints: a.opts.Vocabulary, Language: a.opts.Language}
	var result TranscriptResult
	res, err := a.opts.Policy.Run(ctx, opTranscribe, func(ctx context.Context, attempt int) error {
		r, err := a.attempt(ctx, req, key)
		if err != nil {
			a.log.Warn("recognition attempt failed",
				slog.Int("attempt", attempt),
				slog.String("kind", string(errclass.Classify(err))),
				slog.String("error", err.Error()))
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return retry.Failed[TranscriptResult](err, opTranscribe, res.Attempts)
	}

	if err := a.validate(result); err != nil {
		return retry.Failed[TranscriptResult](err, opTranscribe, res.Attempts)
	}
	if ctx.Err() != nil {
		return retry.Failed[TranscriptResult](ctx.Err(), opTranscribe, res.Attempts)
	}
	if a.opts.Cache != nil {
		a.opts.Cache.Put(ctx, key, result)
	}
	return retry.OK(result, res.Attempts, false)
}

// attempt runs one recognizer call bounded by the attempt timeout. A result
// that arrives after cancellation is dropped, or cached when
// StoreAfterCancel is set.
func (a *Adapter) attempt(ctx context.Context, req Request, key string) (TranscriptResult, error) {
	return retry.Attempt(ctx, a.opts.Timeout, func(ctx context.Context) (TranscriptResult, error) {
		return a.opts.Recognizer.Transcribe(ctx, req)
	}, func(r TranscriptResult) { a.late(key, r) })
}

func (a *Adapter) late(key string, r TranscriptResult) {
	if !a.opts.StoreAfterCancel || a.opts.Cache == nil || a.validate(r) != nil {
		a.log.Debug("discarded late recognition result")
		return
	}
	a.opts.Cache.Put(context.Background(), key, r)
	a.log.Debug("cached late recognition result")
}

func (a *Adapter) validate(r TranscriptResult) error {
	if strings.TrimSpace(r.Text) == "" {
		return errclass.New(errclass.KindInvalidInput, opTranscribe, errclass.ErrEmptyResult)
	}
	if r.Confidence < a.opts.MinConfidence {
		return errclass.New(errclass.KindInvalidInput, opTranscribe,
			fmt.Errorf("%w: %.2f < %.2f", errclass.ErrLowConfidence, r.Confidence, a.opts.MinConfidence))
	}
	return nil
}
