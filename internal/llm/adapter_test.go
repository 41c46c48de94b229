package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/cache"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/retry"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newAdapter(t *testing.T, enh Enhancer) (*Adapter, *cache.Cache[Result], *UsageLedger) {
	t.Helper()
	c, err := cache.New[Result](cache.Options{Name: "llm", Capacity: 8, TTL: time.Hour, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ledger := NewUsageLedger()
	return NewAdapter(AdapterOptions{
		Enhancer: enh,
		Cache:    c,
		Policy:   retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		Timeout:  time.Second,
		Usage:    ledger,
		Logger:   newLogger(),
	}), c, ledger
}

func TestEnhanceSuccessIsCached(t *testing.T) {
	enh := &MockEnhancer{}
	a, _, ledger := newAdapter(t, enh)
	ctx := context.Background()

	out := a.Enhance(ctx, "hello, world", "general", "Fix punctuation.")
	if out.Status != retry.StatusOK || out.Value.Text != "Hello, world." {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	again := a.Enhance(ctx, "hello,   world", "general", "Fix punctuation.")
	if !again.Cached || again.Value.Text != "Hello, world." {
		t.Fatalf("expected normalized cache hit, got %+v", again)
	}
	if enh.Calls() != 1 {
		t.Fatalf("expected one call, got %d", enh.Calls())
	}
	usage := ledger.Snapshot()
	if len(usage) != 1 || usage[0].Model != "mock" || usage[0].Requests != 1 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestEnhanceDegradesToTranscript(t *testing.T) {
	tests := []struct {
		name string
		enh  *MockEnhancer
		kind errclass.Kind
	}{
		{"auth", &MockEnhancer{Errors: []error{&errclass.StatusError{Code: 401}}}, errclass.KindAuth},
		{"exhausted", &MockEnhancer{Errors: []error{&errclass.StatusError{Code: 503}, &errclass.StatusError{Code: 502}}}, errclass.KindTransient},
		{"empty output", &MockEnhancer{Transform: func(string) string { return "   " }}, errclass.KindInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, c, _ := newAdapter(t, tc.enh)
			out := a.Enhance(context.Background(), "raw words", "email", "")
			if out.Status != retry.StatusDegraded {
				t.Fatalf("expected degraded, got %+v", out)
			}
			if out.Value.Text != "raw words" {
				t.Fatalf("expected transcript fallback, got %q", out.Value.Text)
			}
			if out.Kind() != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, out.Kind())
			}
			if c.Len() != 0 {
				t.Fatal("degraded results must not be cached")
			}
		})
	}
}

func TestEnhanceCancelledIsNotDegraded(t *testing.T) {
	enh := &MockEnhancer{Delay: time.Second}
	a, _, _ := newAdapter(t, enh)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := a.Enhance(ctx, "raw", "general", "")
	if out.Status != retry.StatusFailed || out.Kind() != errclass.KindCancelled {
		t.Fatalf("expected cancelled failure, got %+v", out)
	}
}

func TestCleanStripsWrapping(t *testing.T) {
	tests := map[string]string{
		"  Hello there.  ":         "Hello there.",
		`"Hello there."`:           "Hello there.",
		"Text: Hello there.":       "Hello there.",
		`She said "hi" and "bye".`: `She said "hi" and "bye".`,
	}
	for in, want := range tests {
		got, err := clean(in)
		if err != nil {
			t.Fatalf("clean(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("clean(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := clean(" \n "); errclass.Classify(err) != errclass.KindInvalidInput {
		t.Fatalf("expected invalid input for blank output, got %v", err)
	}
}

func TestCleanRejectsMalformedText(t *testing.T) {
	for _, in := range []string{"Hello \xff\xfe there.", "Hello \uFFFD there."} {
		if _, err := clean(in); !errors.Is(err, errMalformed) || errclass.Classify(err) != errclass.KindInvalidInput {
			t.Fatalf("clean(%q): expected malformed invalid input, got %v", in, err)
		}
	}
}
