package contextrules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDetect(t *testing.T) {
	d := NewDetector(config.ContextConfig{
		Rules: []config.ContextRule{
			{Pattern: "JIRA", Context: "document"},
			{Pattern: "standup notes", Context: "chat"},
		},
	}, nil, newLogger())

	tests := []struct {
		title string
		want  string
	}{
		{"Inbox - Mozilla Thunderbird", "email"},
		{"main.go - loqa-dictate - Visual Studio Code", "code"},
		{"LOQA-42 - Jira - Google Chrome", "document"},
		{"#general | Slack", "chat"},
		{"Quarterly.xlsx - Excel", "spreadsheet"},
		{"bash — Alacritty", "terminal"},
		{"Some Unknown App", General},
		{"", General},
	}
	for _, tc := range tests {
		t.Run(tc.title, func(t *testing.T) {
			if got := d.Detect(tc.title); got != tc.want {
				t.Fatalf("Detect(%q) = %q, want %q", tc.title, got, tc.want)
			}
		})
	}
}

func TestPromptOverridesAndFallback(t *testing.T) {
	d := NewDetector(config.ContextConfig{
		Prompts: map[string]string{"Email": "Keep it short."},
	}, nil, newLogger())

	if got := d.Prompt("email"); got != "Keep it short." {
		t.Fatalf("expected override, got %q", got)
	}
	if got := d.Prompt("nonexistent"); got != defaultPrompts[General] {
		t.Fatalf("expected general fallback, got %q", got)
	}
}

type failingSource struct{}

func (failingSource) ActiveWindow(context.Context) (Window, error) {
	return Window{}, errors.New("no display")
}

func TestResolve(t *testing.T) {
	d := NewDetector(config.ContextConfig{}, StaticSource{Title: "Draft - Gmail"}, newLogger())
	got := d.Resolve(context.Background())
	if got.Type != "email" || got.Prompt == "" || got.WindowTitle != "Draft - Gmail" {
		t.Fatalf("unexpected context %+v", got)
	}

	d = NewDetector(config.ContextConfig{}, failingSource{}, newLogger())
	if got := d.Resolve(context.Background()); got.Type != General {
		t.Fatalf("expected general on source failure, got %+v", got)
	}
}
