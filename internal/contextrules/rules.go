// Package contextrules maps the focused window to a context type and the
// instruction the enhancer receives for it.
package contextrules

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

const General = "general"

type appPattern struct {
	context  string
	patterns []string
}

// Checked in order; the first match wins.
var builtinPatterns = []appPattern{
	{"email", []string{"outlook", "thunderbird", "gmail", "mail", "apple mail"}},
	{"document", []string{"word", "writer", "docs", "pages", "notepad", "textedit", "libreoffice"}},
	{"code", []string{"code", "visual studio", "intellij", "pycharm", "goland", "eclipse", "sublime", "atom", "vim", "emacs"}},
	{"browser", []string{"chrome", "firefox", "edge", "safari", "opera", "brave"}},
	{"chat", []string{"teams", "slack", "discord", "whatsapp", "telegram", "signal"}},
	{"presentation", []string{"powerpoint", "keynote", "impress", "slides"}},
	{"spreadsheet", []string{"excel", "calc", "numbers", "sheets"}},
	{"design", []string{"photoshop", "illustrator", "figma", "sketch", "canva"}},
	{"terminal", []string{"cmd", "powershell", "terminal", "iterm", "conemu", "hyper", "kitty", "alacritty"}},
}

var defaultPrompts = map[string]string{
	"email":        "Format this as a professional email. Use proper email etiquette and appropriate greetings and closings.",
	"document":     "Format this as a well-structured document paragraph. Use proper grammar, clear sentences and logical flow.",
	"code":         "Format this as a clear code comment or documentation. Use technical language appropriately and be concise.",
	"chat":         "Format this as a conversational message. Keep it natural and clear.",
	"presentation": "Format this as presentation content. Use bullet points where appropriate and keep it concise.",
	"spreadsheet":  "Format this as spreadsheet content. Use clear, concise language suitable for data entry.",
	"design":       "Format this as design-related content. Use creative but clear language.",
	"terminal":     "Format this as command line content. Use command syntax where appropriate.",
	"browser":      "Format this as web content. Use clear, readable language suitable for web forms.",
	General:        "Format this text appropriately for the current context. Ensure clarity and proper grammar.",
}

// Context is the resolved enhancement context for one session.
type Context struct {
	Type        string `json:"type"`
	Prompt      string `json:"-"`
	WindowTitle string `json:"window_title,omitempty"`
}

// Detector resolves context types from window titles.
type Detector struct {
	rules   []config.ContextRule
	prompts map[string]string
	source  WindowSource
	log     *slog.Logger
}

func NewDetector(cfg config.ContextConfig, source WindowSource, log *slog.Logger) *Detector {
	prompts := make(map[string]string, len(defaultPrompts)+len(cfg.Prompts))
	for k, v := range defaultPrompts {
		prompts[k] = v
	}
	for k, v := range cfg.Prompts {
		prompts[strings.ToLower(k)] = v
	}
	return &Detector{
		rules:   cfg.Rules,
		prompts: prompts,
		source:  source,
		log:     log.With(slog.String("component", "context")),
	}
}

// Detect maps a window title to a context type: user rules first, then the
// built-in application patterns, then general.
func (d *Detector) Detect(title string) string {
	title = strings.ToLower(title)
	if strings.TrimSpace(title) == "" {
		return General
	}
	for _, rule := range d.rules {
		if strings.Contains(title, strings.ToLower(rule.Pattern)) {
			return strings.ToLower(rule.Context)
		}
	}
	for _, app := range builtinPatterns {
		for _, p := range app.patterns {
			if strings.Contains(title, p) {
				return app.context
			}
		}
	}
	return General
}

// Prompt returns the instruction for contextType, falling back to general.
func (d *Detector) Prompt(contextType string) string {
	if p, ok := d.prompts[contextType]; ok {
		return p
	}
	return d.prompts[General]
}

// Resolve asks the window source for the focused window and maps it. A
// failing source yields the general context.
func (d *Detector) Resolve(ctx context.Context) Context {
	var title string
	if d.source != nil {
		w, err := d.source.ActiveWindow(ctx)
		if err != nil {
			d.log.Debug("active window unavailable", slog.String("error", err.Error()))
		} else {
			title = w.Title
		}
	}
	kind := d.Detect(title)
	return Context{Type: kind, Prompt: d.Prompt(kind), WindowTitle: title}
}
