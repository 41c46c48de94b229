// Package feedback tells the user what the dictation workflow is doing.
package feedback

import (
	"context"
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Kind identifies the feedback event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindStage     Kind = "stage"
	KindBusy      Kind = "busy"
	KindCompleted Kind = "completed"
	KindCancelled Kind = "cancelled"
	KindFailed    Kind = "failed"
	KindUndone    Kind = "undone"
)

// Event is one user-visible notification.
type Event struct {
	SessionID string
	Kind      Kind
	State     string
	Message   string
	// Category is the human-readable failure class for KindFailed.
	Category string
	At       time.Time
}

// Sink receives feedback events. Notify must not block the caller for long;
// slow sinks drop or offload.
type Sink interface {
	Notify(ctx context.Context, evt Event)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Notify(ctx, evt)
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "feedback"))}
}

func (l *LogSink) Notify(_ context.Context, evt Event) {
	attrs := []any{
		slog.String("session_id", evt.SessionID),
		slog.String("kind", string(evt.Kind)),
		slog.String("message", evt.Message),
	}
	if evt.State != "" {
		attrs = append(attrs, slog.String("state", evt.State))
	}
	if evt.Category != "" {
		attrs = append(attrs, slog.String("category", evt.Category))
	}
	level := slog.LevelInfo
	switch evt.Kind {
	case KindFailed:
		level = slog.LevelWarn
	case KindStage:
		level = slog.LevelDebug
	}
	l.log.Log(context.Background(), level, "dictation feedback", attrs...)
}

// BusSink publishes events on dictation.feedback for tray and overlay
// agents.
type BusSink struct {
	bus *bus.Client
}

func NewBusSink(busClient *bus.Client) *BusSink {
	return &BusSink{bus: busClient}
}

func (b *BusSink) Notify(_ context.Context, evt Event) {
	msg := protocol.Feedback{
		SessionID: evt.SessionID,
		Kind:      string(evt.Kind),
		State:     evt.State,
		Message:   evt.Message,
		Category:  evt.Category,
		Timestamp: evt.At.UTC(),
	}
	if err := b.bus.PublishJSON(protocol.SubjectFeedback, msg); err != nil {
		b.bus.Logger().Warn("failed to publish feedback", slog.String("error", err.Error()))
	}
}

// DesktopSink raises OS notifications for the events a user cares about.
type DesktopSink struct {
	title  string
	notify func(title, message, icon string) error
	log    *slog.Logger
}

func NewDesktopSink(title string, log *slog.Logger) *DesktopSink {
	return &DesktopSink{
		title:  title,
		notify: func(t, m, i string) error { return beeep.Notify(t, m, i) },
		log:    log.With(slog.String("component", "feedback")),
	}
}

func (d *DesktopSink) Notify(_ context.Context, evt Event) {
	switch evt.Kind {
	case KindStage:
		return
	}
	msg := evt.Message
	if evt.Category != "" {
		msg = evt.Category + ": " + msg
	}
	// beeep shells out on some platforms; keep it off the workflow path.
	go func() {
		if err := d.notify(d.title, msg, ""); err != nil {
			d.log.Debug("desktop notification failed", slog.String("error", err.Error()))
		}
	}()
}
