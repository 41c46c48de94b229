package insert

import (
	"context"
	"log/slog"
)

// LogInserter only logs. It is the default for headless runs and tests.
type LogInserter struct {
	log *slog.Logger
}

func NewLogInserter(log *slog.Logger) *LogInserter {
	return &LogInserter{log: log.With(slog.String("component", "insert"))}
}

func (l *LogInserter) Name() string { return "log" }

func (l *LogInserter) Insert(_ context.Context, req Request) error {
	l.log.Info("dictation ready", slog.String("session_id", req.SessionID), slog.String("text", req.Text))
	return nil
}

func (l *LogInserter) Undo(_ context.Context, req Request) error {
	l.log.Info("dictation undone", slog.String("session_id", req.SessionID))
	return nil
}
