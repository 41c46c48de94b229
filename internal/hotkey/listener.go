// Package hotkey turns hotkey events published on the bus into workflow
// activations.
package hotkey

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Controller receives hotkey actions. Implementations must not block.
type Controller interface {
	Activate() error
	Deactivate() error
	Cancel() error
}

// Listener subscribes to the dictation.hotkey.* subjects. One wildcard
// subscription keeps activate, deactivate and cancel in publish order.
type Listener struct {
	log     *slog.Logger
	actions map[string]func() error
	sub     *nats.Subscription
}

// Start subscribes to the hotkey subjects. Requests carrying a reply
// subject are answered with an AgentReply.
func Start(busClient *bus.Client, ctrl Controller, log *slog.Logger) (*Listener, error) {
	l := &Listener{
		log: log.With(slog.String("component", "hotkey")),
		actions: map[string]func() error{
			protocol.SubjectHotkeyActivate:   ctrl.Activate,
			protocol.SubjectHotkeyDeactivate: ctrl.Deactivate,
			protocol.SubjectHotkeyCancel:     ctrl.Cancel,
		},
	}
	conn := busClient.Conn()
	sub, err := conn.Subscribe(protocol.SubjectHotkeyWildcard, l.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectHotkeyWildcard, err)
	}
	l.sub = sub
	if err := conn.Flush(); err != nil {
		l.Close()
		return nil, fmt.Errorf("flush hotkey subscription: %w", err)
	}
	l.log.Info("hotkey listener ready")
	return l, nil
}

func (l *Listener) handle(msg *nats.Msg) {
	fn, ok := l.actions[msg.Subject]
	if !ok {
		l.log.Debug("ignoring unknown hotkey subject", slog.String("subject", msg.Subject))
		return
	}

	var evt protocol.HotkeyEvent
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			l.log.Warn("invalid hotkey payload", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		}
	}
	attrs := []any{slog.String("subject", msg.Subject)}
	if evt.Source != "" {
		attrs = append(attrs, slog.String("source", evt.Source))
	}
	if !evt.Timestamp.IsZero() {
		attrs = append(attrs, slog.Duration("delay", time.Since(evt.Timestamp)))
	}
	l.log.Debug("hotkey event", attrs...)

	err := fn()
	if err != nil {
		l.log.Warn("hotkey event rejected", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
	if msg.Reply == "" {
		return
	}
	reply := protocol.AgentReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		l.log.Warn("failed to answer hotkey request", slog.String("error", err.Error()))
	}
}

// Close drains the subscription.
func (l *Listener) Close() {
	if l.sub != nil {
		_ = l.sub.Drain()
	}
}
