package insert

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// BusInserter delegates to the desktop agent, which types the text or
// pastes it with whatever method works for the focused application.
type BusInserter struct {
	bus *bus.Client
}

func NewBusInserter(busClient *bus.Client) *BusInserter {
	return &BusInserter{bus: busClient}
}

func (b *BusInserter) Name() string { return "agent" }

func (b *BusInserter) Insert(ctx context.Context, req Request) error {
	var reply protocol.AgentReply
	msg := protocol.InsertRequest{SessionID: req.SessionID, Text: req.Text}
	if err := b.bus.RequestJSON(ctx, protocol.SubjectInsert, msg, &reply); err != nil {
		return agentError(err)
	}
	return replyError(reply)
}

func (b *BusInserter) Undo(ctx context.Context, req Request) error {
	var reply protocol.AgentReply
	msg := protocol.UndoRequest{SessionID: req.SessionID, Length: utf8.RuneCountInString(req.Text)}
	if err := b.bus.RequestJSON(ctx, protocol.SubjectUndo, msg, &reply); err != nil {
		return agentError(err)
	}
	return replyError(reply)
}

func agentError(err error) error {
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("no insertion agent listening: %w", err)
	}
	return err
}

func replyError(reply protocol.AgentReply) error {
	if reply.OK {
		return nil
	}
	if reply.Code != 0 {
		return &errclass.StatusError{Code: reply.Code, Message: reply.Error}
	}
	return fmt.Errorf("agent refused: %s", reply.Error)
}
