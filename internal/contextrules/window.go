package contextrules

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Window describes the focused application window.
type Window struct {
	Title string
	App   string
}

// WindowSource inspects the desktop.
type WindowSource interface {
	ActiveWindow(ctx context.Context) (Window, error)
}

// StaticSource always reports the same title.
type StaticSource struct {
	Title string
}

func (s StaticSource) ActiveWindow(context.Context) (Window, error) {
	return Window{Title: s.Title}, nil
}

// BusSource asks the desktop agent over NATS request/reply.
type BusSource struct {
	bus *bus.Client
}

func NewBusSource(busClient *bus.Client) *BusSource {
	return &BusSource{bus: busClient}
}

func (s *BusSource) ActiveWindow(ctx context.Context) (Window, error) {
	var reply protocol.WindowReply
	if err := s.bus.RequestJSON(ctx, protocol.SubjectWindowActive, protocol.WindowRequest{}, &reply); err != nil {
		return Window{}, err
	}
	if reply.Error != "" {
		return Window{}, fmt.Errorf("window agent: %w", errors.New(reply.Error))
	}
	return Window{Title: reply.Title, App: reply.App}, nil
}
