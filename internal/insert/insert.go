// Package insert places finished text at the user's cursor.
package insert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

var ErrNothingToUndo = errors.New("nothing to undo")

// Request is one insertion.
type Request struct {
	SessionID string
	Text      string
}

// Inserter is a single insertion method.
type Inserter interface {
	Name() string
	Insert(ctx context.Context, req Request) error
	Undo(ctx context.Context, req Request) error
}

// Outcome reports which method placed the text.
type Outcome struct {
	Method   string `json:"method"`
	Fallback bool   `json:"fallback"`
}

// Service tries the primary method and then, once, the fallback. It
// remembers the last successful insertion for UndoLast.
type Service struct {
	primary  Inserter
	fallback Inserter
	log      *slog.Logger

	mu   sync.Mutex
	last *record
}

type record struct {
	req      Request
	inserter Inserter
}

func NewService(primary, fallback Inserter, log *slog.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, log: log.With(slog.String("component", "insert"))}
}

// Insert places req.Text. Each method gets its own timeout, so a primary
// that hangs until its deadline still leaves the fallback a full attempt.
// The fallback is skipped only when ctx itself is done. The returned error
// joins both failures when the fallback also fails.
func (s *Service) Insert(ctx context.Context, req Request, timeout time.Duration) (Outcome, error) {
	err := s.attempt(ctx, s.primary, req, timeout)
	if err == nil {
		s.remember(req, s.primary)
		return Outcome{Method: s.primary.Name()}, nil
	}
	if ctx.Err() != nil || s.fallback == nil {
		return Outcome{Method: s.primary.Name()}, fmt.Errorf("insert via %s: %w", s.primary.Name(), err)
	}
	s.log.Warn("primary insertion failed, trying fallback",
		slog.String("session_id", req.SessionID),
		slog.String("primary", s.primary.Name()),
		slog.String("fallback", s.fallback.Name()),
		slog.String("error", err.Error()))

	if ferr := s.attempt(ctx, s.fallback, req, timeout); ferr != nil {
		return Outcome{Method: s.fallback.Name(), Fallback: true}, errors.Join(
			fmt.Errorf("insert via %s: %w", s.primary.Name(), err),
			fmt.Errorf("insert via %s: %w", s.fallback.Name(), ferr),
		)
	}
	s.remember(req, s.fallback)
	return Outcome{Method: s.fallback.Name(), Fallback: true}, nil
}

func (s *Service) attempt(ctx context.Context, ins Inserter, req Request, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ins.Insert(ctx, req)
}

func (s *Service) remember(req Request, ins Inserter) {
	s.mu.Lock()
	s.last = &record{req: req, inserter: ins}
	s.mu.Unlock()
}

// UndoLast reverts the most recent successful insertion.
func (s *Service) UndoLast(ctx context.Context) (string, error) {
	s.mu.Lock()
	last := s.last
	s.last = nil
	s.mu.Unlock()
	if last == nil {
		return "", ErrNothingToUndo
	}
	if err := last.inserter.Undo(ctx, last.req); err != nil {
		s.mu.Lock()
		if s.last == nil {
			s.last = last
		}
		s.mu.Unlock()
		return "", fmt.Errorf("undo via %s: %w", last.inserter.Name(), err)
	}
	return last.req.SessionID, nil
}

// New builds one insertion method by name. "none" and "" return nil.
func New(name string, cfg config.InsertionConfig, busClient *bus.Client, log *slog.Logger) (Inserter, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "log":
		return NewLogInserter(log), nil
	case "clipboard":
		return NewClipboardInserter(cfg), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("insertion method bus requires a bus connection")
		}
		return NewBusInserter(busClient), nil
	default:
		return nil, fmt.Errorf("unsupported insertion method %q", name)
	}
}
