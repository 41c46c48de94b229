package insert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/micmonay/keybd_event"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeInserter struct {
	name    string
	err     error
	undoErr error

	mu       sync.Mutex
	inserted []string
	undone   []string
}

func (f *fakeInserter) Name() string { return f.name }

func (f *fakeInserter) Insert(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, req.Text)
	return nil
}

func (f *fakeInserter) Undo(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.undoErr != nil {
		return f.undoErr
	}
	f.undone = append(f.undone, req.SessionID)
	return nil
}

func TestServicePrimarySucceeds(t *testing.T) {
	primary := &fakeInserter{name: "agent"}
	fallback := &fakeInserter{name: "clipboard"}
	svc := NewService(primary, fallback, newLogger())

	out, err := svc.Insert(context.Background(), Request{SessionID: "s1", Text: "Hello, world."}, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if out.Method != "agent" || out.Fallback {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(fallback.inserted) != 0 {
		t.Fatal("fallback must not run when primary succeeds")
	}
}

func TestServiceFallsBackOnce(t *testing.T) {
	primary := &fakeInserter{name: "agent", err: errors.New("no focus")}
	fallback := &fakeInserter{name: "clipboard"}
	svc := NewService(primary, fallback, newLogger())

	out, err := svc.Insert(context.Background(), Request{SessionID: "s1", Text: "x"}, 0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if out.Method != "clipboard" || !out.Fallback {
		t.Fatalf("unexpected outcome %+v", out)
	}

	session, err := svc.UndoLast(context.Background())
	if err != nil || session != "s1" {
		t.Fatalf("undo: %q %v", session, err)
	}
	if len(fallback.undone) != 1 || len(primary.undone) != 0 {
		t.Fatal("undo must go to the inserter that placed the text")
	}
	if _, err := svc.UndoLast(context.Background()); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
}

func TestServiceBothFail(t *testing.T) {
	primaryErr := errors.New("no focus")
	fallbackErr := errors.New("clipboard locked")
	svc := NewService(&fakeInserter{name: "agent", err: primaryErr}, &fakeInserter{name: "clipboard", err: fallbackErr}, newLogger())

	_, err := svc.Insert(context.Background(), Request{SessionID: "s1", Text: "x"}, 0)
	if !errors.Is(err, primaryErr) || !errors.Is(err, fallbackErr) {
		t.Fatalf("expected both errors joined, got %v", err)
	}
	if _, err := svc.UndoLast(context.Background()); !errors.Is(err, ErrNothingToUndo) {
		t.Fatal("failed insertions must not be undoable")
	}
}

// hangingInserter blocks until its context is done.
type hangingInserter struct{}

func (hangingInserter) Name() string { return "agent" }

func (hangingInserter) Insert(ctx context.Context, _ Request) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hangingInserter) Undo(context.Context, Request) error { return nil }

func TestServiceFallbackAfterPrimaryTimeout(t *testing.T) {
	fallback := &fakeInserter{name: "clipboard"}
	svc := NewService(hangingInserter{}, fallback, newLogger())

	out, err := svc.Insert(context.Background(), Request{SessionID: "s1", Text: "late"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if out.Method != "clipboard" || !out.Fallback {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(fallback.inserted) != 1 || fallback.inserted[0] != "late" {
		t.Fatalf("fallback inserted %v", fallback.inserted)
	}
}

func TestServiceSkipsFallbackWhenCancelled(t *testing.T) {
	fallback := &fakeInserter{name: "clipboard"}
	svc := NewService(hangingInserter{}, fallback, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	if _, err := svc.Insert(ctx, Request{SessionID: "s1", Text: "x"}, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(fallback.inserted) != 0 {
		t.Fatal("fallback must not run after the caller cancels")
	}
}

func TestServiceUndoFailureKeepsRecord(t *testing.T) {
	primary := &fakeInserter{name: "agent", undoErr: errors.New("busy")}
	svc := NewService(primary, nil, newLogger())
	if _, err := svc.Insert(context.Background(), Request{SessionID: "s1", Text: "x"}, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := svc.UndoLast(context.Background()); err == nil {
		t.Fatal("expected undo error")
	}
	primary.undoErr = nil
	if _, err := svc.UndoLast(context.Background()); err != nil {
		t.Fatalf("expected retry of undo to succeed, got %v", err)
	}
}

func TestClipboardInserterRestoresOriginal(t *testing.T) {
	var (
		clip    = "previous"
		written []string
		pressed []int
	)
	c := &ClipboardInserter{
		pasteKeys: true,
		readAll:   func() (string, error) { return clip, nil },
		writeAll: func(s string) error {
			clip = s
			written = append(written, s)
			return nil
		},
		keys: func(vk int) error {
			pressed = append(pressed, vk)
			return nil
		},
	}
	if err := c.Insert(context.Background(), Request{Text: "Hello, world."}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(written) != 2 || written[0] != "Hello, world." || clip != "previous" {
		t.Fatalf("expected paste then restore, got %v (clipboard %q)", written, clip)
	}
	if len(pressed) != 1 || pressed[0] != keybd_event.VK_V {
		t.Fatalf("expected paste shortcut, got %v", pressed)
	}
	if err := c.Undo(context.Background(), Request{}); err != nil || pressed[1] != keybd_event.VK_Z {
		t.Fatalf("expected undo shortcut, got %v %v", pressed, err)
	}
}

func TestClipboardInserterWithoutPasteKeys(t *testing.T) {
	var written []string
	c := &ClipboardInserter{
		writeAll: func(s string) error { written = append(written, s); return nil },
	}
	if err := c.Insert(context.Background(), Request{Text: "abc"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(written) != 1 || written[0] != "abc" {
		t.Fatalf("expected text left on clipboard, got %v", written)
	}
	if err := c.Undo(context.Background(), Request{}); !errors.Is(err, errUndoUnsupported) {
		t.Fatalf("expected unsupported undo, got %v", err)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		RequestTimeout: 1000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusInserter(t *testing.T) {
	client := startBus(t)
	received := make(chan protocol.InsertRequest, 2)
	_, err := client.Conn().Subscribe(protocol.SubjectInsert, func(msg *nats.Msg) {
		var got protocol.InsertRequest
		_ = json.Unmarshal(msg.Data, &got)
		received <- got
		reply := protocol.AgentReply{OK: true, Method: "keystroke"}
		if got.Text == "forbidden" {
			reply = protocol.AgentReply{Code: 403, Error: "secure input field"}
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ins := NewBusInserter(client)
	if err := ins.Insert(context.Background(), Request{SessionID: "s1", Text: "Hello, world."}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := <-received; got.SessionID != "s1" || got.Text != "Hello, world." {
		t.Fatalf("agent received %+v", got)
	}

	err = ins.Insert(context.Background(), Request{SessionID: "s2", Text: "forbidden"})
	if errclass.Classify(err) != errclass.KindAuth {
		t.Fatalf("expected auth classification, got %v", err)
	}
}

func TestBusInserterWithoutAgent(t *testing.T) {
	client := startBus(t)
	err := NewBusInserter(client).Insert(context.Background(), Request{SessionID: "s1", Text: "x"})
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Fatalf("expected no responders, got %v", err)
	}
}
