package insert

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

var errUndoUnsupported = errors.New("undo requires paste_keys")

// ClipboardInserter writes text to the clipboard and, with paste_keys,
// sends the paste shortcut and restores the previous clipboard content.
type ClipboardInserter struct {
	pasteKeys    bool
	restoreDelay time.Duration

	readAll  func() (string, error)
	writeAll func(string) error
	keys     func(vk int) error

	// Serializes clipboard juggling across sessions.
	mu sync.Mutex
}

func NewClipboardInserter(cfg config.InsertionConfig) *ClipboardInserter {
	k := &keyboard{}
	return &ClipboardInserter{
		pasteKeys:    cfg.PasteKeys,
		restoreDelay: time.Duration(cfg.RestoreDelay) * time.Millisecond,
		readAll:      clipboard.ReadAll,
		writeAll:     clipboard.WriteAll,
		keys:         k.press,
	}
}

func (c *ClipboardInserter) Name() string { return "clipboard" }

func (c *ClipboardInserter) Insert(ctx context.Context, req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pasteKeys {
		return c.writeAll(req.Text)
	}

	original, _ := c.readAll()
	if err := c.writeAll(req.Text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	if err := sleepCtx(ctx, 80*time.Millisecond); err != nil {
		_ = c.writeAll(original)
		return err
	}
	if err := c.keys(keybd_event.VK_V); err != nil {
		_ = c.writeAll(original)
		return fmt.Errorf("send paste: %w", err)
	}
	// The target application reads the clipboard asynchronously.
	time.Sleep(c.restoreDelay)
	_ = c.writeAll(original)
	return nil
}

func (c *ClipboardInserter) Undo(_ context.Context, _ Request) error {
	if !c.pasteKeys {
		return errUndoUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys(keybd_event.VK_Z)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// keyboard lazily creates the virtual keyboard; on Linux the uinput device
// needs a moment before the first event is delivered.
type keyboard struct {
	once sync.Once
	kb   keybd_event.KeyBonding
	err  error
}

func (k *keyboard) press(vk int) error {
	k.once.Do(func() {
		k.kb, k.err = keybd_event.NewKeyBonding()
		if k.err == nil && runtime.GOOS == "linux" {
			time.Sleep(2 * time.Second)
		}
	})
	if k.err != nil {
		return fmt.Errorf("virtual keyboard: %w", k.err)
	}
	k.kb.Clear()
	if runtime.GOOS == "darwin" {
		k.kb.HasSuper(true)
	} else {
		k.kb.HasCTRL(true)
	}
	k.kb.SetKeys(vk)
	return k.kb.Launching()
}
