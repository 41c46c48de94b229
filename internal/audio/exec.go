package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
)

// ExecCapture runs a recorder command (arecord, ffmpeg, sox) that writes raw
// 16-bit PCM to stdout until it receives an interrupt.
type ExecCapture struct {
	cmd []string
	cfg config.CaptureConfig
	log *slog.Logger
}

func NewExecCapture(cfg config.CaptureConfig, log *slog.Logger) (*ExecCapture, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecCapture{cmd: args, cfg: cfg, log: log.With(slog.String("component", "capture"))}, nil
}

func (c *ExecCapture) Start(_ context.Context, sessionID string) (Handle, error) {
	command := exec.Command(c.cmd[0], c.cmd[1:]...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	h := &execHandle{capture: c, command: command, done: make(chan struct{})}
	command.Stderr = &h.stderr

	if err := command.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("start recorder: %v: %w", err, errclass.ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("start recorder: %w", err)
	}
	c.log.Debug("recorder started", slog.String("session_id", sessionID), slog.Int("pid", command.Process.Pid))

	go func() {
		defer close(h.done)
		_, copyErr := io.Copy(&h.pcm, stdout)
		h.waitErr = command.Wait()
		if h.waitErr == nil {
			h.waitErr = copyErr
		}
	}()
	return h, nil
}

type execHandle struct {
	capture *ExecCapture
	command *exec.Cmd
	done    chan struct{}
	stderr  bytes.Buffer
	pcm     bytes.Buffer
	waitErr error

	stopOnce sync.Once
	stopped  bool
}

func (h *execHandle) interrupt() {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		h.stopped = true
		if err := h.command.Process.Signal(os.Interrupt); err != nil {
			_ = h.command.Process.Kill()
		}
	})
}

func (h *execHandle) Stop(ctx context.Context) (Clip, error) {
	h.interrupt()
	select {
	case <-h.done:
	case <-ctx.Done():
		_ = h.command.Process.Kill()
		<-h.done
		return Clip{}, ctx.Err()
	}

	// A recorder that died on its own before Stop never had the device.
	if !h.stopped && h.waitErr != nil {
		return Clip{}, fmt.Errorf("recorder exited: %v: %s: %w", h.waitErr, h.stderr.String(), errclass.ErrDeviceUnavailable)
	}
	pcm := h.pcm.Bytes()
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return Clip{PCM: pcm, SampleRate: h.capture.cfg.SampleRate, Channels: h.capture.cfg.Channels}, nil
}

// Release interrupts the recorder; the copy goroutine reaps it.
func (h *execHandle) Release() {
	h.interrupt()
}
