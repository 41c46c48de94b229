package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/errclass"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// BusCapture records PCM frames streamed by a microphone agent on
// audio.frame.<device>.
type BusCapture struct {
	cfg config.CaptureConfig
	bus *bus.Client
	log *slog.Logger
}

func NewBusCapture(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) *BusCapture {
	return &BusCapture{cfg: cfg, bus: busClient, log: log.With(slog.String("component", "capture"))}
}

func (c *BusCapture) Start(ctx context.Context, sessionID string) (Handle, error) {
	if !c.bus.Healthy() {
		return nil, fmt.Errorf("bus capture: %w", errclass.ErrDeviceUnavailable)
	}
	h := &busHandle{
		capture:    c,
		sessionID:  sessionID,
		sampleRate: c.cfg.SampleRate,
		channels:   c.cfg.Channels,
	}
	sub, err := c.bus.Conn().Subscribe(protocol.AudioFrameSubject(c.cfg.Device), h.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	h.sub = sub

	if err := c.control(ctx, sessionID, "start"); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return h, nil
}

func (c *BusCapture) control(ctx context.Context, sessionID, action string) error {
	var ack protocol.CaptureAck
	req := protocol.CaptureControl{SessionID: sessionID, Device: c.cfg.Device, Action: action}
	if err := c.bus.RequestJSON(ctx, protocol.SubjectCaptureControl, req, &ack); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("capture %s: %w", action, errclass.ErrDeviceUnavailable)
		}
		return fmt.Errorf("capture %s: %w", action, err)
	}
	if !ack.OK {
		return fmt.Errorf("capture %s: %s: %w", action, ack.Error, errclass.ErrDeviceUnavailable)
	}
	return nil
}

type busHandle struct {
	capture    *BusCapture
	sessionID  string
	sub        *nats.Subscription
	once       sync.Once
	mu         sync.Mutex
	pcm        []byte
	sampleRate int
	channels   int
}

func (h *busHandle) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		h.capture.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID != "" && frame.SessionID != h.sessionID {
		return
	}
	h.mu.Lock()
	h.pcm = append(h.pcm, frame.PCM...)
	if frame.SampleRate > 0 {
		h.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		h.channels = frame.Channels
	}
	h.mu.Unlock()
}

func (h *busHandle) Stop(ctx context.Context) (Clip, error) {
	// The agent replies after flushing its last frame, so every frame is
	// already delivered once the ack arrives.
	err := h.capture.control(ctx, h.sessionID, "stop")
	h.Release()
	if err != nil {
		return Clip{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Clip{PCM: h.pcm, SampleRate: h.sampleRate, Channels: h.channels}, nil
}

func (h *busHandle) Release() {
	h.once.Do(func() {
		if err := h.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			h.capture.log.Warn("failed to release audio subscription", slogError(err))
		}
	})
}
