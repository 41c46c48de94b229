package audio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Capture opens the microphone for one session.
type Capture interface {
	Start(ctx context.Context, sessionID string) (Handle, error)
}

// Handle is an open capture. Stop returns the recorded clip; Release frees
// the device without a result. Both are safe to call more than once and
// Release after Stop is a no-op.
type Handle interface {
	Stop(ctx context.Context) (Clip, error)
	Release()
}

// New builds the capture backend selected by cfg.Mode.
func New(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (Capture, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockCapture(Clip{PCM: Silence(cfg.SampleRate, cfg.Channels, 1), SampleRate: cfg.SampleRate, Channels: cfg.Channels}), nil
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("capture mode bus requires a bus connection")
		}
		return NewBusCapture(cfg, busClient, log), nil
	case "exec":
		return NewExecCapture(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

// Silence returns seconds of zeroed 16-bit PCM.
func Silence(sampleRate, channels, seconds int) []byte {
	return make([]byte, sampleRate*channels*2*seconds)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
