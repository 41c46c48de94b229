// Package audio owns microphone capture and the PCM helpers the recognizers
// share.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is a finished capture: 16-bit little-endian PCM.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration derives the clip length from the sample count.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / (2 * c.Channels)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Empty reports whether nothing was captured.
func (c Clip) Empty() bool {
	return len(c.PCM) < 2
}

// WriteWAV encodes the clip as a 16-bit WAV stream.
func WriteWAV(w io.WriteSeeker, clip Clip) error {
	if len(clip.PCM)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate}}
	samples := make([]int, len(clip.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, clip.SampleRate, 16, clip.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteTempWAV writes clip to a temporary file. The caller removes it with
// the returned cleanup.
func WriteTempWAV(clip Clip) (string, func(), error) {
	file, err := os.CreateTemp("", "loqa_dictate_*.wav")
	if err != nil {
		return "", func() {}, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(file.Name()) }
	if err := WriteWAV(file, clip); err != nil {
		file.Close()
		cleanup()
		return "", func() {}, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close wav: %w", err)
	}
	return file.Name(), cleanup, nil
}
