// Package audio defines the local audio device abstractions used by Kototsuna.
//
// There are exactly two devices in play: the microphone, which the STT
// coordinator owns while a listening session is active, and the speaker,
// which the TTS playback worker writes synthesized speech to. Both are
// hidden behind small interfaces so the pipelines can be tested without
// sound hardware; see the portaudio subpackage for the real implementation.
//
// All PCM handled by this package is 16-bit signed little-endian.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceUnavailable is returned when no suitable audio device exists or
// the audio subsystem cannot be initialised.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a compact description such as "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Capture opens microphone streams. Implementations must allow at most one
// open stream at a time; a second Open before the first stream is closed
// returns an error.
type Capture interface {
	// Open acquires the input device and starts a capture stream delivering
	// frames samples per Read call. Open may block while the device list is
	// enumerated, so callers should not invoke it from latency sensitive code.
	Open(ctx context.Context, format Format, frames int) (Stream, error)
}

// Stream is an open microphone capture stream.
type Stream interface {
	// Read blocks until len(buf) samples have been captured.
	Read(buf []int16) error

	// Close stops the stream and releases the device. Calling Close more than
	// once is safe.
	Close() error
}

// Player plays complete WAV buffers through the default output device.
type Player interface {
	// Init prepares the output device. It reports whether local audio output
	// is usable at all and may be called more than once.
	Init() error

	// Play blocks until the audio has finished playing or ctx is cancelled.
	Play(ctx context.Context, wav []byte) error

	// Close releases the output device.
	Close() error
}
