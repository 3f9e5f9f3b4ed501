// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (the metered Gladia live API
// or a local whisper.cpp server) and exposes a uniform streaming interface.
// The central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio frames and emits two streams of Transcript values: low-latency
// partials, which callers observe but do not act on, and authoritative finals,
// which are forwarded to translation.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hint for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The coordinator always
	// captures at 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the recognition hint. The metered provider expects a bare
	// ISO 639-1 code ("ja", "en"); the local recognizer accepts a region tag
	// ("ja-JP", "en-US"). An empty string lets the provider pick its default.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit PCM audio to the provider. The
	// chunk should match the SampleRate and Channels agreed in StreamConfig.
	// Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim transcripts. The channel
	// is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of committed transcripts. The channel
	// is closed when the session ends, including when the remote side drops
	// the connection, so consumers can treat closure as end of session.
	Finals() <-chan Transcript

	// Close terminates the session, flushes any pending audio, tells the
	// remote side recording has stopped, and releases all associated
	// resources. After Close returns, the Partials and Finals channels will be
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given audio
	// format and recognition configuration. The returned SessionHandle is ready to
	// accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already cancelled).
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
