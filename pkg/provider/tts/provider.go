// Package tts defines the interfaces for text-to-speech backends.
//
// Two shapes exist because the two backends differ in what they hand back.
// A [Synthesizer] (the primary network engine) returns encoded audio that the
// caller schedules on a player. A [Speaker] (the local fallback engine)
// synthesizes and plays in one blocking step and has no separate playback.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Synthesizer turns text into a WAV buffer.
type Synthesizer interface {
	// Synthesize returns the encoded audio for text. The returned bytes are a
	// complete WAV file.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// Ping is a lightweight liveness probe. It returns nil when the engine
	// is reachable and does no synthesis work.
	Ping(ctx context.Context) error
}

// Speaker synthesizes and plays text, returning once playback has finished.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Voice is one selectable voice style of a synthesis engine.
type Voice struct {
	// ID is the engine-specific style identifier used in synthesis calls.
	ID int `json:"id"`

	// Name is the speaker (character) name.
	Name string `json:"name"`

	// Style is the style name within the speaker, e.g. "ノーマル".
	Style string `json:"style"`
}
