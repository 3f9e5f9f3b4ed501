// Package mock provides test doubles for the tts package interfaces.
//
// Synthesizer returns scripted audio (or an error) and can be switched
// between reachable and unreachable for liveness tests. Speaker records every
// text it is asked to speak, in order.
//
// Example:
//
//	s := &mock.Synthesizer{}
//	s.SetHealthy(false) // Ping now fails
//	wav, _ := s.Synthesize(ctx, "A") // returns []byte("wav:A")
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/kototsuna/pkg/provider/tts"
)

// ErrUnreachable is returned by Synthesizer.Ping while unhealthy.
var ErrUnreachable = errors.New("mock: engine unreachable")

// Synthesizer is a mock implementation of tts.Synthesizer. The zero value is
// healthy and returns "wav:" + text.
type Synthesizer struct {
	mu sync.Mutex

	unhealthy bool

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// FailTexts makes Synthesize fail only for these inputs.
	FailTexts map[string]bool

	// Delays holds a per-text synthesis delay.
	Delays map[string]time.Duration

	// Texts records every Synthesize input, in call order.
	Texts []string

	// PingCalls counts Ping invocations.
	PingCalls int
}

// SetHealthy toggles the result of Ping.
func (s *Synthesizer) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy = !ok
}

// Ping returns nil while healthy and ErrUnreachable otherwise.
func (s *Synthesizer) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingCalls++
	if s.unhealthy {
		return ErrUnreachable
	}
	return nil
}

// Synthesize records text and returns []byte("wav:"+text).
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	s.Texts = append(s.Texts, text)
	delay := s.Delays[text]
	err := s.SynthesizeErr
	if s.FailTexts[text] {
		err = errors.New("mock: synthesis failed for " + text)
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("wav:" + text), nil
}

// Calls returns a copy of the recorded Synthesize inputs.
func (s *Synthesizer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Texts...)
}

// Pings returns PingCalls. Thread-safe.
func (s *Synthesizer) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingCalls
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Speaker is a mock implementation of tts.Speaker.
type Speaker struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned by every Speak call.
	SpeakErr error

	// Delay is slept inside Speak to emulate playback time.
	Delay time.Duration

	// Spoken records every text, in call order.
	Spoken []string

	// OnSpeak, if set, runs with each text before Speak returns.
	OnSpeak func(text string)
}

// Speak records text, optionally sleeps, and returns SpeakErr.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.Spoken = append(s.Spoken, text)
	delay, onSpeak, err := s.Delay, s.OnSpeak, s.SpeakErr
	s.mu.Unlock()

	if onSpeak != nil {
		onSpeak(text)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Texts returns a copy of the recorded texts. Thread-safe.
func (s *Speaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Spoken...)
}

var _ tts.Speaker = (*Speaker)(nil)
