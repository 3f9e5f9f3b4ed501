// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Transcript{Text: "こんにちは", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kototsuna/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new Session from NewSession.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every Session created by StartStream when Session is nil.
	Sessions []*Session
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastConfig returns the StreamConfig of the latest StartStream call.
func (p *Provider) LastConfig() stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StartStreamCalls) == 0 {
		return stt.StreamConfig{}
	}
	return p.StartStreamCalls[len(p.StartStreamCalls)-1].Cfg
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Close closes both
// transcript channels, matching the real providers, so consumers ranging
// over Finals terminate.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Chunks records a copy of every chunk passed to SendAudio, in order.
	Chunks [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// OnClose, if set, runs on the first Close before the channels close.
	OnClose func()
}

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr, or
// stt.ErrSessionClosed after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return s.SendAudioErr
}

// Partials returns the interim transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Emit delivers t on Partials or Finals depending on t.IsFinal. It is a
// no-op after Close.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t.IsFinal {
		s.finals <- t
	} else {
		s.partials <- t
	}
}

// End closes the transcript channels as if the remote side hung up.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
}

// SendAudioCallCount returns the number of recorded chunks. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Chunks)
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Close records the call, closes the channels, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	first := s.CloseCallCount == 1
	onClose := s.OnClose
	s.mu.Unlock()

	if first && onClose != nil {
		onClose()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.CloseErr
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)

// LastSession returns the most recent Session created by StartStream, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}
