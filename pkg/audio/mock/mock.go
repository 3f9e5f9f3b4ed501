// Package mock provides test doubles for the audio package interfaces.
//
// Capture hands out Stream values that produce silence (or a scripted
// sample pattern) at a configurable pace. Player records every buffer it is
// asked to play, in order, so tests can assert playback ordering.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/kototsuna/pkg/audio"
)

// OpenCall records a single invocation of Capture.Open.
type OpenCall struct {
	Format audio.Format
	Frames int
}

// Capture is a mock implementation of audio.Capture.
type Capture struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// ReadErrAfter makes every stream return ReadErr after this many reads.
	// Zero disables it.
	ReadErrAfter int

	// ReadErr is returned once ReadErrAfter reads have happened.
	ReadErr error

	// ReadDelay is slept on each Read to emulate real-time capture.
	ReadDelay time.Duration

	// Sample is the value every captured sample is set to.
	Sample int16

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	// Streams holds every stream that was handed out.
	Streams []*Stream
}

// Open records the call and returns a new Stream or OpenErr.
func (c *Capture) Open(ctx context.Context, format audio.Format, frames int) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, OpenCall{Format: format, Frames: frames})
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Stream{
		errAfter: c.ReadErrAfter,
		readErr:  c.ReadErr,
		delay:    c.ReadDelay,
		sample:   c.Sample,
	}
	c.Streams = append(c.Streams, s)
	return s, nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (c *Capture) OpenCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.OpenCalls)
}

// LastStream returns the most recently opened stream or nil.
func (c *Capture) LastStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Streams) == 0 {
		return nil
	}
	return c.Streams[len(c.Streams)-1]
}

var _ audio.Capture = (*Capture)(nil)

// errStreamClosed is returned by Read after Close.
var errStreamClosed = errors.New("mock: stream closed")

// Stream is a mock implementation of audio.Stream.
type Stream struct {
	mu       sync.Mutex
	reads    int
	closes   int
	errAfter int
	readErr  error
	delay    time.Duration
	sample   int16
}

// Read fills buf with the configured sample value.
func (s *Stream) Read(buf []int16) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return errStreamClosed
	}
	s.reads++
	if s.errAfter > 0 && s.reads > s.errAfter {
		return s.readErr
	}
	for i := range buf {
		buf[i] = s.sample
	}
	return nil
}

// Close records the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Reads returns the number of Read calls that returned data.
func (s *Stream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ audio.Stream = (*Stream)(nil)

// Player is a mock implementation of audio.Player.
type Player struct {
	mu sync.Mutex

	// InitErr, if non-nil, is returned by Init.
	InitErr error

	// PlayErr, if non-nil, is returned by Play after recording the call.
	PlayErr error

	// PlayDelay is slept inside Play to emulate playback time.
	PlayDelay time.Duration

	// Played holds every buffer passed to Play, in call order.
	Played [][]byte

	// InitCalls and CloseCalls count lifecycle calls.
	InitCalls  int
	CloseCalls int

	// OnPlay, if set, is called with each buffer before Play returns.
	OnPlay func(wav []byte)
}

// Init records the call and returns InitErr.
func (p *Player) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitCalls++
	return p.InitErr
}

// Play records the buffer, optionally sleeps, and returns PlayErr.
func (p *Player) Play(ctx context.Context, wav []byte) error {
	p.mu.Lock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	p.Played = append(p.Played, cp)
	delay, onPlay, err := p.PlayDelay, p.OnPlay, p.PlayErr
	p.mu.Unlock()

	if onPlay != nil {
		onPlay(cp)
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

// Close records the call.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return nil
}

// PlayedBuffers returns a copy of the recorded buffers. Thread-safe.
func (p *Player) PlayedBuffers() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.Played))
	copy(out, p.Played)
	return out
}

var _ audio.Player = (*Player)(nil)
