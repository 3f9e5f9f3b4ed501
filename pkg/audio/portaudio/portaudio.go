// Package portaudio implements the audio.Capture and audio.Player interfaces
// on top of PortAudio, using the system default input and output devices.
//
// PortAudio initialisation is reference counted by the C library, so every
// opened capture stream and the player each hold their own
// Initialize/Terminate pair.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/kototsuna/pkg/audio"
)

var (
	_ audio.Capture = (*Capture)(nil)
	_ audio.Player  = (*Player)(nil)
)

// Capture opens microphone streams on the default input device.
type Capture struct {
	mu   sync.Mutex
	open bool
}

// NewCapture returns a Capture. No device is touched until Open.
func NewCapture() *Capture { return &Capture{} }

// Open initialises PortAudio, resolves the default input device and starts a
// blocking-read stream. Only one stream may be open at a time.
func (c *Capture) Open(ctx context.Context, format audio.Format, frames int) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil, errors.New("portaudio: capture stream already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", audio.ErrDeviceUnavailable, err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: default input: %v", audio.ErrDeviceUnavailable, err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = frames

	buf := make([]int16, frames*format.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream: %v", audio.ErrDeviceUnavailable, err)
	}

	slog.Debug("portaudio: capture opened", "device", dev.Name, "format", format.String(), "frames", frames)
	c.open = true
	return &captureStream{owner: c, stream: stream, buf: buf}, nil
}

type captureStream struct {
	owner  *Capture
	stream *portaudio.Stream
	buf    []int16
	once   sync.Once
}

// Read blocks until one buffer of samples has been captured, then copies it
// into dst.
func (s *captureStream) Read(dst []int16) error {
	if err := s.stream.Read(); err != nil {
		// Input overflow only means samples were dropped by the driver.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return fmt.Errorf("portaudio: read: %w", err)
		}
	}
	copy(dst, s.buf)
	return nil
}

// Close stops and closes the stream and releases PortAudio.
func (s *captureStream) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
		s.owner.mu.Lock()
		s.owner.open = false
		s.owner.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("portaudio: close capture: %w", err)
	}
	return nil
}

// Player plays WAV buffers on the default output device. Play calls are
// serialised.
type Player struct {
	framesPerBuffer int
	output          audio.Format

	mu          sync.Mutex
	initialized bool
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithOutputFormat forces every buffer to be converted to f before playback.
// By default the WAV file's own format is used.
func WithOutputFormat(f audio.Format) PlayerOption {
	return func(p *Player) { p.output = f }
}

// WithFramesPerBuffer sets the write size. Default 1024.
func WithFramesPerBuffer(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.framesPerBuffer = n
		}
	}
}

// NewPlayer returns a Player. Call Init before Play.
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{framesPerBuffer: 1024}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Init initialises PortAudio and verifies that a default output device exists.
func (p *Player) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize: %v", audio.ErrDeviceUnavailable, err)
	}
	if _, err := portaudio.DefaultOutputDevice(); err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: default output: %v", audio.ErrDeviceUnavailable, err)
	}
	p.initialized = true
	return nil
}

// Play decodes wav and writes it to a fresh output stream, returning when the
// last buffer has been handed to the device or ctx is cancelled.
func (p *Player) Play(ctx context.Context, wav []byte) error {
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("portaudio: play: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return fmt.Errorf("portaudio: play: %w", audio.ErrDeviceUnavailable)
	}

	if p.output.SampleRate > 0 && p.output.Channels > 0 {
		conv := audio.Converter{Target: p.output}
		pcm = conv.Convert(pcm, format)
		format = p.output
	}
	samples := audio.BytesToInt16(pcm)

	buf := make([]int16, p.framesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), p.framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(samples); off += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close releases PortAudio if Init succeeded.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil
	}
	p.initialized = false
	return portaudio.Terminate()
}
