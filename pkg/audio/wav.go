package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned by DecodeWAV for input that is not a RIFF/WAVE
// PCM file.
var ErrInvalidWAV = errors.New("audio: invalid wav data")

// EncodeWAV writes pcm as a 16-bit PCM WAV file to w. The encoder seeks back
// to patch the RIFF header, hence the io.WriteSeeker.
func EncodeWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio: encode wav: pcm payload not aligned")
	}
	samples := BytesToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAV parses a complete WAV file and returns its samples as 16-bit
// little-endian PCM together with the stream format. Only 16-bit PCM is
// accepted, which is what VOICEVOX and espeak produce.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}
	if dec.BitDepth != 16 {
		return nil, Format{}, fmt.Errorf("%w: bit depth %d", ErrInvalidWAV, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		s := int16(v)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm, Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}
