package audio_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/MrWong99/kototsuna/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.BytesToInt16(audio.MonoToStereo(audio.Int16ToBytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	got := audio.BytesToInt16(audio.StereoToMono(audio.Int16ToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	want := []int16{150, -150, 32767}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConverter(t *testing.T) {
	tests := []struct {
		name      string
		from      audio.Format
		to        audio.Format
		inSamples int
		wantLen   int
	}{
		{"identity", audio.Format{SampleRate: 16000, Channels: 1}, audio.Format{SampleRate: 16000, Channels: 1}, 160, 320},
		{"upsample mono", audio.Format{SampleRate: 24000, Channels: 1}, audio.Format{SampleRate: 48000, Channels: 1}, 240, 960},
		{"mono to stereo", audio.Format{SampleRate: 24000, Channels: 1}, audio.Format{SampleRate: 24000, Channels: 2}, 240, 960},
		{"upsample and widen", audio.Format{SampleRate: 24000, Channels: 1}, audio.Format{SampleRate: 48000, Channels: 2}, 240, 1920},
		{"downmix", audio.Format{SampleRate: 48000, Channels: 2}, audio.Format{SampleRate: 48000, Channels: 1}, 480, 480},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := audio.Converter{Target: tc.to}
			pcm := audio.Int16ToBytes(make([]int16, tc.inSamples))
			out := c.Convert(pcm, tc.from)
			if len(out) != tc.wantLen {
				t.Errorf("len = %d, want %d", len(out), tc.wantLen)
			}
		})
	}
}

func TestConverter_OddByteTrimmed(t *testing.T) {
	c := audio.Converter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	out := c.Convert([]byte{1, 2, 3}, audio.Format{SampleRate: 16000, Channels: 1})
	if len(out) != 2 {
		t.Errorf("len = %d, want 2", len(out))
	}
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := []int16{0, 1000, -1000, 32767, -32768}
	format := audio.Format{SampleRate: 24000, Channels: 1}
	if err := audio.EncodeWAV(f, audio.Int16ToBytes(samples), format); err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	pcm, gotFormat, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gotFormat != format {
		t.Errorf("format = %v, want %v", gotFormat, format)
	}
	if got := audio.BytesToInt16(pcm); !slices.Equal(got, samples) {
		t.Errorf("samples = %v, want %v", got, samples)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	if _, _, err := audio.DecodeWAV([]byte("definitely not riff")); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
