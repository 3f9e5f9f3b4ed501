package audio

import (
	"encoding/binary"
	"log/slog"
)

// Converter converts PCM buffers to a fixed target format. It logs once on the
// first mismatch it sees. The zero value is not usable; set Target.
type Converter struct {
	Target Format
	warned bool
}

// Convert returns pcm in the target format. When from already matches the
// target the input slice is returned unchanged. Resampling happens before
// channel conversion so stereo input is never resampled twice.
func (c *Converter) Convert(pcm []byte, from Format) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if from == c.Target {
		return pcm
	}
	if !c.warned {
		c.warned = true
		slog.Debug("audio: converting pcm", "from", from.String(), "to", c.Target.String())
	}

	if from.SampleRate != c.Target.SampleRate {
		if from.Channels == 2 {
			pcm = resampleStereo(pcm, from.SampleRate, c.Target.SampleRate)
		} else {
			pcm = resampleMono(pcm, from.SampleRate, c.Target.SampleRate)
		}
	}
	switch {
	case from.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R frame into one mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// resampleMono does linear interpolation over 16-bit mono samples.
func resampleMono(pcm []byte, src, dst int) []byte {
	return resample(pcm, src, dst, 1)
}

// resampleStereo does linear interpolation over interleaved 16-bit stereo.
func resampleStereo(pcm []byte, src, dst int) []byte {
	return resample(pcm, src, dst, 2)
}

func resample(pcm []byte, src, dst, channels int) []byte {
	if src <= 0 || dst <= 0 || src == dst {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames < 1 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dst) / int64(src))
	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(src) / float64(dst)

	sample := func(frame, ch int) float64 {
		if frame >= srcFrames {
			frame = srcFrames - 1
		}
		off := frame*frameBytes + ch*2
		return float64(int16(binary.LittleEndian.Uint16(pcm[off:])))
	}

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for ch := range channels {
			v := sample(idx, ch)*(1-frac) + sample(idx+1, ch)*frac
			binary.LittleEndian.PutUint16(out[i*frameBytes+ch*2:], uint16(int16(v)))
		}
	}
	return out
}

// Int16ToBytes serialises samples as little-endian PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 parses little-endian PCM. A trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
