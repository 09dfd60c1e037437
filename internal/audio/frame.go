package audio

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// Frame is a fixed-length block of 16-bit little-endian mono PCM.
type Frame struct {
	DeviceID   string
	Sequence   uint64
	SampleRate int
	PCM        []byte
	Received   time.Time
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Source yields frames until ctx is cancelled or the underlying input ends.
type Source interface {
	Frames(ctx context.Context) (<-chan Frame, error)
}

// FrameBytes is the byte size of one frame at the given rate and duration.
func FrameBytes(sampleRate, durationMS int) int {
	return sampleRate * durationMS / 1000 * 2
}

// RMS returns the normalised root-mean-square level of the PCM block in [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Concat joins the PCM payloads of frames in order.
func Concat(frames []Frame) []byte {
	size := 0
	for _, f := range frames {
		size += len(f.PCM)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		out = append(out, f.PCM...)
	}
	return out
}

// Tone generates a constant-amplitude square block, handy for tests and
// synthetic input. amplitude is in [0, 1].
func Tone(sampleRate, durationMS int, amplitude float64) []byte {
	pcm := make([]byte, FrameBytes(sampleRate, durationMS))
	level := int16(amplitude * 32767)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := level
		if (i/2)%2 == 1 {
			v = -level
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(v))
	}
	return pcm
}
