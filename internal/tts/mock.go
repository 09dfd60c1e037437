package tts

import (
	"context"
	"strings"
	"time"
)

const (
	mockWordDuration  = 60 * time.Millisecond
	mockChunkDuration = 200 * time.Millisecond
)

// mockSynth speaks silence: about one word's worth per word of text, split
// into short chunks so cancellation mid-reply can be exercised.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		bytesPerSecond := m.sampleRate * 2 * m.channels
		total := int(time.Duration(words) * mockWordDuration * time.Duration(bytesPerSecond) / time.Second)
		step := int(mockChunkDuration * time.Duration(bytesPerSecond) / time.Second)
		if step <= 0 || total <= 0 {
			step, total = 2*m.channels, 2*m.channels
		}
		step -= step % 2
		total -= total % 2

		for seq, sent := 0, 0; sent < total; seq++ {
			n := min(step, total-sent)
			sent += n
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, n),
				Final:      sent >= total,
			}:
			}
		}
	}()
	return chunks, errs
}
