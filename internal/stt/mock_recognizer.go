package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer hears the same phrase in every utterance. With no phrase
// it reports the buffer length instead.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	text := m.text
	if text == "" {
		text = fmt.Sprintf("[transcript length=%d]", len(pcm))
	}
	return TranscriptResult{Text: text, Confidence: 0.9, Language: "en"}, nil
}
