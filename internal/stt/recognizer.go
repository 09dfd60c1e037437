package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/claudette-home/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// Recognizer abstracts STT backends. Input is mono s16le PCM.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (TranscriptResult, error)
}

func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock", "":
		return NewMockRecognizer(cfg.MockTranscript), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
