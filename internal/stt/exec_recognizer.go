package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/claudette-home/internal/config"
)

// execRecognizer shells out to a whisper-style command per utterance. The
// command gets the utterance as a WAV file and prints either a JSON object or
// the bare transcript.
type execRecognizer struct {
	argv  []string
	cfg   config.STTConfig
	slots chan struct{}
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// plainTextConfidence is reported for commands that print only text.
const plainTextConfidence = 0.5

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{argv: argv, cfg: cfg, slots: make(chan struct{}, 1)}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (TranscriptResult, error) {
	// One model instance at a time; waiting for it still honours ctx.
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	}

	dir, err := os.MkdirTemp("", "claudette-stt-*")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "utterance.wav")
	file, err := os.Create(wavPath)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create wav: %w", err)
	}
	err = writePCMToWav(file, pcm, sampleRate, 1)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return TranscriptResult{}, err
	}

	args := append([]string{}, r.argv[1:]...)
	args = append(args, "--audio", wavPath)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}

	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("%w: %v: %s", ErrRecognizerUnavailable, err, strings.TrimSpace(stderr.String()))
	}
	return parseRecognizerOutput(stdout.Bytes(), r.cfg.Language)
}

func parseRecognizerOutput(out []byte, language string) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var resp execResult
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
		}
		if resp.Language == "" {
			resp.Language = language
		}
		return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence, Language: resp.Language}, nil
	}
	text := strings.Join(strings.Fields(string(trimmed)), " ")
	if text == "" {
		return TranscriptResult{Language: language}, nil
	}
	return TranscriptResult{Text: text, Confidence: plainTextConfidence, Language: language}, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned to 16-bit samples")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
