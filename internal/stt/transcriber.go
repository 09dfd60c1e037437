package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/claudette-home/internal/capture"
	"github.com/loqalabs/claudette-home/internal/config"
)

var ErrRecognizerUnavailable = errors.New("recognizer unavailable")

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindEmpty       ErrorKind = "empty"
	KindUnavailable ErrorKind = "unavailable"
)

// Error is the only failure Transcribe returns.
type Error struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transcription %s after %d attempt(s)", e.Kind, e.Attempts)
	}
	return fmt.Sprintf("transcription %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transcript is the immutable result of one utterance.
type Transcript struct {
	Text        string
	Confidence  float64
	Language    string
	UtteranceID string
}

// Transcriber bounds a Recognizer by a deadline it enforces itself and
// retries unavailable errors while time remains.
type Transcriber struct {
	recognizer  Recognizer
	maxAttempts int
	backoff     time.Duration
	language    string
	log         *slog.Logger
}

func NewTranscriber(recognizer Recognizer, cfg config.STTConfig, logger *slog.Logger) *Transcriber {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Transcriber{
		recognizer:  recognizer,
		maxAttempts: attempts,
		backoff:     time.Duration(cfg.BackoffMS) * time.Millisecond,
		language:    cfg.Language,
		log:         logger.With(slog.String("component", "transcriber")),
	}
}

type recognizeResult struct {
	res TranscriptResult
	err error
}

// Transcribe returns a Transcript or an *Error. It returns by the deadline
// even if the recognizer never does.
func (t *Transcriber) Transcribe(ctx context.Context, u *capture.Utterance, deadline time.Time) (Transcript, error) {
	if u.Empty() {
		return Transcript{}, &Error{Kind: KindEmpty}
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	pcm := u.PCM()
	backoff := t.backoff
	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		res, err := t.attempt(ctx, pcm, u.SampleRate)
		if err == nil {
			text := strings.TrimSpace(res.Text)
			if text == "" {
				return Transcript{}, &Error{Kind: KindEmpty, Attempts: attempt}
			}
			lang := res.Language
			if lang == "" {
				lang = t.language
			}
			return Transcript{
				Text:        text,
				Confidence:  res.Confidence,
				Language:    lang,
				UtteranceID: u.ID,
			}, nil
		}
		if ctx.Err() != nil {
			return Transcript{}, &Error{Kind: KindTimeout, Attempts: attempt, Err: ctx.Err()}
		}
		lastErr = err
		t.log.Warn("recognizer attempt failed",
			slog.Int("attempt", attempt),
			slog.String("utterance_id", u.ID),
			slog.String("error", err.Error()))

		if attempt == t.maxAttempts {
			break
		}
		if backoff > 0 {
			if time.Until(deadline) <= backoff {
				break
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Transcript{}, &Error{Kind: KindTimeout, Attempts: attempt, Err: ctx.Err()}
			case <-timer.C:
			}
			backoff *= 2
		}
	}
	return Transcript{}, &Error{Kind: KindUnavailable, Attempts: t.maxAttempts, Err: lastErr}
}

// attempt runs one recognizer call, abandoning it when ctx ends.
func (t *Transcriber) attempt(ctx context.Context, pcm []byte, sampleRate int) (TranscriptResult, error) {
	out := make(chan recognizeResult, 1)
	go func() {
		res, err := t.recognizer.Transcribe(ctx, pcm, sampleRate)
		out <- recognizeResult{res: res, err: err}
	}()
	select {
	case r := <-out:
		return r.res, r.err
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	}
}
