package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/claudette-home/internal/bus"
	"github.com/loqalabs/claudette-home/internal/protocol"
)

// Sink plays audio on a device speaker.
type Sink interface {
	Play(ctx context.Context, chunk protocol.AudioChunk) error
	Done(ctx context.Context, done protocol.SpeechDone) error
}

// Suppressor is told how long our own voice will be audible in the room.
type Suppressor interface {
	Suppress(until time.Time)
}

// Request is one spoken reply.
type Request struct {
	SessionID string
	DeviceID  string
	Text      string
	Voice     string
	Quiet     Suppressor
}

// Outcome reports what reached the speaker.
type Outcome struct {
	Chunks    int
	Audio     time.Duration
	Completed bool
}

// playbackTail covers speaker latency and room echo after the last chunk.
const playbackTail = 500 * time.Millisecond

// Responder turns reply text into audio on the originating device. A reply
// is never dropped silently: if synthesis fails the device still receives a
// SpeechDone carrying the text and the error.
type Responder struct {
	synth Synthesizer
	sink  Sink
	voice string
	log   *slog.Logger
	clock func() time.Time
}

func NewResponder(synth Synthesizer, sink Sink, voice string, logger *slog.Logger) *Responder {
	return &Responder{
		synth: synth,
		sink:  sink,
		voice: voice,
		log:   logger.With(slog.String("component", "speech-responder")),
		clock: time.Now,
	}
}

func (r *Responder) Speak(ctx context.Context, req Request) (Outcome, error) {
	voice := req.Voice
	if voice == "" {
		voice = r.voice
	}
	var out Outcome
	started := r.clock()
	if req.Quiet != nil {
		req.Quiet.Suppress(started.Add(playbackTail))
	}

	chunks, errs := r.synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: voice})
	var synthErr error
loop:
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			packet := protocol.AudioChunk{
				SessionID:  req.SessionID,
				DeviceID:   req.DeviceID,
				Sequence:   out.Chunks,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
				PCM:        chunk.PCM,
				Final:      chunk.Final,
			}
			if err := r.sink.Play(ctx, packet); err != nil {
				synthErr = fmt.Errorf("play chunk: %w", err)
				break loop
			}
			out.Chunks++
			out.Audio += chunk.Duration()
			if req.Quiet != nil {
				req.Quiet.Suppress(started.Add(out.Audio + playbackTail))
			}
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		case <-ctx.Done():
			synthErr = ctx.Err()
			break loop
		}
	}
	if synthErr == nil && out.Chunks == 0 {
		synthErr = errors.New("synthesizer produced no audio")
	}
	out.Completed = synthErr == nil

	done := protocol.SpeechDone{
		SessionID: req.SessionID,
		DeviceID:  req.DeviceID,
		Text:      req.Text,
		Completed: out.Completed,
		Timestamp: r.clock().UTC(),
	}
	if synthErr != nil {
		done.Error = synthErr.Error()
		r.log.Warn("speech synthesis failed, sending text only",
			slog.String("session_id", req.SessionID),
			slog.String("device_id", req.DeviceID),
			slog.String("error", synthErr.Error()))
	}
	// The done marker must go out even when the session context is spent.
	doneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.sink.Done(doneCtx, done); err != nil {
		return out, errors.Join(synthErr, fmt.Errorf("send speech done: %w", err))
	}
	return out, synthErr
}

// BusSink publishes audio to tts.audio.<device> and completion to
// tts.done.<device>.
type BusSink struct {
	bus *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{bus: client}
}

func (s *BusSink) Play(ctx context.Context, chunk protocol.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bus.PublishJSON(protocol.DeviceSubject(protocol.SubjectTTSAudioPrefix, chunk.DeviceID), chunk)
}

func (s *BusSink) Done(ctx context.Context, done protocol.SpeechDone) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bus.PublishJSON(protocol.DeviceSubject(protocol.SubjectTTSDonePrefix, done.DeviceID), done)
}
