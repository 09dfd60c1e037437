package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/claudette-home/internal/config"
)

// execSynth runs a piper-style command once per response. The reply text is
// written to stdin and raw s16le PCM is streamed back on stdout, cut into
// fixed-length chunks so playback can begin before synthesis ends.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
	chunkBytes int
}

func NewExecSynth(cfg config.TTSConfig) (Synthesizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	chunkMS := cfg.ChunkDurationMS
	if chunkMS <= 0 {
		chunkMS = 400
	}
	chunkBytes := cfg.SampleRate * chunkMS / 1000 * 2 * channels
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("tts sample rate %d too low", cfg.SampleRate)
	}
	return &execSynth{argv: argv, sampleRate: cfg.SampleRate, channels: channels, chunkBytes: chunkBytes}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
		cmd.Stdin = strings.NewReader(req.Text + "\n")
		cmd.Env = append(os.Environ(), "CLAUDETTE_VOICE="+req.Voice)
		var stderr strings.Builder
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts: %w", err)
			return
		}

		readErr := e.stream(ctx, req.SessionID, stdout, chunks)
		waitErr := cmd.Wait()
		switch {
		case ctx.Err() != nil:
			errs <- ctx.Err()
		case readErr != nil:
			errs <- readErr
		case waitErr != nil:
			errs <- fmt.Errorf("tts exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
		}
	}()
	return chunks, errs
}

// stream emits every full chunk as soon as it is read and marks the last one
// final. An odd trailing byte is dropped.
func (e *execSynth) stream(ctx context.Context, sessionID string, r io.Reader, out chan<- SynthChunk) error {
	var pending []byte
	seq := 0
	for {
		buf := make([]byte, e.chunkBytes)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if pending != nil {
				if !e.send(ctx, out, SynthChunk{SessionID: sessionID, Sequence: seq, SampleRate: e.sampleRate, Channels: e.channels, PCM: pending}) {
					return ctx.Err()
				}
				seq++
			}
			pending = buf[:n-n%2]
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if pending == nil {
		return errors.New("tts produced no audio")
	}
	if !e.send(ctx, out, SynthChunk{SessionID: sessionID, Sequence: seq, SampleRate: e.sampleRate, Channels: e.channels, PCM: pending, Final: true}) {
		return ctx.Err()
	}
	return nil
}

func (e *execSynth) send(ctx context.Context, out chan<- SynthChunk, c SynthChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
