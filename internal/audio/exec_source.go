package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecSource reads raw s16le mono PCM from a capture command such as
// `arecord -q -f S16_LE -r 16000 -c 1 -t raw`.
type ExecSource struct {
	cmd        []string
	deviceID   string
	sampleRate int
	frameBytes int
	logger     *slog.Logger
}

func NewExecSource(command, deviceID string, sampleRate, frameMS int, logger *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command is empty")
	}
	return &ExecSource{
		cmd:        args,
		deviceID:   deviceID,
		sampleRate: sampleRate,
		frameBytes: FrameBytes(sampleRate, frameMS),
		logger:     logger.With(slog.String("component", "audio-exec-source")),
	}, nil
}

func (s *ExecSource) Frames(ctx context.Context) (<-chan Frame, error) {
	command := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start audio command: %w", err)
	}

	out := make(chan Frame, 64)
	go func() {
		defer close(out)
		defer func() {
			if err := command.Wait(); err != nil && ctx.Err() == nil {
				s.logger.Warn("audio command exited", slog.String("error", err.Error()))
			}
		}()
		s.pump(ctx, bufio.NewReaderSize(stdout, s.frameBytes*4), out)
	}()
	return out, nil
}

func (s *ExecSource) pump(ctx context.Context, r io.Reader, out chan<- Frame) {
	var seq uint64
	for {
		buf := make([]byte, s.frameBytes)
		if _, err := io.ReadFull(r, buf); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF && ctx.Err() == nil {
				s.logger.Warn("audio read failed", slog.String("error", err.Error()))
			}
			return
		}
		seq++
		select {
		case out <- Frame{DeviceID: s.deviceID, Sequence: seq, SampleRate: s.sampleRate, PCM: buf, Received: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}
