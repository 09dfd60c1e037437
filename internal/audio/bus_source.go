package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/claudette-home/internal/bus"
	"github.com/loqalabs/claudette-home/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource receives frames published by satellites on audio.frame.<device>.
type BusSource struct {
	bus     *bus.Client
	buffer  int
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewBusSource(busClient *bus.Client, buffer int, logger *slog.Logger) *BusSource {
	if buffer <= 0 {
		buffer = 256
	}
	return &BusSource{
		bus:    busClient,
		buffer: buffer,
		logger: logger.With(slog.String("component", "audio-bus-source")),
	}
}

func (s *BusSource) Frames(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame, s.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
			return
		}
		if frame.DeviceID == "" {
			frame.DeviceID = msg.Subject[len(protocol.SubjectAudioFramePrefix)+1:]
		}
		f := Frame{
			DeviceID:   frame.DeviceID,
			Sequence:   frame.Sequence,
			SampleRate: frame.SampleRate,
			PCM:        frame.PCM,
			Received:   time.Now(),
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- f:
		default:
			// consumer is behind; live audio is worth more than old audio
			if n := s.dropped.Add(1); n%100 == 1 {
				s.logger.Warn("audio frames dropped", slog.Int64("total", n))
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Dropped reports frames discarded because the consumer fell behind.
func (s *BusSource) Dropped() int64 {
	return s.dropped.Load()
}
