package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/claudette-home/internal/audio"
	"github.com/loqalabs/claudette-home/internal/bus"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/conversation"
	"github.com/loqalabs/claudette-home/internal/device"
	"github.com/loqalabs/claudette-home/internal/dispatch"
	"github.com/loqalabs/claudette-home/internal/eventstore"
	"github.com/loqalabs/claudette-home/internal/homestate"
	"github.com/loqalabs/claudette-home/internal/intent"
	"github.com/loqalabs/claudette-home/internal/llm"
	"github.com/loqalabs/claudette-home/internal/satellite"
	"github.com/loqalabs/claudette-home/internal/session"
	"github.com/loqalabs/claudette-home/internal/stt"
	"github.com/loqalabs/claudette-home/internal/tts"
	"github.com/loqalabs/claudette-home/internal/wake"
)

// pipeline holds the voice command stages wired for one process.
type pipeline struct {
	cfg    config.Config
	bus    *bus.Client
	home   *homestate.Store
	orch   *session.Orchestrator
	logger *slog.Logger
}

func buildPipeline(ctx context.Context, cfg config.Config, client *bus.Client, dir *satellite.Registry, events *eventstore.Store, logger *slog.Logger) (*pipeline, error) {
	plane, err := device.NewPlane(cfg.Home, logger)
	if err != nil {
		return nil, fmt.Errorf("device plane: %w", err)
	}
	home := homestate.NewStore(plane, cfg.Home, logger)

	recognizer, err := stt.NewRecognizer(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("speech recognizer: %w", err)
	}
	generator, err := llm.NewGenerator(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("language model: %w", err)
	}
	synth, err := tts.NewSynthesizer(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("speech synthesizer: %w", err)
	}

	staleness := time.Duration(cfg.Home.StalenessMS) * time.Millisecond
	deps := session.Deps{
		Transcriber: stt.NewTranscriber(recognizer, cfg.STT, logger),
		Context:     home,
		Resolver:    intent.NewResolver(generator, intent.PolicyFromConfig(cfg.Intent, staleness), llm.OptionsFromConfig(cfg.LLM), cfg.Intent.HistoryTurns, logger),
		Dispatcher:  dispatch.New(plane, home, cfg.Dispatch, logger),
		Speaker:     tts.NewResponder(synth, tts.NewBusSink(client), cfg.TTS.Voice, logger),
		History:     conversation.NewHistory(cfg.Intent.HistoryTurns, time.Duration(cfg.Intent.HistoryMaxAgeMS)*time.Millisecond),
		Directory:   dir,
		Recorder:    events,
		Publisher:   client,
	}
	orch, err := session.New(ctx, session.ConfigFrom(cfg), deps, logger)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		cfg:    cfg,
		bus:    client,
		home:   home,
		orch:   orch,
		logger: logger,
	}, nil
}

// listen feeds microphone frames to the orchestrator until ctx ends.
func (p *pipeline) listen(ctx context.Context) error {
	src, err := p.source()
	if err != nil {
		return err
	}
	scorers := func(string) (wake.Scorer, error) {
		return wake.NewScorer(p.cfg.Wake)
	}
	return p.orch.Run(ctx, src, session.ListenerConfigFrom(p.cfg), scorers)
}

func (p *pipeline) source() (audio.Source, error) {
	switch p.cfg.Audio.Source {
	case "exec":
		return audio.NewExecSource(p.cfg.Audio.Command, p.cfg.Node.ID, p.cfg.Audio.SampleRate, p.cfg.Audio.FrameDurationMS, p.logger)
	case "", "bus":
		return audio.NewBusSource(p.bus, p.cfg.Audio.BufferFrames, p.logger), nil
	default:
		return nil, fmt.Errorf("unsupported audio source %q", p.cfg.Audio.Source)
	}
}

func (p *pipeline) close() {
	p.orch.Close()
}

// registerContextMetrics exports the age of the live snapshot and the count
// of failed refreshes.
func registerContextMetrics(home *homestate.Store) error {
	meter := otel.Meter("github.com/loqalabs/claudette-home/homestate")
	age, err := meter.Float64ObservableGauge("claudette.context.age",
		metric.WithDescription("Age of the home context snapshot"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	failures, err := meter.Int64ObservableCounter("claudette.context.refresh_failures",
		metric.WithDescription("Failed context refreshes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if snap := home.Current(); snap != nil {
			o.ObserveFloat64(age, snap.Age(time.Now()).Seconds())
		}
		o.ObserveInt64(failures, home.RefreshFailures())
		return nil
	}, age, failures)
	return err
}
