package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/claudette-home/internal/audio"
	"github.com/loqalabs/claudette-home/internal/capture"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/protocol"
	"github.com/loqalabs/claudette-home/internal/tts"
	"github.com/loqalabs/claudette-home/internal/wake"
)

// ScorerFactory builds the wake scorer for a newly seen input device.
type ScorerFactory func(deviceID string) (wake.Scorer, error)

type ListenerConfig struct {
	Wake          wake.Policy
	Capture       capture.Policy
	StatsInterval time.Duration
	Buffer        int
	// ExpireEvery is how often a stalled capture window is checked.
	ExpireEvery time.Duration
}

func ListenerConfigFrom(cfg config.Config) ListenerConfig {
	return ListenerConfig{
		Wake:          wake.PolicyFromConfig(cfg.Wake),
		Capture:       capture.PolicyFromConfig(cfg.Capture),
		StatsInterval: time.Duration(cfg.Wake.StatsIntervalMS) * time.Millisecond,
		Buffer:        cfg.Audio.BufferFrames,
		ExpireEvery:   100 * time.Millisecond,
	}
}

// Listener owns the wake detector and capture window of one input device.
// All frame handling happens on its own goroutine.
type Listener struct {
	deviceID string
	detector *wake.Detector
	capture  *capture.Session
	orch     *Orchestrator
	cfg      ListenerConfig
	frames   chan audio.Frame
	scorer   wake.Scorer
	log      *slog.Logger

	current *Session
	dropped atomic.Int64
}

// Run demultiplexes frames from src into per-device listeners until ctx ends
// or the source closes.
func (o *Orchestrator) Run(ctx context.Context, src audio.Source, cfg ListenerConfig, scorers ScorerFactory) error {
	if scorers == nil {
		return errors.New("session listener needs a scorer factory")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.ExpireEvery <= 0 {
		cfg.ExpireEvery = 100 * time.Millisecond
	}
	frames, err := src.Frames(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	local := make(map[string]*Listener)
	defer func() {
		for _, l := range local {
			close(l.frames)
		}
		wg.Wait()
		for id, l := range local {
			o.mu.Lock()
			delete(o.listeners, id)
			o.mu.Unlock()
			if c, ok := l.scorer.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if frame.DeviceID == "" {
				frame.DeviceID = o.cfg.DefaultDevice
			}
			l := local[frame.DeviceID]
			if l == nil {
				l, err = o.newListener(frame.DeviceID, cfg, scorers)
				if err != nil {
					o.log.Warn("cannot listen to device",
						slog.String("device_id", frame.DeviceID),
						slog.String("error", err.Error()))
					continue
				}
				local[frame.DeviceID] = l
				wg.Add(1)
				go func() {
					defer wg.Done()
					l.run(ctx)
				}()
			}
			select {
			case l.frames <- frame:
			default:
				l.dropped.Add(1)
			}
		}
	}
}

func (o *Orchestrator) newListener(deviceID string, cfg ListenerConfig, scorers ScorerFactory) (*Listener, error) {
	scorer, err := scorers(deviceID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	policy := tunedPolicy(cfg.Wake, o.wakeTune)
	o.mu.Unlock()

	l := &Listener{
		deviceID: deviceID,
		detector: wake.NewDetector(deviceID, scorer, policy),
		capture:  capture.NewSession(deviceID, cfg.Capture),
		orch:     o,
		cfg:      cfg,
		frames:   make(chan audio.Frame, cfg.Buffer),
		scorer:   scorer,
		log:      o.log.With(slog.String("device_id", deviceID)),
	}
	o.mu.Lock()
	o.listeners[deviceID] = l
	o.mu.Unlock()
	o.log.Info("listening on device", slog.String("device_id", deviceID), slog.String("room", o.room(deviceID)))
	return l, nil
}

func (l *Listener) run(ctx context.Context) {
	expire := time.NewTicker(l.cfg.ExpireEvery)
	defer expire.Stop()
	var stats <-chan time.Time
	if l.cfg.StatsInterval > 0 {
		t := time.NewTicker(l.cfg.StatsInterval)
		defer t.Stop()
		stats = t.C
	}
	defer func() {
		l.capture.Abort()
		if l.current != nil {
			l.current.Captured(nil, capture.TimedOut)
			l.current = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-l.frames:
			if !ok {
				return
			}
			l.handle(frame)
		case now := <-expire.C:
			if l.capture.Expire(now).Terminal() {
				l.deliver()
			}
		case <-stats:
			st := l.detector.Stats()
			l.log.Info("wake detector stats",
				slog.Int64("frames", st.Frames),
				slog.Int64("candidates", st.Candidates),
				slog.Int64("detections", st.Detections),
				slog.Int64("suppressed", st.Suppressed),
				slog.Int64("dropped_frames", l.dropped.Load()))
		}
	}
}

func (l *Listener) handle(frame audio.Frame) {
	if l.capture.State() == capture.Listening {
		if l.capture.Push(frame).Terminal() {
			l.deliver()
		}
		return
	}

	evt, fired, err := l.detector.Process(frame)
	if err != nil {
		l.log.Debug("wake scoring failed", slog.String("error", err.Error()))
		return
	}
	if !fired {
		return
	}
	l.orch.publishWake(evt)

	sess, err := l.orch.Start(evt)
	if err != nil {
		l.log.Debug("wake ignored", slog.String("error", err.Error()))
		return
	}
	if err := l.capture.Start(evt); err != nil {
		sess.Captured(nil, capture.TimedOut)
		return
	}
	l.current = sess
}

func (l *Listener) deliver() {
	u, state := l.capture.Take()
	if l.current == nil {
		u.Release()
		return
	}
	l.current.Captured(u, state)
	l.current = nil
}

func (o *Orchestrator) publishWake(evt wake.Event) {
	if o.deps.Publisher == nil {
		return
	}
	msg := protocol.WakeDetected{
		DeviceID:   evt.DeviceID,
		Word:       evt.Word,
		Confidence: evt.Confidence,
		Timestamp:  evt.Timestamp.UTC(),
	}
	if err := o.deps.Publisher.PublishJSON(protocol.DeviceSubject(protocol.SubjectWakeDetected, evt.DeviceID), msg); err != nil {
		o.log.Warn("failed to publish wake event", slog.String("error", err.Error()))
	}
}

// suppressor returns the detector listening in the device's room so our own
// voice does not wake it.
func (o *Orchestrator) suppressor(deviceID string) tts.Suppressor {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l := o.listeners[deviceID]; l != nil {
		return l.detector
	}
	return nil
}

// Tune applies a wake policy change to matching listeners and to listeners
// created later. It returns how many running detectors were updated.
func (o *Orchestrator) Tune(msg protocol.WakeTune) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if msg.DeviceID == "" {
		o.wakeTune = mergeTune(o.wakeTune, msg)
	}
	n := 0
	for id, l := range o.listeners {
		if msg.DeviceID != "" && msg.DeviceID != id {
			continue
		}
		policy := l.detector.Tune(msg.Threshold, tuneCooldown(msg), msg.MinConsecutiveFrames)
		o.log.Info("wake policy tuned",
			slog.String("device_id", id),
			slog.Float64("threshold", policy.Threshold),
			slog.Duration("cooldown", policy.Cooldown),
			slog.Int("min_consecutive_frames", policy.MinConsecutiveFrames))
		n++
	}
	return n
}

func mergeTune(base, next protocol.WakeTune) protocol.WakeTune {
	if next.Threshold > 0 {
		base.Threshold = next.Threshold
	}
	if next.CooldownMS != nil {
		base.CooldownMS = next.CooldownMS
	}
	if next.MinConsecutiveFrames > 0 {
		base.MinConsecutiveFrames = next.MinConsecutiveFrames
	}
	return base
}

func tunedPolicy(p wake.Policy, t protocol.WakeTune) wake.Policy {
	if t.Threshold > 0 && t.Threshold <= 1 {
		p.Threshold = t.Threshold
	}
	if c := tuneCooldown(t); c >= 0 {
		p.Cooldown = c
	}
	if t.MinConsecutiveFrames > 0 {
		p.MinConsecutiveFrames = t.MinConsecutiveFrames
	}
	return p
}

// tuneCooldown is negative when the message leaves cooldown unchanged.
func tuneCooldown(t protocol.WakeTune) time.Duration {
	if t.CooldownMS == nil || *t.CooldownMS < 0 {
		return -1
	}
	return time.Duration(*t.CooldownMS) * time.Millisecond
}
