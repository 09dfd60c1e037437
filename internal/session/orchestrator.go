package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/claudette-home/internal/capture"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/conversation"
	"github.com/loqalabs/claudette-home/internal/dispatch"
	"github.com/loqalabs/claudette-home/internal/eventstore"
	"github.com/loqalabs/claudette-home/internal/homestate"
	"github.com/loqalabs/claudette-home/internal/intent"
	"github.com/loqalabs/claudette-home/internal/protocol"
	"github.com/loqalabs/claudette-home/internal/stt"
	"github.com/loqalabs/claudette-home/internal/tts"
	"github.com/loqalabs/claudette-home/internal/wake"
)

var (
	// ErrSessionActive is returned when a wake event arrives for a device
	// that already has a session in flight.
	ErrSessionActive = errors.New("session already active on device")
	// ErrDeadline marks a stage abandoned because the session ran out of time.
	ErrDeadline = errors.New("session deadline exceeded")
)

type Transcriber interface {
	Transcribe(ctx context.Context, u *capture.Utterance, deadline time.Time) (stt.Transcript, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req intent.Request) (intent.Decision, error)
}

type Dispatcher interface {
	DispatchAll(ctx context.Context, actions []intent.Action, progress *dispatch.Progress) []dispatch.Result
}

type Speaker interface {
	Speak(ctx context.Context, req tts.Request) (tts.Outcome, error)
}

// ContextSource hands out the live snapshot. Staleness is judged by the
// resolver and dispatcher.
type ContextSource interface {
	Current() *homestate.Snapshot
}

// Directory maps input devices to rooms and voices.
type Directory interface {
	Room(deviceID string) string
	Voice(deviceID string) string
}

// Recorder keeps the session audit timeline.
type Recorder interface {
	OpenSession(ctx context.Context, sess eventstore.Session) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	CloseSession(ctx context.Context, sessionID, outcome string, endedAt time.Time) error
}

type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Deps are the stage adapters. Directory, Recorder and Publisher are optional.
type Deps struct {
	Transcriber Transcriber
	Context     ContextSource
	Resolver    Resolver
	Dispatcher  Dispatcher
	Speaker     Speaker
	History     *conversation.History
	Directory   Directory
	Recorder    Recorder
	Publisher   Publisher
}

// Config is the orchestrator's slice of the process configuration.
type Config struct {
	Budget        time.Duration
	Grace         time.Duration
	STTShare      float64
	ResolveShare  float64
	BargeIn       bool
	Privacy       string
	PublishEvents bool
	DefaultDevice string
	DefaultRoom   string
	// CaptureGuard bounds the wait for a capture window that never reports.
	CaptureGuard time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Budget:        time.Duration(cfg.Session.BudgetMS) * time.Millisecond,
		Grace:         time.Duration(cfg.Session.GraceMS) * time.Millisecond,
		STTShare:      cfg.Session.STTShare,
		ResolveShare:  cfg.Session.ResolveShare,
		BargeIn:       cfg.Session.BargeIn,
		Privacy:       cfg.Session.AuditPrivacy,
		PublishEvents: cfg.Session.PublishEvents,
		DefaultDevice: cfg.Node.ID,
		DefaultRoom:   cfg.Node.Room,
		CaptureGuard:  time.Duration(cfg.Capture.MaxCaptureMS)*time.Millisecond + time.Second,
	}
}

// Orchestrator runs one session per wake event and gates sessions so each
// input device has at most one in flight.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	ins   *instruments
	clock func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	active    map[string]*Session
	listeners map[string]*Listener
	wakeTune  protocol.WakeTune
}

func New(parent context.Context, cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Transcriber == nil || deps.Resolver == nil || deps.Dispatcher == nil || deps.Speaker == nil || deps.Context == nil {
		return nil, errors.New("session orchestrator needs transcriber, resolver, dispatcher, speaker and context")
	}
	if deps.History == nil {
		deps.History = conversation.NewHistory(6, 5*time.Minute)
	}
	if cfg.CaptureGuard <= 0 {
		cfg.CaptureGuard = 10 * time.Second
	}
	ins, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("session instruments: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		log:       logger.With(slog.String("component", "session")),
		ins:       ins,
		clock:     time.Now,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*Session),
		listeners: make(map[string]*Listener),
	}, nil
}

// Close cancels in-flight sessions and waits for them to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Active returns the in-flight session for a device, if any.
func (o *Orchestrator) Active(deviceID string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[deviceID]
}

// Start opens a session for a wake event. The session begins in Capturing and
// waits for Captured. With barge-in enabled a wake during Responding cancels
// the running response; otherwise a busy device rejects the wake.
func (o *Orchestrator) Start(evt wake.Event) (*Session, error) {
	deviceID := evt.DeviceID
	if deviceID == "" {
		deviceID = o.cfg.DefaultDevice
		evt.DeviceID = deviceID
	}

	o.mu.Lock()
	if cur := o.active[deviceID]; cur != nil {
		if !o.cfg.BargeIn || cur.State() != Responding {
			o.mu.Unlock()
			o.ins.wakeIgnored.Add(context.Background(), 1, metric.WithAttributes(attribute.String("device.id", deviceID)))
			return nil, ErrSessionActive
		}
		o.log.Info("barge-in, cancelling response", slog.String("session_id", cur.ID), slog.String("device_id", deviceID))
		cur.Cancel()
	}
	ctx, cancel := context.WithCancel(o.ctx)
	s := &Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Room:      o.room(deviceID),
		Wake:      evt,
		cancel:    cancel,
		utterance: make(chan captured, 1),
		done:      make(chan struct{}),
	}
	s.setState(Capturing)
	o.active[deviceID] = s
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(ctx, s)
	}()
	return s, nil
}

func (o *Orchestrator) release(s *Session) {
	s.setState(Idle)
	o.mu.Lock()
	if o.active[s.DeviceID] == s {
		delete(o.active, s.DeviceID)
	}
	o.mu.Unlock()
	close(s.done)
}

func (o *Orchestrator) room(deviceID string) string {
	if o.deps.Directory != nil {
		if room := o.deps.Directory.Room(deviceID); room != "" {
			return room
		}
	}
	return o.cfg.DefaultRoom
}

func (o *Orchestrator) voice(deviceID string) string {
	if o.deps.Directory != nil {
		return o.deps.Directory.Voice(deviceID)
	}
	return ""
}

func (o *Orchestrator) run(ctx context.Context, s *Session) {
	defer o.release(s)
	o.ins.activeGauge.Add(context.Background(), 1)
	defer o.ins.activeGauge.Add(context.Background(), -1)

	ctx, span := o.ins.tracer.Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("device.id", s.DeviceID),
			attribute.String("room", s.Room),
		))
	defer span.End()

	o.open(ctx, s)
	o.transition(ctx, s, Capturing, map[string]any{
		"word":       s.Wake.Word,
		"confidence": s.Wake.Confidence,
	})

	var got captured
	guard := time.NewTimer(o.cfg.CaptureGuard)
	select {
	case got = <-s.utterance:
		guard.Stop()
	case <-guard.C:
		o.log.Warn("capture never reported, treating as timed out", slog.String("session_id", s.ID))
		got = captured{state: capture.TimedOut}
	case <-ctx.Done():
		guard.Stop()
		o.finish(ctx, s, Record{Outcome: OutcomeCancelled, Err: ctx.Err()})
		return
	}

	started := o.clock()
	deadline := started.Add(o.cfg.Budget)
	rec := Record{Started: started}
	reply := o.pipeline(ctx, s, got, deadline, &rec)

	if ctx.Err() != nil {
		rec.Outcome = OutcomeCancelled
		rec.Err = errors.Join(rec.Err, ctx.Err())
		o.finish(ctx, s, rec)
		return
	}

	o.transition(ctx, s, Responding, nil)
	rec.Response = reply
	respondBy := deadline.Add(o.cfg.Grace)
	_, err := stage(ctx, o, "respond", respondBy, func(ctx context.Context) (tts.Outcome, error) {
		return o.deps.Speaker.Speak(ctx, tts.Request{
			SessionID: s.ID,
			DeviceID:  s.DeviceID,
			Text:      reply,
			Voice:     o.voice(s.DeviceID),
			Quiet:     o.suppressor(s.DeviceID),
		})
	})
	if err != nil {
		o.log.Warn("response playback incomplete",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
	}
	rec.Spoken = true
	rec.Responded = o.clock()
	o.remember(s, rec)
	o.finish(ctx, s, rec)
}

// pipeline runs Transcribing through Dispatching and returns the reply text.
// It always returns something speakable.
func (o *Orchestrator) pipeline(ctx context.Context, s *Session, got captured, deadline time.Time, rec *Record) string {
	u := got.utterance
	if got.state == capture.TimedOut || u.Empty() {
		u.Release()
		rec.Outcome = OutcomeNotHeard
		return ReplyNotHeard
	}

	o.transition(ctx, s, Transcribing, map[string]any{"audio_ms": u.Duration().Milliseconds()})
	sttBy := rec.Started.Add(share(o.cfg.Budget, o.cfg.STTShare))
	transcript, err := stage(ctx, o, "transcribe", sttBy, func(ctx context.Context) (stt.Transcript, error) {
		return o.deps.Transcriber.Transcribe(ctx, u, sttBy)
	})
	if !errors.Is(err, ErrDeadline) {
		u.Release()
	}
	if err != nil {
		rec.Err = err
		var sttErr *stt.Error
		if errors.As(err, &sttErr) && sttErr.Kind == stt.KindEmpty {
			rec.Outcome = OutcomeNotHeard
			return ReplyNotHeard
		}
		o.log.Warn("transcription failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
		rec.Outcome = OutcomeApology
		return ReplyMisheard
	}
	rec.Transcript = transcript

	if !o.clock().Before(deadline) {
		rec.Outcome = OutcomeApology
		rec.Err = fmt.Errorf("resolve: %w", ErrDeadline)
		return ReplyOutOfTime
	}
	o.transition(ctx, s, Resolving, o.private(map[string]any{"transcript": transcript.Text}))
	resolveBy := rec.Started.Add(share(o.cfg.Budget, o.cfg.STTShare+o.cfg.ResolveShare))
	req := intent.Request{
		SessionID:  s.ID,
		DeviceID:   s.DeviceID,
		Room:       s.Room,
		Transcript: transcript.Text,
		Snapshot:   o.deps.Context.Current(),
		History:    o.deps.History.Recent(s.location()),
		Now:        o.clock(),
	}
	decision, err := stage(ctx, o, "resolve", resolveBy, func(ctx context.Context) (intent.Decision, error) {
		return o.deps.Resolver.Resolve(ctx, req)
	})
	if errors.Is(err, ErrDeadline) {
		decision = intent.Decision{Kind: intent.DecisionInform, Text: ReplyOutOfTime}
		err = &intent.ResolutionError{Kind: intent.FailureTimeout, Err: err}
	}
	rec.Decision = decision
	if err != nil {
		rec.Err = err
		o.log.Info("resolver fell back",
			slog.String("session_id", s.ID),
			slog.String("decision", string(decision.Kind)),
			slog.String("error", err.Error()))
	}

	switch decision.Kind {
	case intent.DecisionClarify:
		rec.Outcome = OutcomeClarify
		return speakable(decision.Text, intent.FallbackClarify)
	case intent.DecisionInform:
		var resErr *intent.ResolutionError
		if errors.As(err, &resErr) {
			rec.Outcome = OutcomeApology
		} else {
			rec.Outcome = OutcomeInform
		}
		return speakable(decision.Text, intent.FallbackUnavailable)
	}
	if len(decision.Actions) == 0 {
		rec.Outcome = OutcomeInform
		return speakable(decision.Text, ReplyNothingToDo)
	}

	o.transition(ctx, s, Dispatching, map[string]any{"actions": len(decision.Actions)})
	progress := dispatch.NewProgress(decision.Actions)
	results, err := stage(ctx, o, "dispatch", deadline, func(ctx context.Context) ([]dispatch.Result, error) {
		return o.deps.Dispatcher.DispatchAll(ctx, decision.Actions, progress), nil
	})
	if err != nil {
		// Actions that finished before the deadline keep their real status.
		rec.Err = err
		results = progress.Results(err)
	}
	rec.Results = results

	applied := 0
	for _, r := range results {
		if r.Status == dispatch.StatusApplied {
			applied++
		}
	}
	switch {
	case applied == len(results):
		rec.Outcome = OutcomeConfirmed
		if decision.Text != "" {
			return decision.Text
		}
	case applied == 0:
		rec.Outcome = OutcomeApology
	default:
		rec.Outcome = OutcomePartial
	}
	return dispatch.Summarize(results, req.Snapshot)
}

// stage runs fn under the stage deadline and abandons it if the deadline
// passes first. An abandoned fn keeps running on a cancelled context.
func stage[T any](ctx context.Context, o *Orchestrator, name string, deadline time.Time, fn func(context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	stageCtx, span := o.ins.tracer.Start(stageCtx, name)
	defer span.End()

	begun := o.clock()
	defer func() {
		o.ins.stage.Record(context.Background(), o.clock().Sub(begun).Seconds(),
			metric.WithAttributes(attribute.String("stage", name)))
	}()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(stageCtx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			span.RecordError(r.err)
		}
		return r.v, r.err
	case <-stageCtx.Done():
		var zero T
		err := ctx.Err()
		if err == nil {
			err = fmt.Errorf("%s: %w", name, ErrDeadline)
		}
		span.RecordError(err)
		return zero, err
	}
}

func share(budget time.Duration, fraction float64) time.Duration {
	return time.Duration(float64(budget) * fraction)
}

func speakable(text, fallback string) string {
	if text == "" {
		return fallback
	}
	return text
}

func (s *Session) location() string {
	if s.Room != "" {
		return s.Room
	}
	return s.DeviceID
}

func (o *Orchestrator) remember(s *Session, rec Record) {
	var turns []conversation.Turn
	if rec.Transcript.Text != "" {
		turns = append(turns, conversation.Turn{Speaker: conversation.User, Text: rec.Transcript.Text, Timestamp: rec.Started})
	}
	turns = append(turns, conversation.Turn{Speaker: conversation.System, Text: rec.Response, Timestamp: rec.Responded})
	o.deps.History.Append(s.location(), turns...)
}

// private strips spoken text from audit details when the audit scope is
// private.
func (o *Orchestrator) private(detail map[string]any) map[string]any {
	if o.cfg.Privacy == "private" {
		return nil
	}
	return detail
}

func (o *Orchestrator) open(ctx context.Context, s *Session) {
	if o.deps.Recorder == nil {
		return
	}
	err := o.deps.Recorder.OpenSession(context.WithoutCancel(ctx), eventstore.Session{
		ID:        s.ID,
		DeviceID:  s.DeviceID,
		Room:      s.Room,
		Privacy:   o.cfg.Privacy,
		StartedAt: s.Wake.Timestamp,
	})
	if err != nil {
		o.log.Warn("failed to record session", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) transition(ctx context.Context, s *Session, state State, detail map[string]any) {
	s.setState(state)
	now := o.clock().UTC()
	o.log.Debug("session state", slog.String("session_id", s.ID), slog.String("state", state.String()))
	o.emit(ctx, s, protocol.SessionEvent{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		State:     state.String(),
		Detail:    detail,
		Timestamp: now,
	})
}

func (o *Orchestrator) emit(ctx context.Context, s *Session, evt protocol.SessionEvent) {
	if o.cfg.PublishEvents && o.deps.Publisher != nil {
		subject := protocol.DeviceSubject(protocol.SubjectSessionEvent, s.DeviceID)
		if err := o.deps.Publisher.PublishJSON(subject, evt); err != nil {
			o.log.Warn("failed to publish session event", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
	if o.deps.Recorder == nil {
		return
	}
	var payload []byte
	if len(evt.Detail) > 0 {
		payload, _ = json.Marshal(evt.Detail)
	}
	err := o.deps.Recorder.AppendEvent(context.WithoutCancel(ctx), eventstore.Event{
		SessionID: s.ID,
		TraceID:   trace.SpanContextFromContext(ctx).TraceID().String(),
		Type:      evt.State,
		Payload:   payload,
		CreatedAt: evt.Timestamp,
	})
	if err != nil {
		o.log.Warn("failed to record session event", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) finish(ctx context.Context, s *Session, rec Record) {
	s.update(func(r *Record) { *r = rec })

	detail := map[string]any{"outcome": string(rec.Outcome)}
	if rec.Response != "" && o.cfg.Privacy != "private" {
		detail["response"] = rec.Response
	}
	if rec.Err != nil {
		detail["error"] = rec.Err.Error()
	}
	var latency time.Duration
	if !rec.Responded.IsZero() {
		latency = rec.Responded.Sub(rec.Started)
		detail["latency_ms"] = latency.Milliseconds()
		o.ins.total.Record(context.Background(), latency.Seconds())
	}
	o.emit(ctx, s, protocol.SessionEvent{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		State:     Idle.String(),
		Detail:    detail,
		Timestamp: o.clock().UTC(),
	})
	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.CloseSession(context.WithoutCancel(ctx), s.ID, string(rec.Outcome), o.clock()); err != nil {
			o.log.Warn("failed to close session record", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}
	o.ins.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(rec.Outcome))))

	attrs := []any{
		slog.String("session_id", s.ID),
		slog.String("device_id", s.DeviceID),
		slog.String("outcome", string(rec.Outcome)),
		slog.Int64("latency_ms", latency.Milliseconds()),
	}
	if rec.Err != nil {
		attrs = append(attrs, slog.String("error", rec.Err.Error()))
	}
	o.log.Info("session complete", attrs...)
}
