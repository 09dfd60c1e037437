package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/claudette-home/internal/audio"
	"github.com/loqalabs/claudette-home/internal/capture"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/conversation"
	"github.com/loqalabs/claudette-home/internal/device"
	"github.com/loqalabs/claudette-home/internal/dispatch"
	"github.com/loqalabs/claudette-home/internal/eventstore"
	"github.com/loqalabs/claudette-home/internal/homestate"
	"github.com/loqalabs/claudette-home/internal/intent"
	"github.com/loqalabs/claudette-home/internal/llm"
	"github.com/loqalabs/claudette-home/internal/protocol"
	"github.com/loqalabs/claudette-home/internal/stt"
	"github.com/loqalabs/claudette-home/internal/tts"
	"github.com/loqalabs/claudette-home/internal/wake"
)

const device1 = "living-room-satellite"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTranscriber struct {
	text  string
	err   error
	hang  chan struct{}
	calls atomic.Int32
}

// Transcribe ignores ctx and deadline entirely when hang is set.
func (f *fakeTranscriber) Transcribe(_ context.Context, u *capture.Utterance, _ time.Time) (stt.Transcript, error) {
	f.calls.Add(1)
	if f.hang != nil {
		<-f.hang
	}
	if f.err != nil {
		return stt.Transcript{}, f.err
	}
	return stt.Transcript{Text: f.text, Confidence: 0.9, Language: "en", UtteranceID: u.ID}, nil
}

type resolverFunc func(ctx context.Context, req intent.Request) (intent.Decision, error)

func (f resolverFunc) Resolve(ctx context.Context, req intent.Request) (intent.Decision, error) {
	return f(ctx, req)
}

type speakerFunc func(ctx context.Context, req tts.Request) (tts.Outcome, error)

func (f speakerFunc) Speak(ctx context.Context, req tts.Request) (tts.Outcome, error) {
	return f(ctx, req)
}

type recordingSink struct {
	mu   sync.Mutex
	done []protocol.SpeechDone
}

func (s *recordingSink) Play(context.Context, protocol.AudioChunk) error { return nil }

func (s *recordingSink) Done(_ context.Context, d protocol.SpeechDone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, d)
	return nil
}

func (s *recordingSink) spoken() []protocol.SpeechDone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SpeechDone(nil), s.done...)
}

type memPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *memPublisher) PublishJSON(subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *memPublisher) count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

type directory struct{}

func (directory) Room(string) string  { return "living_room" }
func (directory) Voice(string) string { return "en-GB" }

type harness struct {
	orch    *Orchestrator
	plane   *device.MockPlane
	store   *homestate.Store
	gen     *llm.ScriptedGenerator
	stt     *fakeTranscriber
	sink    *recordingSink
	history *conversation.History
	events  *eventstore.Store
	pub     *memPublisher
}

func testConfig() Config {
	return Config{
		Budget:        600 * time.Millisecond,
		Grace:         300 * time.Millisecond,
		STTShare:      0.3,
		ResolveShare:  0.5,
		Privacy:       "internal",
		PublishEvents: true,
		DefaultDevice: device1,
		DefaultRoom:   "living_room",
		CaptureGuard:  2 * time.Second,
	}
}

type option func(*Config, *Deps)

func newHarness(t *testing.T, replies []string, opts ...option) *harness {
	t.Helper()
	ctx := context.Background()
	log := discardLogger()

	plane := device.NewMockPlane()
	plane.Seed(device.DemoEntities()...)
	home := config.Default().Home
	store := homestate.NewStore(plane, home, log)
	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	gen := llm.NewScriptedGenerator(replies...)
	resolver := intent.NewResolver(gen, intent.PolicyFromConfig(config.Default().Intent, 90*time.Second), llm.Request{MaxTokens: 128}, 6, log)
	dispatcher := dispatch.New(plane, store, config.DispatchConfig{MaxAttempts: 2, BackoffMS: 1, MaxBackoffMS: 5, Concurrency: 4, IdempotencyTTLMS: 60000}, log)
	sink := &recordingSink{}
	responder := tts.NewResponder(tts.NewMockSynth(16000, 1), sink, "en-US", log)

	events, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          t.TempDir() + "/events.db",
		RetentionMode: "session",
	}, log)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	h := &harness{
		plane:   plane,
		store:   store,
		gen:     gen,
		stt:     &fakeTranscriber{text: "turn on the lights"},
		sink:    sink,
		history: conversation.NewHistory(6, time.Minute),
		events:  events,
		pub:     &memPublisher{},
	}
	cfg := testConfig()
	deps := Deps{
		Transcriber: h.stt,
		Context:     store,
		Resolver:    resolver,
		Dispatcher:  dispatcher,
		Speaker:     responder,
		History:     h.history,
		Directory:   directory{},
		Recorder:    events,
		Publisher:   h.pub,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	orch, err := New(ctx, cfg, deps, log)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	h.orch = orch
	return h
}

func utterance() *capture.Utterance {
	frame := audio.Frame{DeviceID: device1, SampleRate: 16000, PCM: audio.Tone(16000, 20, 0.3)}
	return &capture.Utterance{ID: "utt-1", DeviceID: device1, Frames: []audio.Frame{frame, frame}, SampleRate: 16000}
}

func wakeEvent() wake.Event {
	return wake.Event{DeviceID: device1, Word: "claudette", Confidence: 0.8, Timestamp: time.Now()}
}

func wait(t *testing.T, s *Session) Record {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish, state %s", s.ID, s.State())
	}
	return s.Record()
}

func (h *harness) run(t *testing.T, u *capture.Utterance, state capture.State) Record {
	t.Helper()
	s, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Captured(u, state)
	return wait(t, s)
}

func (h *harness) onlyResponse(t *testing.T) string {
	t.Helper()
	done := h.sink.spoken()
	if len(done) != 1 {
		t.Fatalf("expected exactly one spoken response, got %d", len(done))
	}
	if done[0].DeviceID != device1 {
		t.Fatalf("response went to %q", done[0].DeviceID)
	}
	return done[0].Text
}

func TestTurnOnTheLights(t *testing.T) {
	h := newHarness(t, []string{`{"type":"actions","actions":[{"kind":"device_command","service":"light.turn_on","entity_ids":["light.living_room"]}],"text":"Turning on the living room light."}`})

	rec := h.run(t, utterance(), capture.EndOfSpeech)

	if rec.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmation, got %s (%v)", rec.Outcome, rec.Err)
	}
	if len(rec.Decision.Actions) != 1 || rec.Decision.Actions[0].Service != "light.turn_on" {
		t.Fatalf("unexpected decision %+v", rec.Decision)
	}
	if len(rec.Results) != 1 || rec.Results[0].Status != dispatch.StatusApplied {
		t.Fatalf("expected applied result, got %+v", rec.Results)
	}
	if e, _ := h.plane.Entity("light.living_room"); e.State != "on" {
		t.Fatalf("expected light on, got %s", e.State)
	}
	if got := h.onlyResponse(t); got != "Turning on the living room light." {
		t.Fatalf("unexpected response %q", got)
	}

	turns := h.history.Recent("living_room")
	if len(turns) != 2 || turns[0].Speaker != conversation.User || turns[0].Text != "turn on the lights" || turns[1].Speaker != conversation.System {
		t.Fatalf("unexpected conversation turns %+v", turns)
	}
}

func TestSessionTimelineIsRecorded(t *testing.T) {
	h := newHarness(t, []string{`{"type":"inform","text":"It is 21 degrees in the hallway."}`})
	s, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Captured(utterance(), capture.EndOfSpeech)
	rec := wait(t, s)
	if rec.Outcome != OutcomeInform {
		t.Fatalf("expected inform, got %s", rec.Outcome)
	}

	events, err := h.events.ListSessionEvents(context.Background(), s.ID, 20)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var states []string
	for _, e := range events {
		states = append(states, e.Type)
	}
	want := "capturing,transcribing,resolving,responding,idle"
	if strings.Join(states, ",") != want {
		t.Fatalf("timeline = %v, want %s", states, want)
	}
	sessions, err := h.events.RecentSessions(context.Background(), 1)
	if err != nil || len(sessions) != 1 || sessions[0].Outcome != string(OutcomeInform) || sessions[0].Room != "living_room" {
		t.Fatalf("unexpected session rows %+v err=%v", sessions, err)
	}
	if got := h.pub.count(protocol.SubjectSessionEvent + "." + device1); got != len(events) {
		t.Fatalf("expected %d published session events, got %d", len(events), got)
	}
}

func TestSortTheLivingRoomNamesBothOutcomes(t *testing.T) {
	h := newHarness(t, []string{`{"type":"actions","actions":[
		{"kind":"device_command","service":"light.turn_on","entity_ids":["light.living_room"],"params":{"brightness_pct":30}},
		{"kind":"device_command","service":"cover.close_cover","entity_ids":["cover.living_room_shutter"]}],
		"text":"Setting up the living room."}`})
	h.plane.Fail("cover.living_room_shutter", errors.New("motor jammed"), -1)
	h.stt.text = "sort the living room"

	rec := h.run(t, utterance(), capture.EndOfSpeech)

	if rec.Outcome != OutcomePartial {
		t.Fatalf("expected partial outcome, got %s", rec.Outcome)
	}
	if len(rec.Results) != 2 || rec.Results[0].Status != dispatch.StatusApplied || rec.Results[1].Status != dispatch.StatusFailed {
		t.Fatalf("unexpected results %+v", rec.Results)
	}
	want := "Done: living room light on. But living room shutter failed."
	if got := h.onlyResponse(t); got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}

func TestTranscriberTimeoutApologisesWithoutResolving(t *testing.T) {
	h := newHarness(t, []string{`{"type":"inform","text":"unused"}`})
	h.stt.err = &stt.Error{Kind: stt.KindTimeout, Attempts: 1, Err: context.DeadlineExceeded}

	rec := h.run(t, utterance(), capture.EndOfSpeech)

	if rec.Outcome != OutcomeApology {
		t.Fatalf("expected apology, got %s", rec.Outcome)
	}
	if len(h.gen.Requests()) != 0 {
		t.Fatalf("resolver backend must not be called after a transcription failure")
	}
	if got := h.onlyResponse(t); got != ReplyMisheard {
		t.Fatalf("unexpected response %q", got)
	}
}

func TestNeverReturningTranscriberStaysWithinBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.hang = make(chan struct{})
	t.Cleanup(func() { close(h.stt.hang) })
	cfg := testConfig()

	s, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	captured := time.Now()
	s.Captured(utterance(), capture.EndOfSpeech)
	rec := wait(t, s)
	elapsed := time.Since(captured)

	if !errors.Is(rec.Err, ErrDeadline) {
		t.Fatalf("expected deadline error, got %v", rec.Err)
	}
	if elapsed > cfg.Budget+cfg.Grace {
		t.Fatalf("session took %v, budget plus grace is %v", elapsed, cfg.Budget+cfg.Grace)
	}
	if got := h.onlyResponse(t); got != ReplyMisheard {
		t.Fatalf("unexpected response %q", got)
	}
	if len(h.gen.Requests()) != 0 {
		t.Fatalf("resolver must not run after transcription was abandoned")
	}
}

func TestNeverReturningResolverStaysWithinBudget(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	h := newHarness(t, nil, func(_ *Config, d *Deps) {
		d.Resolver = resolverFunc(func(context.Context, intent.Request) (intent.Decision, error) {
			<-hang
			return intent.Decision{Kind: intent.DecisionActions}, nil
		})
	})
	cfg := testConfig()

	s, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	captured := time.Now()
	s.Captured(utterance(), capture.EndOfSpeech)
	rec := wait(t, s)

	if elapsed := time.Since(captured); elapsed > cfg.Budget+cfg.Grace {
		t.Fatalf("session took %v, budget plus grace is %v", elapsed, cfg.Budget+cfg.Grace)
	}
	var resErr *intent.ResolutionError
	if !errors.As(rec.Err, &resErr) || resErr.Kind != intent.FailureTimeout {
		t.Fatalf("expected resolution timeout, got %v", rec.Err)
	}
	if rec.Outcome != OutcomeApology {
		t.Fatalf("expected apology, got %s", rec.Outcome)
	}
	if len(h.plane.Calls()) != 0 {
		t.Fatalf("no device may change when resolution was abandoned")
	}
	if got := h.onlyResponse(t); got != ReplyOutOfTime {
		t.Fatalf("unexpected response %q", got)
	}
}

func TestNeverReturningSpeakerIsBoundedByGrace(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	h := newHarness(t, []string{`{"type":"inform","text":"Hello."}`}, func(_ *Config, d *Deps) {
		d.Speaker = speakerFunc(func(context.Context, tts.Request) (tts.Outcome, error) {
			<-hang
			return tts.Outcome{}, nil
		})
	})
	cfg := testConfig()

	s, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	captured := time.Now()
	s.Captured(utterance(), capture.EndOfSpeech)
	wait(t, s)
	if elapsed := time.Since(captured); elapsed > cfg.Budget+cfg.Grace+100*time.Millisecond {
		t.Fatalf("session took %v", elapsed)
	}
}

// stuckPlane never answers calls for covers, whatever ctx says.
type stuckPlane struct {
	*device.MockPlane
	hang chan struct{}
}

func (p stuckPlane) Call(ctx context.Context, call device.Call) error {
	if call.Domain == "cover" {
		<-p.hang
		return errors.New("released")
	}
	return p.MockPlane.Call(ctx, call)
}

func TestNeverReturningPlaneReportsFinishedActions(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	lights := device.NewMockPlane()
	lights.Seed(device.DemoEntities()...)
	h := newHarness(t, []string{`{"type":"actions","actions":[
		{"kind":"device_command","service":"light.turn_on","entity_ids":["light.living_room"]},
		{"kind":"device_command","service":"cover.close_cover","entity_ids":["cover.living_room_shutter"]}],
		"text":"Setting up the living room."}`}, func(_ *Config, d *Deps) {
		cfg := config.DispatchConfig{MaxAttempts: 2, BackoffMS: 1, MaxBackoffMS: 5, Concurrency: 4, IdempotencyTTLMS: 60000}
		d.Dispatcher = dispatch.New(stuckPlane{MockPlane: lights, hang: hang}, nil, cfg, discardLogger())
	})
	cfg := testConfig()

	s, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	captured := time.Now()
	s.Captured(utterance(), capture.EndOfSpeech)
	rec := wait(t, s)

	if elapsed := time.Since(captured); elapsed > cfg.Budget+cfg.Grace {
		t.Fatalf("session took %v, budget plus grace is %v", elapsed, cfg.Budget+cfg.Grace)
	}
	if !errors.Is(rec.Err, ErrDeadline) {
		t.Fatalf("expected deadline error, got %v", rec.Err)
	}
	if e, _ := lights.Entity("light.living_room"); e.State != "on" {
		t.Fatalf("expected light on, got %s", e.State)
	}
	if len(rec.Results) != 2 {
		t.Fatalf("expected 2 results, got %+v", rec.Results)
	}
	if rec.Results[0].Status != dispatch.StatusApplied {
		t.Fatalf("applied light reported as %s", rec.Results[0].Status)
	}
	if rec.Results[1].Status != dispatch.StatusFailed || !errors.Is(rec.Results[1].Err, ErrDeadline) {
		t.Fatalf("unfinished shutter reported as %+v", rec.Results[1])
	}
	if rec.Outcome != OutcomePartial {
		t.Fatalf("expected partial outcome, got %s", rec.Outcome)
	}
	want := "Done: living room light on. But living room shutter failed."
	if got := h.onlyResponse(t); got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}

func TestUnknownEntityFallsBackToClarify(t *testing.T) {
	h := newHarness(t, []string{`{"type":"actions","actions":[{"kind":"device_command","service":"light.turn_on","entity_ids":["light.attic"]}]}`})

	rec := h.run(t, utterance(), capture.EndOfSpeech)

	if rec.Outcome != OutcomeClarify || !errors.Is(rec.Err, intent.ErrActionRejected) {
		t.Fatalf("expected clarify after rejection, got %s (%v)", rec.Outcome, rec.Err)
	}
	if len(h.plane.Calls()) != 0 {
		t.Fatalf("rejected action reached the device plane")
	}
	if got := h.onlyResponse(t); got != intent.FallbackClarify {
		t.Fatalf("unexpected response %q", got)
	}
}

func TestStaleContextNeverActs(t *testing.T) {
	h := newHarness(t, []string{`{"type":"actions","actions":[{"kind":"device_command","service":"light.turn_on","entity_ids":["light.living_room"]}]}`},
		func(_ *Config, d *Deps) {
			d.Context = staleContext{}
		})

	rec := h.run(t, utterance(), capture.EndOfSpeech)

	if !errors.Is(rec.Err, homestate.ErrContextStale) || rec.Decision.Kind == intent.DecisionActions {
		t.Fatalf("expected stale context fallback, got %+v err=%v", rec.Decision, rec.Err)
	}
	if len(h.gen.Requests()) != 0 || len(h.plane.Calls()) != 0 {
		t.Fatalf("stale context must not reach the backend or the devices")
	}
	if got := h.onlyResponse(t); got != intent.FallbackStale {
		t.Fatalf("unexpected response %q", got)
	}
}

type staleContext struct{}

func (staleContext) Current() *homestate.Snapshot {
	return &homestate.Snapshot{
		Version:   3,
		FetchedAt: time.Now().Add(-time.Hour),
		Entities: map[string]homestate.Entity{
			"light.living_room": {ID: "light.living_room", Domain: "light", Room: "living_room", State: "off"},
		},
	}
}

func TestCaptureTimeoutSaysDidNotCatchThat(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.run(t, &capture.Utterance{ID: "empty", DeviceID: device1}, capture.TimedOut)

	if rec.Outcome != OutcomeNotHeard {
		t.Fatalf("expected not heard, got %s", rec.Outcome)
	}
	if h.stt.calls.Load() != 0 {
		t.Fatalf("transcriber must not see an empty utterance")
	}
	if got := h.onlyResponse(t); got != ReplyNotHeard {
		t.Fatalf("unexpected response %q", got)
	}
}

func TestWakeIgnoredWhileSessionActive(t *testing.T) {
	h := newHarness(t, []string{`{"type":"inform","text":"Hi."}`})

	first, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.orch.Start(wakeEvent()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected second wake to be ignored, got %v", err)
	}
	other := wakeEvent()
	other.DeviceID = "kitchen-satellite"
	second, err := h.orch.Start(other)
	if err != nil {
		t.Fatalf("other device must not be gated: %v", err)
	}
	second.Captured(nil, capture.TimedOut)
	wait(t, second)

	first.Captured(utterance(), capture.EndOfSpeech)
	wait(t, first)
	if h.orch.Active(device1) != nil {
		t.Fatalf("device should be idle after the session")
	}
	third, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("expected new session once idle: %v", err)
	}
	third.Captured(nil, capture.TimedOut)
	wait(t, third)
}

func TestBargeInCancelsResponse(t *testing.T) {
	speaking := make(chan struct{}, 1)
	h := newHarness(t, []string{`{"type":"inform","text":"A very long answer."}`}, func(c *Config, d *Deps) {
		c.BargeIn = true
		c.Grace = 5 * time.Second
		d.Speaker = speakerFunc(func(ctx context.Context, req tts.Request) (tts.Outcome, error) {
			if req.Text == "A very long answer." {
				speaking <- struct{}{}
				<-ctx.Done()
				return tts.Outcome{}, ctx.Err()
			}
			return tts.Outcome{Completed: true}, nil
		})
	})

	first, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first.Captured(utterance(), capture.EndOfSpeech)
	select {
	case <-speaking:
	case <-time.After(3 * time.Second):
		t.Fatalf("first session never started speaking")
	}

	second, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("barge-in should open a new session: %v", err)
	}
	rec := wait(t, first)
	if rec.Outcome != OutcomeInform || !rec.Spoken {
		t.Fatalf("interrupted session should still count its response, got %+v", rec)
	}
	if h.orch.Active(device1) != second {
		t.Fatalf("new session must own the device after barge-in")
	}
	second.Captured(nil, capture.TimedOut)
	wait(t, second)
}

func TestPrivateAuditOmitsTranscript(t *testing.T) {
	h := newHarness(t, []string{`{"type":"inform","text":"Hi."}`}, func(c *Config, _ *Deps) {
		c.Privacy = "private"
	})
	s, err := h.orch.Start(wakeEvent())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Captured(utterance(), capture.EndOfSpeech)
	wait(t, s)

	events, err := h.events.ListSessionEvents(context.Background(), s.ID, 20)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, e := range events {
		if strings.Contains(string(e.Payload), "turn on the lights") || strings.Contains(string(e.Payload), "Hi.") {
			t.Fatalf("private audit leaked text in %s: %s", e.Type, e.Payload)
		}
	}
}
