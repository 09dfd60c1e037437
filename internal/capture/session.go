package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/claudette-home/internal/audio"
	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/wake"
)

type State int

const (
	Idle State = iota
	Listening
	EndOfSpeech
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case EndOfSpeech:
		return "end_of_speech"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the capture window has closed.
func (s State) Terminal() bool { return s == EndOfSpeech || s == TimedOut }

var ErrBusy = errors.New("capture already in progress")

// Policy bounds one capture window.
type Policy struct {
	Silence          time.Duration
	MaxCapture       time.Duration
	NoSpeechTimeout  time.Duration
	SpeechThreshold  float64
	SilenceThreshold float64
	SpeechFrames     int
}

func PolicyFromConfig(cfg config.CaptureConfig) Policy {
	return Policy{
		Silence:          time.Duration(cfg.SilenceMS) * time.Millisecond,
		MaxCapture:       time.Duration(cfg.MaxCaptureMS) * time.Millisecond,
		NoSpeechTimeout:  time.Duration(cfg.NoSpeechTimeoutMS) * time.Millisecond,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
		SpeechFrames:     cfg.SpeechFrames,
	}
}

// Utterance is the audio heard between a wake event and end of speech.
type Utterance struct {
	ID         string
	DeviceID   string
	Frames     []audio.Frame
	SampleRate int
	Started    time.Time
	Ended      time.Time
}

func (u *Utterance) Empty() bool { return u == nil || len(u.Frames) == 0 }

// PCM returns the concatenated samples.
func (u *Utterance) PCM() []byte {
	if u == nil {
		return nil
	}
	return audio.Concat(u.Frames)
}

func (u *Utterance) Duration() time.Duration {
	if u == nil {
		return 0
	}
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// Release drops the frame buffer once the transcriber is done with it.
func (u *Utterance) Release() {
	if u == nil {
		return
	}
	u.Frames = nil
}

// Session is a single-device capture window. It is reused across wake events
// but only one window can be open at a time.
type Session struct {
	deviceID string
	policy   Policy

	mu        sync.Mutex
	state     State
	vad       energyVAD
	wake      wake.Event
	started   time.Time
	frames    []audio.Frame
	elapsed   time.Duration
	silence   time.Duration
	heard     bool
	utterance *Utterance
}

func NewSession(deviceID string, policy Policy) *Session {
	if policy.SpeechFrames <= 0 {
		policy.SpeechFrames = 1
	}
	return &Session{
		deviceID: deviceID,
		policy:   policy,
		vad: energyVAD{
			speechThreshold:  policy.SpeechThreshold,
			silenceThreshold: policy.SilenceThreshold,
			speechFrames:     policy.SpeechFrames,
		},
	}
}

// Start opens a capture window for the wake event. A window that is still
// Listening is never replaced.
func (s *Session) Start(evt wake.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Listening {
		return ErrBusy
	}
	started := evt.Timestamp
	if started.IsZero() {
		started = time.Now()
	}
	s.state = Listening
	s.wake = evt
	s.started = started
	s.frames = nil
	s.elapsed = 0
	s.silence = 0
	s.heard = false
	s.utterance = nil
	s.vad.reset()
	return nil
}

// Push appends a frame and returns the resulting state. Frames arriving
// outside a Listening window are ignored.
func (s *Session) Push(frame audio.Frame) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Listening {
		return s.state
	}

	s.frames = append(s.frames, frame)
	d := frame.Duration()
	s.elapsed += d
	if s.vad.observe(frame.PCM) {
		s.heard = true
		s.silence = 0
	} else if s.heard {
		s.silence += d
	}

	end := frame.Received
	if end.IsZero() {
		end = s.started.Add(s.elapsed)
	}
	switch {
	case s.heard && s.silence >= s.policy.Silence:
		s.finish(EndOfSpeech, end)
	case s.elapsed >= s.policy.MaxCapture:
		s.finish(TimedOut, end)
	case !s.heard && s.policy.NoSpeechTimeout > 0 && s.elapsed >= s.policy.NoSpeechTimeout:
		s.finish(TimedOut, end)
	}
	return s.state
}

// Expire applies the hard cap by wall clock, for microphones that stall.
func (s *Session) Expire(now time.Time) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Listening {
		return s.state
	}
	age := now.Sub(s.started)
	if age >= s.policy.MaxCapture || (!s.heard && s.policy.NoSpeechTimeout > 0 && age >= s.policy.NoSpeechTimeout) {
		s.finish(TimedOut, now)
	}
	return s.state
}

// finish closes the window. Must hold s.mu.
func (s *Session) finish(state State, ended time.Time) {
	s.state = state
	if state == TimedOut {
		s.frames = nil
		s.utterance = &Utterance{ID: uuid.NewString(), DeviceID: s.deviceID, Started: s.started, Ended: ended}
		return
	}
	sampleRate := 0
	if len(s.frames) > 0 {
		sampleRate = s.frames[0].SampleRate
	}
	s.utterance = &Utterance{
		ID:         uuid.NewString(),
		DeviceID:   s.deviceID,
		Frames:     s.frames,
		SampleRate: sampleRate,
		Started:    s.started,
		Ended:      ended,
	}
	s.frames = nil
}

// Take hands the finished utterance to the caller and returns the session to
// Idle. It returns nil while the window is still open.
func (s *Session) Take() (*Utterance, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return nil, s.state
	}
	u, state := s.utterance, s.state
	s.utterance = nil
	s.state = Idle
	return u, state
}

// Abort discards any open window.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.frames = nil
	s.utterance = nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Wake() wake.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}
