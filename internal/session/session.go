package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/claudette-home/internal/capture"
	"github.com/loqalabs/claudette-home/internal/dispatch"
	"github.com/loqalabs/claudette-home/internal/intent"
	"github.com/loqalabs/claudette-home/internal/stt"
	"github.com/loqalabs/claudette-home/internal/wake"
)

// State is the orchestrator stage a session is in.
type State int32

const (
	Idle State = iota
	Capturing
	Transcribing
	Resolving
	Dispatching
	Responding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Transcribing:
		return "transcribing"
	case Resolving:
		return "resolving"
	case Dispatching:
		return "dispatching"
	case Responding:
		return "responding"
	default:
		return "unknown"
	}
}

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomePartial   Outcome = "partial"
	OutcomeClarify   Outcome = "clarify"
	OutcomeInform    Outcome = "inform"
	OutcomeApology   Outcome = "apology"
	OutcomeNotHeard  Outcome = "not_heard"
	OutcomeCancelled Outcome = "cancelled"
)

// Spoken fallbacks owned by the orchestrator.
const (
	ReplyNotHeard    = "Sorry, I didn't catch that."
	ReplyMisheard    = "Sorry, I couldn't make that out. Please try again."
	ReplyOutOfTime   = "Sorry, that took too long. Please try again."
	ReplyNothingToDo = "Okay."
)

// Record is what a finished session leaves behind.
type Record struct {
	Transcript stt.Transcript
	Decision   intent.Decision
	Results    []dispatch.Result
	Response   string
	Spoken     bool
	Outcome    Outcome
	// Err is the failure that shaped the response, if any.
	Err error
	// Started is the end of capture, where the latency budget begins.
	Started   time.Time
	Responded time.Time
}

type captured struct {
	utterance *capture.Utterance
	state     capture.State
}

// Session ties one wake event to its single spoken response.
type Session struct {
	ID       string
	DeviceID string
	Room     string
	Wake     wake.Event

	state     atomic.Int32
	cancel    context.CancelFunc
	utterance chan captured
	done      chan struct{}
	once      sync.Once

	mu     sync.Mutex
	record Record
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Captured hands the finished capture window to the session. Only the first
// call counts.
func (s *Session) Captured(u *capture.Utterance, state capture.State) {
	s.once.Do(func() {
		s.utterance <- captured{utterance: u, state: state}
	})
}

// Done is closed once the session has responded and returned to Idle.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel abandons the session; used for barge-in and shutdown.
func (s *Session) Cancel() { s.cancel() }

// Record returns the session result. It is complete once Done is closed.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func (s *Session) update(fn func(*Record)) {
	s.mu.Lock()
	fn(&s.record)
	s.mu.Unlock()
}
