package intent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/claudette-home/internal/conversation"
	"github.com/loqalabs/claudette-home/internal/homestate"
)

// Kind is the kind of a resolved action.
type Kind string

const (
	KindDeviceCommand Kind = "device_command"
	KindScene         Kind = "scene"
	KindInform        Kind = "inform"
	KindClarify       Kind = "clarify"
)

// Mutating reports whether the action changes device state.
func (k Kind) Mutating() bool { return k == KindDeviceCommand || k == KindScene }

type DecisionKind string

const (
	DecisionActions DecisionKind = "actions"
	DecisionClarify DecisionKind = "clarify"
	DecisionInform  DecisionKind = "inform"
)

// Action is a validated device mutation. Service is "<domain>.<service>".
type Action struct {
	Kind            Kind
	Service         string
	EntityIDs       []string
	Params          map[string]any
	IdempotencyKey  string
	SnapshotVersion uint64
}

func (a Action) Domain() string {
	domain, _, _ := strings.Cut(a.Service, ".")
	return domain
}

func (a Action) ServiceName() string {
	_, name, _ := strings.Cut(a.Service, ".")
	return name
}

// Decision is what the resolver hands back for one transcript. Text is always
// speakable: the question for Clarify, the answer for Inform and the
// backend's acknowledgment for Actions.
type Decision struct {
	Kind    DecisionKind
	Actions []Action
	Text    string
}

// Request carries everything one resolution needs.
type Request struct {
	SessionID  string
	DeviceID   string
	Room       string
	Transcript string
	Snapshot   *homestate.Snapshot
	History    []conversation.Turn
	Now        time.Time
}

type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureSchema      FailureKind = "schema"
	FailureUnavailable FailureKind = "unavailable"
)

// ResolutionError explains why the resolver failed closed.
type ResolutionError struct {
	Kind FailureKind
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution %s: %v", e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ErrActionRejected marks a backend proposal that failed validation.
var ErrActionRejected = errors.New("action rejected")

// Rejection describes one dropped proposal.
type Rejection struct {
	Index  int
	Reason string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("proposal %d: %s", r.Index, r.Reason)
}

// Spoken fallbacks.
const (
	FallbackUnavailable = "Sorry, I can't work that out right now. Please try again in a moment."
	FallbackStale       = "I've lost track of the house for a moment, so I won't change anything. Please try again shortly."
	FallbackClarify     = "I'm not sure which device you mean. Could you say that again with the room or device name?"
)
