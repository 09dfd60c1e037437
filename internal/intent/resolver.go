package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/claudette-home/internal/homestate"
	"github.com/loqalabs/claudette-home/internal/llm"
)

// Resolver turns a transcript plus home context into a Decision. It is the
// trust boundary between model output and device mutation: nothing leaves
// here as an action unless every target exists in the snapshot and the kind
// and service are permitted.
type Resolver struct {
	generator    llm.Generator
	policy       Policy
	defaults     llm.Request
	historyLimit int
	log          *slog.Logger
	clock        func() time.Time
}

func NewResolver(generator llm.Generator, policy Policy, defaults llm.Request, historyLimit int, logger *slog.Logger) *Resolver {
	return &Resolver{
		generator:    generator,
		policy:       policy,
		defaults:     defaults,
		historyLimit: historyLimit,
		log:          logger.With(slog.String("component", "intent-resolver")),
		clock:        time.Now,
	}
}

type proposal struct {
	Kind      string         `json:"kind"`
	Service   string         `json:"service"`
	EntityIDs []string       `json:"entity_ids"`
	Params    map[string]any `json:"params,omitempty"`
}

type wireDecision struct {
	Type    string     `json:"type"`
	Actions []proposal `json:"actions"`
	Text    string     `json:"text"`
}

// Resolve always returns a speakable Decision. The error, when set, says why
// the decision is a fallback: homestate.ErrContextStale, *ResolutionError or
// ErrActionRejected. The backend is called at most once.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	now := req.Now
	if now.IsZero() {
		now = r.clock()
	}
	if req.Snapshot == nil || req.Snapshot.Age(now) > r.policy.Staleness {
		return Decision{Kind: DecisionInform, Text: FallbackStale}, homestate.ErrContextStale
	}

	entities := relevant(req.Snapshot, req.Transcript, req.Room, r.policy.MaxContextEntities)
	prompt, err := buildPrompt(req, entities, r.policy.services(), r.historyLimit)
	if err != nil {
		return Decision{Kind: DecisionInform, Text: FallbackUnavailable}, &ResolutionError{Kind: FailureUnavailable, Err: err}
	}

	llmReq := r.defaults
	llmReq.SessionID = req.SessionID
	llmReq.System = systemPrompt
	llmReq.Prompt = prompt
	llmReq.Format = "json"

	completion, err := llm.Collect(ctx, r.generator, llmReq)
	if err != nil {
		kind := FailureUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = FailureTimeout
		}
		return Decision{Kind: DecisionInform, Text: FallbackUnavailable}, &ResolutionError{Kind: kind, Err: err}
	}

	wire, err := parseDecision(completion.Content)
	if err != nil {
		r.log.Warn("reasoning backend returned unusable output",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()))
		return Decision{Kind: DecisionInform, Text: FallbackUnavailable}, &ResolutionError{Kind: FailureSchema, Err: err}
	}

	switch wire.Type {
	case string(DecisionClarify):
		return Decision{Kind: DecisionClarify, Text: wire.Text}, nil
	case string(DecisionInform):
		return Decision{Kind: DecisionInform, Text: wire.Text}, nil
	}

	var rejected []error
	actions := make([]Action, 0, len(wire.Actions))
	for i, p := range wire.Actions {
		if reason := r.policy.check(p, req.Snapshot); reason != "" {
			rej := Rejection{Index: i, Reason: reason}
			rejected = append(rejected, rej)
			r.log.Warn("dropped proposed action",
				slog.String("session_id", req.SessionID),
				slog.String("service", p.Service),
				slog.Any("entity_ids", p.EntityIDs),
				slog.String("reason", reason))
			continue
		}
		actions = append(actions, Action{
			Kind:            Kind(p.Kind),
			Service:         p.Service,
			EntityIDs:       append([]string(nil), p.EntityIDs...),
			Params:          p.Params,
			IdempotencyKey:  fmt.Sprintf("%s-%d", req.SessionID, i),
			SnapshotVersion: req.Snapshot.Version,
		})
	}
	if len(rejected) > 0 {
		err := fmt.Errorf("%w: %w", ErrActionRejected, errors.Join(rejected...))
		return Decision{Kind: DecisionClarify, Text: FallbackClarify}, err
	}
	return Decision{Kind: DecisionActions, Actions: actions, Text: wire.Text}, nil
}

// parseDecision extracts the single JSON object from backend output and checks
// it against the response schema. Code fences and chatter around the object
// are tolerated; anything else is a schema failure.
func parseDecision(raw string) (wireDecision, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return wireDecision{}, errors.New("no JSON object in output")
	}
	body := raw[start : end+1]
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var out wireDecision
	if err := dec.Decode(&out); err != nil {
		return wireDecision{}, fmt.Errorf("decode decision: %w", err)
	}
	if rest := strings.TrimSpace(body[dec.InputOffset():]); rest != "" {
		return wireDecision{}, errors.New("trailing content after decision object")
	}
	out.Text = strings.TrimSpace(out.Text)
	switch out.Type {
	case string(DecisionClarify), string(DecisionInform):
		if out.Text == "" {
			return wireDecision{}, fmt.Errorf("%s decision without text", out.Type)
		}
		if len(out.Actions) > 0 {
			return wireDecision{}, fmt.Errorf("%s decision carries actions", out.Type)
		}
	case string(DecisionActions):
		if len(out.Actions) == 0 {
			return wireDecision{}, errors.New("actions decision without actions")
		}
	default:
		return wireDecision{}, fmt.Errorf("unknown decision type %q", out.Type)
	}
	return out, nil
}
