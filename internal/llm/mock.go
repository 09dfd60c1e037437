package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator answers every prompt with an informational reply that
// echoes the prompt's first line.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	first, _, _ := strings.Cut(strings.TrimSpace(req.Prompt), "\n")
	content := "[mock completion for " + first + "]"
	if req.Format == "json" {
		data, _ := json.Marshal(map[string]string{"type": "inform", "text": content})
		content = string(data)
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Partial:   false,
		Latency:   20 * time.Millisecond,
	})
}

// ScriptedGenerator replays canned completions in order and records the
// requests it saw. The last completion repeats once the script runs out.
type ScriptedGenerator struct {
	mu       sync.Mutex
	replies  []string
	requests []Request
	// Block, when set, makes Generate wait for ctx instead of answering.
	Block bool
}

func NewScriptedGenerator(replies ...string) *ScriptedGenerator {
	return &ScriptedGenerator{replies: replies}
}

func (s *ScriptedGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	block := s.Block
	var reply string
	if len(s.replies) > 0 {
		if idx >= len(s.replies) {
			idx = len(s.replies) - 1
		}
		reply = s.replies[idx]
	}
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return consumer(Chunk{SessionID: req.SessionID, Content: reply})
}

func (s *ScriptedGenerator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
