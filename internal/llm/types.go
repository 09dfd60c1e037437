package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/claudette-home/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Format      string // "json" asks the backend for a single JSON object
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Completion is the accumulated output of one Generate call.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Collect runs a generation to the end and joins its chunks.
func Collect(ctx context.Context, g Generator, req Request) (Completion, error) {
	var b strings.Builder
	var out Completion
	err := g.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		if c.PromptTokens > 0 {
			out.PromptTokens = c.PromptTokens
		}
		if c.CompletionTokens > 0 {
			out.CompletionTokens = c.CompletionTokens
		}
		out.Latency = c.Latency
		return nil
	})
	out.Content = b.String()
	return out, err
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock", "":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
