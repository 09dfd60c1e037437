package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator pipes one JSON request per turn into a local model runner and
// reads its answer from stdout, either wrapped as {"content": ...} or raw.
type execGenerator struct {
	argv  []string
	slots chan struct{}
}

type execRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Format      string  `json:"format,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type execResponse struct {
	Content          *string `json:"content"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{argv: argv, slots: make(chan struct{}, 1)}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	case <-ctx.Done():
		return ctx.Err()
	}

	input, err := json.Marshal(execRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		Format:      req.Format,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	started := time.Now()
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("llm command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	chunk := Chunk{SessionID: req.SessionID, Latency: time.Since(started), TraceID: req.TraceID}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err == nil && resp.Content != nil {
		chunk.Content = *resp.Content
		chunk.PromptTokens = resp.PromptTokens
		chunk.CompletionTokens = resp.CompletionTokens
	} else {
		chunk.Content = strings.TrimSpace(string(output))
	}
	return consumer(chunk)
}
