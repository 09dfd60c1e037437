package wake

import (
	"fmt"
	"time"

	"github.com/loqalabs/claudette-home/internal/audio"
	"github.com/loqalabs/claudette-home/internal/config"
)

// Score is a single engine output for one frame.
type Score struct {
	Word       string
	Confidence float64
}

// Scorer wraps an external acoustic wake-word engine.
type Scorer interface {
	Score(frame audio.Frame) (Score, error)
}

// energyScorer maps frame loudness to a pseudo confidence. It stands in for a
// real engine during development: any loud sound counts as the wake word.
type energyScorer struct {
	word      string
	reference float64
}

func NewMockScorer(word string) Scorer {
	return &energyScorer{word: word, reference: 0.25}
}

func (e *energyScorer) Score(frame audio.Frame) (Score, error) {
	level := audio.RMS(frame.PCM) / e.reference
	if level > 1 {
		level = 1
	}
	return Score{Word: e.word, Confidence: level}, nil
}

// NewScorer builds the engine selected by config.
func NewScorer(cfg config.WakeConfig) (Scorer, error) {
	switch cfg.Engine {
	case "exec":
		return NewExecScorer(cfg.Command, cfg.Word)
	case "mock", "":
		return NewMockScorer(cfg.Word), nil
	default:
		return nil, fmt.Errorf("unknown wake engine %q", cfg.Engine)
	}
}

// PolicyFromConfig converts config values to a detector policy.
func PolicyFromConfig(cfg config.WakeConfig) Policy {
	return Policy{
		Threshold:            cfg.Threshold,
		MinConsecutiveFrames: cfg.MinConsecutiveFrames,
		Cooldown:             time.Duration(cfg.CooldownMS) * time.Millisecond,
	}
}
