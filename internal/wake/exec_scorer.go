package wake

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/loqalabs/claudette-home/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecScorer drives a long-lived wake bridge process. Each frame's PCM is
// written to stdin and the bridge answers with one JSON line per frame:
//
//	{"word":"claudette","score":0.81}
type ExecScorer struct {
	args []string
	word string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
}

type bridgeLine struct {
	Word  string  `json:"word"`
	Score float64 `json:"score"`
}

func NewExecScorer(command, word string) (*ExecScorer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse wake command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("wake command is empty")
	}
	return &ExecScorer{args: args, word: word}, nil
}

func (e *ExecScorer) start() error {
	cmd := exec.Command(e.args[0], e.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start wake bridge: %w", err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.reader = bufio.NewReader(stdout)
	return nil
}

func (e *ExecScorer) Score(frame audio.Frame) (Score, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		if err := e.start(); err != nil {
			return Score{}, err
		}
	}
	if _, err := e.stdin.Write(frame.PCM); err != nil {
		e.reset()
		return Score{}, fmt.Errorf("write to wake bridge: %w", err)
	}
	line, err := e.reader.ReadBytes('\n')
	if err != nil {
		e.reset()
		return Score{}, fmt.Errorf("read wake bridge: %w", err)
	}
	var out bridgeLine
	if err := json.Unmarshal(line, &out); err != nil {
		return Score{}, fmt.Errorf("decode wake bridge line: %w", err)
	}
	if out.Word == "" {
		out.Word = e.word
	}
	return Score{Word: out.Word, Confidence: out.Score}, nil
}

// reset kills the bridge so the next frame restarts it. Must hold e.mu.
func (e *ExecScorer) reset() {
	if e.cmd == nil {
		return
	}
	_ = e.stdin.Close()
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	_ = e.cmd.Wait()
	e.cmd = nil
	e.stdin = nil
	e.reader = nil
}

func (e *ExecScorer) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
	return nil
}
