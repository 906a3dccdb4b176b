package llm

import (
	"bufio"
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

type execGenerator struct {
	argv []string
}

// execInput is written to the command's stdin.
type execInput struct {
	SessionID   string  `json:"session_id"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// execDelta is one stdout line.
type execDelta struct {
	Content string `json:"content"`
}

// NewExecGenerator runs command per prompt. The command reads one JSON object
// on stdin and streams JSON lines of {"content": "..."} on stdout; the reply
// ends when the process exits.
func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execInput{
		SessionID:   req.SessionID,
		System:      req.System,
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	lines := bufio.NewScanner(stdout)
	for lines.Scan() {
		line := bytes.TrimSpace(lines.Bytes())
		if len(line) == 0 {
			continue
		}
		var delta execDelta
		if err := json.Unmarshal(line, &delta); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("decode llm command output: %w", err)
		}
		if err := consumer(Chunk{SessionID: req.SessionID, Content: delta.Content, Partial: true, Latency: time.Since(start)}); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm command: %w: %s", err, msg)
		}
		return fmt.Errorf("llm command: %w", err)
	}
	if err := lines.Err(); err != nil {
		return err
	}
	return consumer(Chunk{SessionID: req.SessionID, Latency: time.Since(start)})
}
