package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk is one streamed text delta. The last chunk of a generation has
// Partial set to false and may carry no content.
type Chunk struct {
	SessionID string
	Content   string
	Partial   bool
	Latency   time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		System:      cfg.SystemPrompt,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
