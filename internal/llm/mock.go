package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator streams a canned reply one word at a time, pausing delay
// between words.
func NewMockGenerator(delay time.Duration) Generator {
	return &mockGenerator{delay: delay}
}

func mockReply(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = "nothing in particular"
	}
	return fmt.Sprintf("Sure, here is a quick answer. You asked about %s; I looked into it for you. Let me know if you need anything else!", prompt)
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	words := strings.Fields(mockReply(req.Prompt))
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.delay):
			}
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   true,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{SessionID: req.SessionID, Partial: false, Latency: time.Since(start)})
}
