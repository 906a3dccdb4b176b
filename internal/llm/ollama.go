package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

type ollamaGenerator struct {
	chatURL string
	model   string
	client  *http.Client
}

// NewOllamaGenerator streams replies from Ollama's chat endpoint. The system
// prompt travels as its own message.
func NewOllamaGenerator(endpoint, model string) Generator {
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaGenerator{
		chatURL: strings.TrimSuffix(endpoint, "/") + "/api/chat",
		model:   model,
		client:  http.DefaultClient,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatDelta struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`
}

func (g *ollamaGenerator) chatRequest(req Request) ollamaChatRequest {
	body := ollamaChatRequest{Model: req.Model, Stream: true}
	if body.Model == "" {
		body.Model = g.model
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, ollamaMessage{Role: "user", Content: req.Prompt})

	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}
	return body
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload, err := json.Marshal(g.chatRequest(req))
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.chatURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama chat: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	// The body is a sequence of JSON objects, one per delta.
	dec := json.NewDecoder(resp.Body)
	for {
		var delta ollamaChatDelta
		if err := dec.Decode(&delta); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode ollama delta: %w", err)
		}
		if delta.Error != "" {
			return fmt.Errorf("ollama chat: %s", delta.Error)
		}
		chunk := Chunk{
			SessionID: req.SessionID,
			Content:   delta.Message.Content,
			Partial:   !delta.Done,
			Latency:   time.Since(start),
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if delta.Done {
			return nil
		}
	}
	// Closed without a done marker; still end the reply.
	return consumer(Chunk{SessionID: req.SessionID, Latency: time.Since(start)})
}
