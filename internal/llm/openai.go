package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type openAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator streams chat completions from an OpenAI compatible API.
// An empty endpoint uses the SDK default base URL.
func NewOpenAIGenerator(endpoint, apiKey, model string, opts ...option.RequestOption) Generator {
	base := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		base = append(base, option.WithBaseURL(endpoint))
	}
	return &openAIGenerator{
		client: openai.NewClient(append(base, opts...)...),
		model:  model,
	}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: append(messages, openai.UserMessage(req.Prompt)),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		evt := stream.Current()
		if len(evt.Choices) == 0 {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   evt.Choices[0].Delta.Content,
			Partial:   true,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return consumer(Chunk{SessionID: req.SessionID, Partial: false, Latency: time.Since(start)})
}
