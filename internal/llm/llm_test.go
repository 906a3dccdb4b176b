package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3/option"
)

func TestMockGeneratorStreamsWords(t *testing.T) {
	var chunks []Chunk
	err := NewMockGenerator(0).Generate(context.Background(), Request{SessionID: "s", Prompt: "the weather"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected streamed words, got %d chunks", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if last.Partial || last.Content != "" {
		t.Fatalf("expected empty closing chunk, got %+v", last)
	}
	var b strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		if !c.Partial {
			t.Fatalf("expected partial chunk, got %+v", c)
		}
		b.WriteString(c.Content)
	}
	if b.String() != mockReply("the weather") {
		t.Fatalf("reassembled reply mismatch: %q", b.String())
	}
}

func TestMockGeneratorHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMockGenerator(10*time.Millisecond).Generate(ctx, Request{Prompt: "x"}, func(Chunk) error { return nil })
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hi" || req.Model != "tiny" {
			http.Error(w, "unexpected messages", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there."},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	t.Cleanup(srv.Close)

	var got []Chunk
	req := Request{SessionID: "s", System: "be brief", Prompt: "hi"}
	err := NewOllamaGenerator(srv.URL+"/", "tiny").Generate(context.Background(), req, func(c Chunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 3 || got[0].Content != "Hello" || !got[1].Partial || got[2].Partial {
		t.Fatalf("unexpected chunks %+v", got)
	}
}

func TestOllamaGeneratorSurfacesStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	t.Cleanup(srv.Close)

	err := NewOllamaGenerator(srv.URL, "").Generate(context.Background(), Request{SessionID: "s"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestOllamaGeneratorClosesTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
	}))
	t.Cleanup(srv.Close)

	var got []Chunk
	err := NewOllamaGenerator(srv.URL, "").Generate(context.Background(), Request{SessionID: "s"}, func(c Chunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 2 || got[1].Partial {
		t.Fatalf("expected synthetic final chunk, got %+v", got)
	}
}

func TestOpenAIGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["stream"] != true || body["model"] != "gpt-test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, content := range []string{"Hello", " there."} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	gen := NewOpenAIGenerator(srv.URL+"/v1", "sk-test", "gpt-test", option.WithMaxRetries(0))
	var got []Chunk
	err := gen.Generate(context.Background(), Request{SessionID: "s", Prompt: "hi", MaxTokens: 32}, func(c Chunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 3 || got[0].Content != "Hello" || got[1].Content != " there." || !got[1].Partial || got[2].Partial {
		t.Fatalf("unexpected chunks %+v", got)
	}
}

func TestServicePublishesDeltas(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.LLMConfig{Enabled: true, MaxTokens: 64}, client, NewMockGenerator(0), logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	msgs := make(chan *nats.Msg, 64)
	if _, err := client.Conn().ChanSubscribe("llm.response.*", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectLLMRequest, protocol.LLMRequest{SessionID: "s1", Prompt: "tea", Voice: "en-GB"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var text strings.Builder
	wantSeq := 0
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-msgs:
			var resp protocol.LLMResponse
			if err := json.Unmarshal(msg.Data, &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Sequence != wantSeq {
				t.Fatalf("expected sequence %d, got %d", wantSeq, resp.Sequence)
			}
			wantSeq++
			if resp.Voice != "en-GB" {
				t.Fatalf("expected voice passthrough, got %q", resp.Voice)
			}
			text.WriteString(resp.Text)
			if msg.Subject == protocol.SubjectLLMResponseFinal {
				if resp.Partial {
					t.Fatal("final message marked partial")
				}
				if text.String() != mockReply("tea") {
					t.Fatalf("unexpected reply %q", text.String())
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for final response")
		}
	}
}

func TestExecGeneratorStreamsLines(t *testing.T) {
	script := filepath.Join(t.TempDir(), "gen.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho '{\"content\":\"Hello\"}'\necho\necho '{\"content\":\" there.\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	gen, err := NewExecGenerator("sh " + script)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}

	var got []Chunk
	err = gen.Generate(context.Background(), Request{SessionID: "s", Prompt: "hi"}, func(c Chunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 3 || got[0].Content != "Hello" || got[1].Content != " there." || got[2].Partial {
		t.Fatalf("unexpected chunks %+v", got)
	}
}

func TestExecGeneratorRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecGenerator("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

type scriptedGenerator func(ctx context.Context, req Request, consumer func(Chunk) error) error

func (f scriptedGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	return f(ctx, req, consumer)
}

func startService(t *testing.T, gen Generator) (*bus.Client, chan *nats.Msg) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.LLMConfig{Enabled: true, MaxTokens: 64}, client, gen, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	msgs := make(chan *nats.Msg, 64)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectLLMResponseFinal, msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return client, msgs
}

func nextFinal(t *testing.T, msgs chan *nats.Msg) protocol.LLMResponse {
	t.Helper()
	select {
	case msg := <-msgs:
		var resp protocol.LLMResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final response")
	}
	return protocol.LLMResponse{}
}

func TestServiceClosesFailedReply(t *testing.T) {
	gen := scriptedGenerator(func(_ context.Context, req Request, consumer func(Chunk) error) error {
		if err := consumer(Chunk{SessionID: req.SessionID, Content: "Half", Partial: true}); err != nil {
			return err
		}
		return fmt.Errorf("backend dropped")
	})
	client, msgs := startService(t, gen)

	if err := client.PublishJSON(protocol.SubjectLLMRequest, protocol.LLMRequest{SessionID: "s1", Prompt: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	resp := nextFinal(t, msgs)
	if resp.SessionID != "s1" || resp.Partial || resp.Sequence != 1 || !strings.Contains(resp.Error, "backend dropped") {
		t.Fatalf("unexpected closing message %+v", resp)
	}
}

func TestServiceSupersedesSessionPrompt(t *testing.T) {
	started := make(chan struct{})
	gen := scriptedGenerator(func(ctx context.Context, req Request, consumer func(Chunk) error) error {
		if req.Prompt == "first" {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		if err := consumer(Chunk{SessionID: req.SessionID, Content: "second reply", Partial: true}); err != nil {
			return err
		}
		return consumer(Chunk{SessionID: req.SessionID})
	})
	client, msgs := startService(t, gen)

	if err := client.PublishJSON(protocol.SubjectLLMRequest, protocol.LLMRequest{SessionID: "s1", Prompt: "first"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("first generation never started")
	}
	if err := client.PublishJSON(protocol.SubjectLLMRequest, protocol.LLMRequest{SessionID: "s1", Prompt: "second"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	resp := nextFinal(t, msgs)
	if resp.Error != "" || resp.Sequence != 1 {
		t.Fatalf("expected clean close of the newer reply, got %+v", resp)
	}
	select {
	case msg := <-msgs:
		t.Fatalf("superseded reply should not close, got %s", msg.Data)
	case <-time.After(100 * time.Millisecond):
	}
}
