package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
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
	return client
}

func TestServiceStreamsDeltasToSynthesis(t *testing.T) {
	client := startBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Segmenter.ForceFlushTimeoutMS = 60000
	cfg.Segmenter.TimeBudgetMS = 60000
	rec := &fakeRecorder{}

	svc := NewService(context.Background(), cfg, client, rec, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}

	requests := make(chan *nats.Msg, 16)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTTSRequest, requests); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deltas := []protocol.LLMResponse{
		{SessionID: "abc", Sequence: 0, Text: "Hello world, this", Partial: true, Voice: "en-GB"},
		{SessionID: "abc", Sequence: 1, Text: " is a test.", Partial: true},
		{SessionID: "abc", Sequence: 2, Text: " Bye", Partial: true},
	}
	for _, d := range deltas {
		if err := client.PublishJSON(protocol.SubjectLLMResponsePartial, d); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var texts []string
	for len(texts) < 1 {
		select {
		case msg := <-requests:
			var req protocol.TTSRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if req.Voice != "en-GB" || req.Target != cfg.Pipeline.Target {
				t.Fatalf("unexpected routing %+v", req)
			}
			texts = append(texts, req.Text)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %v", texts)
		}
	}
	if texts[0] != "Hello world, this is a test." {
		t.Fatalf("unexpected first chunk %q", texts[0])
	}

	deadline := time.After(3 * time.Second)
	for {
		sessions := svc.Sessions()
		if len(sessions) == 1 && sessions[0].InFlight == 1 {
			if sessions[0].Voice != "en-GB" {
				t.Fatalf("unexpected snapshot %+v", sessions[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected one live session, got %+v", svc.Sessions())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := client.PublishJSON(protocol.SubjectLLMResponseFinal, protocol.LLMResponse{SessionID: "abc", Sequence: 3, Text: "!", Partial: false}); err != nil {
		t.Fatalf("publish final: %v", err)
	}
	select {
	case msg := <-requests:
		var req protocol.TTSRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Text != "Bye!" || !req.Context.IsLastInSentence {
			t.Fatalf("unexpected final chunk %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final chunk")
	}

	deadline = time.After(3 * time.Second)
	for len(svc.Sessions()) != 0 {
		select {
		case <-deadline:
			t.Fatal("session was not closed after the final delta")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServiceAnnouncesAdjustments(t *testing.T) {
	client := startBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Segmenter.ForceFlushTimeoutMS = 60000
	cfg.Segmenter.TimeBudgetMS = 60000

	svc := NewService(context.Background(), cfg, client, &fakeRecorder{}, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	adjustments := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectSegmentAdjustment, adjustments); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectLLMResponsePartial, protocol.LLMResponse{SessionID: "s2", Text: "Thinking", Partial: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for len(svc.Sessions()) == 0 {
		select {
		case <-deadline:
			t.Fatal("session not started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := client.PublishJSON(protocol.SubjectPlaybackTelemetry, protocol.PlaybackTelemetry{SessionID: "s2", BufferedMS: 30}); err != nil {
		t.Fatalf("publish telemetry: %v", err)
	}
	select {
	case msg := <-adjustments:
		var adj protocol.SegmentAdjustment
		if err := json.Unmarshal(msg.Data, &adj); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if adj.SessionID != "s2" || !strings.HasPrefix(adj.Reason, "critical_low_buffer_") || adj.ChunkTokenBudget != 6 {
			t.Fatalf("unexpected adjustment %+v", adj)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adjustment")
	}

	// Telemetry for unknown sessions is ignored.
	if err := client.PublishJSON(protocol.SubjectPlaybackTelemetry, protocol.PlaybackTelemetry{SessionID: "nobody", BufferedMS: 30}); err != nil {
		t.Fatalf("publish telemetry: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := len(svc.Sessions()); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Enabled = false
	svc := NewService(context.Background(), cfg, nil, &fakeRecorder{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() || len(svc.Sessions()) != 0 {
		t.Fatal("disabled service should be healthy and empty")
	}
}
