package playclient

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func TestBufferFillsSilenceAndCountsUnderruns(t *testing.T) {
	buf := NewBuffer(1000, 1) // 2 bytes per ms
	p := make([]byte, 4)
	if _, err := buf.Read(p); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf.TakeUnderruns() != 0 {
		t.Fatal("starving before any audio should not count as an underrun")
	}

	_, _ = buf.Write([]byte{1, 2, 3, 4, 5, 6})
	if ms := buf.BufferedMS(); ms != 3 {
		t.Fatalf("expected 3ms buffered, got %d", ms)
	}
	n, _ := buf.Read(p)
	if n != 4 || !bytes.Equal(p, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected read %d %v", n, p)
	}
	n, _ = buf.Read(p)
	if n != 4 || !bytes.Equal(p, []byte{5, 6, 0, 0}) {
		t.Fatalf("expected silence padding, got %d %v", n, p)
	}
	_, _ = buf.Read(p)
	if got := buf.TakeUnderruns(); got != 1 {
		t.Fatalf("expected one underrun per starvation, got %d", got)
	}
	if got := buf.TakeUnderruns(); got != 0 {
		t.Fatalf("underruns should reset after being taken, got %d", got)
	}
}

func TestClientReportsBufferedAudio(t *testing.T) {
	telemetry := make(chan protocol.PlaybackTelemetry, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		audio := &protocol.AudioChunk{SessionID: "s1", ChunkID: "c1", SampleRate: 22050, Channels: 1, PCM: make([]byte, 4410), Final: true}
		if err := conn.WriteJSON(playback.Message{Type: playback.MessageAudio, Audio: audio}); err != nil {
			return
		}
		for {
			var tel protocol.PlaybackTelemetry
			if err := conn.ReadJSON(&tel); err != nil {
				return
			}
			select {
			case telemetry <- tel:
			default:
			}
		}
	}))
	defer srv.Close()

	client := &Client{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Buffer:     NewBuffer(22050, 1),
		Interval:   10 * time.Millisecond,
		Downstream: func() int { return 441 },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for reported := false; !reported; {
		select {
		case tel := <-telemetry:
			reported = tel.BufferedMS == 110
		case <-deadline:
			t.Fatal("timed out waiting for buffered telemetry")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientStopsOnGatewayClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()

	client := &Client{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Buffer:   NewBuffer(22050, 1),
		Interval: time.Hour,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}
