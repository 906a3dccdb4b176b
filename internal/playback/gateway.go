// Package playback bridges playback clients to the bus over websockets.
//
// A client attaches to one session. It receives that session's synthesized
// audio and segmentation announcements as JSON text frames and reports its
// buffer level back, which the gateway republishes as playback telemetry.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

const outboundDepth = 256

const (
	MessageAudio      = "audio"
	MessageAdjustment = "adjustment"
)

// Message is one frame sent to a playback client.
type Message struct {
	Type       string                      `json:"type"`
	Audio      *protocol.AudioChunk        `json:"audio,omitempty"`
	Adjustment *protocol.SegmentAdjustment `json:"adjustment,omitempty"`
}

type Gateway struct {
	cfg      config.PlaybackConfig
	bus      *bus.Client
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients int
}

func NewGateway(parent context.Context, cfg config.PlaybackConfig, busClient *bus.Client, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	return &Gateway{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "playback")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (g *Gateway) Start() error { return nil }

// Close disconnects every client and waits for their handlers to return.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

func (g *Gateway) Healthy() bool { return true }

// Clients reports the number of attached playback clients.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients
}

// ServeHTTP upgrades the request and streams the session named by the "id"
// path value until either side goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.Enabled {
		http.Error(w, "playback disabled", http.StatusServiceUnavailable)
		return
	}
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	logger := g.logger.With(slog.String("session_id", sessionID))
	outbound := make(chan []byte, outboundDepth)

	// Subscriptions are live before the upgrade completes so nothing
	// published after the handshake is missed.
	subs, err := g.subscribe(sessionID, outbound, logger)
	if err != nil {
		logger.Warn("failed to subscribe for playback", slogError(err))
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(g.cfg.MaxMessageBytes)

	g.track(1)
	defer g.track(-1)
	attached := time.Now()
	logger.Info("playback client attached", slog.String("remote", r.RemoteAddr))

	var sent uint64
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sent = g.writeLoop(ctx, conn, outbound, logger)
	}()

	g.readLoop(conn, sessionID, logger)
	cancel()
	<-writerDone
	logger.Info("playback client detached",
		slog.String("sent", humanize.Bytes(sent)),
		slog.Duration("connected", time.Since(attached)))
}

func (g *Gateway) subscribe(sessionID string, outbound chan<- []byte, logger *slog.Logger) ([]*nats.Subscription, error) {
	forward := func(msg Message) {
		frame, err := json.Marshal(msg)
		if err != nil {
			logger.Warn("failed to encode playback frame", slogError(err))
			return
		}
		select {
		case outbound <- frame:
		default:
			logger.Warn("playback client too slow, dropping frame", slog.String("type", msg.Type))
		}
	}

	audioSub, err := g.bus.Subscribe(protocol.SubjectTTSAudio, func(m *nats.Msg) {
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(m.Data, &chunk); err != nil || chunk.SessionID != sessionID {
			return
		}
		forward(Message{Type: MessageAudio, Audio: &chunk})
	})
	if err != nil {
		return nil, err
	}
	adjSub, err := g.bus.Subscribe(protocol.SubjectSegmentAdjustment, func(m *nats.Msg) {
		var adj protocol.SegmentAdjustment
		if err := json.Unmarshal(m.Data, &adj); err != nil || adj.SessionID != sessionID {
			return
		}
		forward(Message{Type: MessageAdjustment, Adjustment: &adj})
	})
	if err != nil {
		_ = audioSub.Unsubscribe()
		return nil, err
	}
	subs := []*nats.Subscription{audioSub, adjSub}
	if err := g.bus.Flush(); err != nil {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		return nil, err
	}
	return subs, nil
}

// writeLoop drains outbound frames and returns the bytes written.
func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan []byte, logger *slog.Logger) uint64 {
	timeout := time.Duration(g.cfg.WriteTimeoutMS) * time.Millisecond
	var sent uint64
	for {
		select {
		case frame := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Warn("playback write failed", slogError(err))
				// Unblocks the read loop.
				_ = conn.Close()
				return sent
			}
			sent += uint64(len(frame))
		case <-ctx.Done():
			deadline := time.Now().Add(timeout)
			closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
			if err := conn.WriteControl(websocket.CloseMessage, closing, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("failed to send close frame", slogError(err))
			}
			_ = conn.Close()
			return sent
		}
	}
}

// readLoop republishes client telemetry until the connection fails. The
// session id always comes from the URL.
func (g *Gateway) readLoop(conn *websocket.Conn, sessionID string, logger *slog.Logger) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && g.ctx.Err() == nil {
				logger.Debug("playback read ended", slogError(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var tel protocol.PlaybackTelemetry
		if err := json.Unmarshal(data, &tel); err != nil {
			logger.Warn("invalid playback telemetry", slogError(err))
			continue
		}
		tel.SessionID = sessionID
		if tel.Timestamp.IsZero() {
			tel.Timestamp = time.Now().UTC()
		}
		if err := g.bus.PublishJSON(protocol.SubjectPlaybackTelemetry, tel); err != nil {
			logger.Warn("failed to publish playback telemetry", slogError(err))
		}
	}
}

func (g *Gateway) track(delta int) {
	g.mu.Lock()
	g.clients += delta
	g.mu.Unlock()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
