// Package playclient is the listening end of a playback session: it queues
// streamed audio for a local output device and reports the buffer level back
// to the gateway so segmentation can adapt.
package playclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type Client struct {
	URL      string
	Buffer   *Buffer
	Interval time.Duration
	// Downstream reports audio already handed to the output device but not
	// yet audible, in bytes.
	Downstream func() int
	// OnAttach runs once the stream is established.
	OnAttach func()
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

// Run streams until ctx ends or the gateway closes the session.
func (c *Client) Run(ctx context.Context) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	defer conn.Close()
	c.Logger.Info("attached to playback session", slog.String("url", c.URL))
	if c.OnAttach != nil {
		c.OnAttach()
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(c.telemetry()); err != nil {
				return fmt.Errorf("send telemetry: %w", err)
			}
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		case <-ctx.Done():
			closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(time.Second))
			return nil
		}
	}
}

func (c *Client) telemetry() protocol.PlaybackTelemetry {
	buffered := c.Buffer.BufferedMS()
	if c.Downstream != nil {
		buffered += c.Buffer.MS(c.Downstream())
	}
	return protocol.PlaybackTelemetry{
		BufferedMS: buffered,
		Underruns:  c.Buffer.TakeUnderruns(),
		Timestamp:  time.Now().UTC(),
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg playback.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case playback.MessageAudio:
			if msg.Audio == nil {
				return errors.New("audio frame without payload")
			}
			_, _ = c.Buffer.Write(msg.Audio.PCM)
		case playback.MessageAdjustment:
			if adj := msg.Adjustment; adj != nil {
				c.Logger.Debug("segmentation adjusted",
					slog.String("reason", adj.Reason),
					slog.Int("chunk_token_budget", adj.ChunkTokenBudget),
					slog.Bool("throttle", adj.ShouldThrottle))
			}
		}
	}
}
