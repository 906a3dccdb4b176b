// Command loqa-play attaches to a playback session on a running loqad and
// plays it on the local audio device, reporting buffer levels back so the
// daemon can adapt segmentation to this listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/playclient"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func main() {
	var (
		server     string
		sessionID  string
		prompt     string
		voice      string
		sampleRate int
		channels   int
		interval   time.Duration
		device     time.Duration
	)
	defaults := config.Default().TTS

	flag.StringVar(&server, "server", "http://localhost:8080", "loqad HTTP base URL")
	flag.StringVar(&sessionID, "session", "", "session to attach to (generated when -prompt is set)")
	flag.StringVar(&prompt, "prompt", "", "submit this prompt after attaching")
	flag.StringVar(&voice, "voice", "", "voice for the submitted prompt")
	flag.IntVar(&sampleRate, "sample-rate", defaults.SampleRate, "PCM sample rate of the session audio")
	flag.IntVar(&channels, "channels", defaults.Channels, "PCM channel count of the session audio")
	flag.DurationVar(&interval, "telemetry-interval", 100*time.Millisecond, "how often to report buffer levels")
	flag.DurationVar(&device, "device-buffer", 50*time.Millisecond, "audio device buffer size")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger, server, sessionID, prompt, voice, sampleRate, channels, interval, device); err != nil {
		logger.Error("playback failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, server, sessionID, prompt, voice string, sampleRate, channels int, interval, device time.Duration) error {
	if sessionID == "" {
		if prompt == "" {
			return errors.New("either -session or -prompt is required")
		}
		sessionID = uuid.NewString()
	}
	streamURL, err := playclient.StreamURL(server, sessionID)
	if err != nil {
		return err
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   device,
	})
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	buffer := playclient.NewBuffer(sampleRate, channels)
	player := otoCtx.NewPlayer(buffer)
	defer player.Close()
	player.Play()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &playclient.Client{
		URL:        streamURL,
		Buffer:     buffer,
		Interval:   interval,
		Downstream: player.BufferedSize,
		Logger:     logger.With(slog.String("session_id", sessionID)),
	}
	attached := make(chan struct{})
	client.OnAttach = func() { close(attached) }
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	if prompt != "" {
		select {
		case err := <-done:
			return err
		case <-attached:
		}
		id, err := playclient.SubmitPrompt(ctx, nil, server, protocol.Prompt{SessionID: sessionID, Text: prompt, Voice: voice})
		if err != nil {
			stop()
			<-done
			return err
		}
		logger.Info("prompt accepted", slog.String("session_id", id))
	}
	return <-done
}
