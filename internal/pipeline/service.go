// Package pipeline drives streaming text through per-session segmentation
// and backpressure control onto the synthesis queue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/segmenter"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loqalabs/loqa-voice/pipeline"

// Service owns one session per streaming session id.
type Service struct {
	cfg      config.PipelineConfig
	settings sessionSettings
	bus      *bus.Client
	pub      Publisher
	rec      Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
	clock    func() time.Time

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, rec Recorder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg.Pipeline,
		settings: settingsFromConfig(cfg),
		bus:      busClient,
		pub:      busClient,
		rec:      rec,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With(slog.String("component", "pipeline")),
		clock:    time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// SegmenterConfig converts the configured baseline into engine settings.
func SegmenterConfig(cfg config.SegmenterConfig) segmenter.Config {
	return segmenter.Config{
		Mode:                segmenter.Mode(cfg.Mode),
		LookaheadTokens:     cfg.LookaheadTokens,
		ChunkTokenBudget:    cfg.ChunkTokenBudget,
		TimeBudgetMS:        cfg.TimeBudgetMS,
		CrossfadeMS:         cfg.CrossfadeMS,
		ForceFlushTimeoutMS: cfg.ForceFlushTimeoutMS,
	}
}

func settingsFromConfig(cfg config.Config) sessionSettings {
	return sessionSettings{
		baseline:       SegmenterConfig(cfg.Segmenter),
		adjust:         cfg.Backpressure.Enabled,
		adjustInterval: time.Duration(cfg.Backpressure.AdjustIntervalMS) * time.Millisecond,
		staleAfter:     time.Duration(cfg.Backpressure.StaleAfterMS) * time.Millisecond,
		idleTimeout:    time.Duration(cfg.Pipeline.SessionIdleTimeoutMS) * time.Millisecond,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectLLMResponses, s.handleResponse},
		{protocol.SubjectTTSDone, s.handleSynthDone},
		{protocol.SubjectPlaybackTelemetry, s.handleTelemetry},
	}
	for _, h := range handlers {
		sub, err := s.bus.Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("pipeline: %w", err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) drain() {
	var errs []error
	for _, sub := range s.subs {
		errs = append(errs, sub.Drain())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("failed to drain subscriptions", slogError(err))
	}
	s.subs = nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 3
}

// Sessions returns snapshots of the live sessions ordered by id.
func (s *Service) Sessions() []SessionSnapshot {
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) handleResponse(msg *nats.Msg) {
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("failed to decode llm response", slogError(err))
		return
	}
	if resp.SessionID == "" {
		return
	}
	sess := s.session(resp.SessionID, resp.Voice, resp.Target)
	if sess == nil {
		return
	}
	sess.post(s.ctx, event{kind: eventDelta, delta: resp})
}

func (s *Service) handleSynthDone(msg *nats.Msg) {
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		s.logger.Warn("failed to decode tts status", slogError(err))
		return
	}
	if sess := s.lookup(status.SessionID); sess != nil {
		sess.post(s.ctx, event{kind: eventSynthDone, status: status})
	}
}

func (s *Service) handleTelemetry(msg *nats.Msg) {
	var tel protocol.PlaybackTelemetry
	if err := json.Unmarshal(msg.Data, &tel); err != nil {
		s.logger.Warn("failed to decode playback telemetry", slogError(err))
		return
	}
	if sess := s.lookup(tel.SessionID); sess != nil {
		sess.post(s.ctx, event{kind: eventTelemetry, telemetry: tel})
	}
}

func (s *Service) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// session returns the live session for id, starting one if needed.
func (s *Service) session(id, voice, target string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	if s.ctx.Err() != nil {
		return nil
	}
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}
	if target == "" {
		target = s.cfg.Target
	}
	sess := newSession(id, voice, target, s.settings, s.pub, s.rec, s.tracer, s.logger, s.clock)
	s.sessions[id] = sess
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(s.ctx)
		s.mu.Lock()
		if s.sessions[id] == sess {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
	}()
	return sess
}
