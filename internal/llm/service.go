package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

const generationTimeout = 60 * time.Second

var errSuperseded = errors.New("superseded by a newer prompt")

// Service answers llm.request messages by streaming text deltas onto
// llm.response.partial and closing each reply on llm.response.final. A new
// prompt for a session cancels the reply still streaming for it.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*generation
	ready    bool
}

type generation struct {
	cancel context.CancelCauseFunc
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]*generation),
		logger:    logger.With(slog.String("component", "llm")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.ready = false
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// request merges per-prompt overrides onto the configured defaults.
func (s *Service) request(msg protocol.LLMRequest) Request {
	req := OptionsFromConfig(s.cfg)
	req.SessionID = msg.SessionID
	req.Prompt = msg.Prompt
	if msg.Model != "" {
		req.Model = msg.Model
	}
	if msg.MaxTokens > 0 {
		req.MaxTokens = msg.MaxTokens
	}
	if msg.Temperature > 0 {
		req.Temperature = msg.Temperature
	}
	return req
}

// begin registers a generation for sessionID, cancelling any earlier one.
func (s *Service) begin(sessionID string) (context.Context, *generation) {
	ctx, cancel := context.WithCancelCause(s.ctx)
	gen := &generation{cancel: cancel}
	s.mu.Lock()
	if prev := s.inflight[sessionID]; prev != nil {
		prev.cancel(errSuperseded)
	}
	s.inflight[sessionID] = gen
	s.mu.Unlock()
	return ctx, gen
}

func (s *Service) finish(sessionID string, gen *generation) {
	s.mu.Lock()
	if s.inflight[sessionID] == gen {
		delete(s.inflight, sessionID)
	}
	s.mu.Unlock()
	gen.cancel(nil)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var in protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		return
	}
	if in.SessionID == "" {
		s.logger.Warn("llm request without session id")
		return
	}

	genCtx, gen := s.begin(in.SessionID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(in.SessionID, gen)
		ctx, cancel := context.WithTimeout(genCtx, generationTimeout)
		defer cancel()
		s.generate(ctx, in)
	}()
}

func (s *Service) generate(ctx context.Context, in protocol.LLMRequest) {
	pub := &replyPublisher{bus: s.bus, in: in}
	start := time.Now()
	err := s.generator.Generate(ctx, s.request(in), pub.publish)
	log := s.logger.With(slog.String("session_id", in.SessionID))

	switch {
	case err == nil:
		log.Info("llm generation complete",
			slog.Int("deltas", pub.sequence),
			slog.Duration("latency", time.Since(start)))
		return
	case errors.Is(context.Cause(ctx), errSuperseded):
		log.Debug("llm generation superseded")
		return
	}
	log.Warn("llm generation failed", slogError(err))
	if pub.closed || s.ctx.Err() != nil {
		return
	}
	// Close the reply so downstream flushes what it already has.
	if perr := pub.fail(err); perr != nil {
		log.Warn("failed to close llm reply", slogError(perr))
	}
}

// replyPublisher numbers deltas and maps them onto the response subjects.
type replyPublisher struct {
	bus      *bus.Client
	in       protocol.LLMRequest
	sequence int
	closed   bool
}

func (p *replyPublisher) publish(chunk Chunk) error {
	if chunk.Partial && chunk.Content == "" {
		return nil
	}
	return p.send(chunk.Content, chunk.Partial, "")
}

func (p *replyPublisher) fail(cause error) error {
	return p.send("", false, cause.Error())
}

func (p *replyPublisher) send(text string, partial bool, errText string) error {
	subject := protocol.SubjectLLMResponsePartial
	if !partial {
		subject = protocol.SubjectLLMResponseFinal
	}
	err := p.bus.PublishJSON(subject, protocol.LLMResponse{
		SessionID: p.in.SessionID,
		Sequence:  p.sequence,
		Text:      text,
		Partial:   partial,
		Model:     p.in.Model,
		Voice:     p.in.Voice,
		Target:    p.in.Target,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	p.sequence++
	if !partial {
		p.closed = true
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
