package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	ErrEmptyPrompt = errors.New("router: prompt text is empty")
	ErrDisabled    = errors.New("router: pipeline disabled")
)

// Publisher sends bus messages.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Service turns prompts into llm requests and tracks them until the final
// response arrives.
type Service struct {
	cfg       config.PipelineConfig
	bus       *bus.Client
	pub       Publisher
	logger    *slog.Logger
	subPrompt *nats.Subscription
	subLLM    *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	clock     func() time.Time
	newID     func() string
	sessions  map[string]*sessionState
	mu        sync.Mutex
}

type sessionState struct {
	Prompt    string
	Voice     string
	Submitted time.Time
}

func NewService(parent context.Context, cfg config.PipelineConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pub:      busClient,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
		clock:    time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*sessionState),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectPrompt, s.handlePrompt)
	if err != nil {
		return err
	}
	s.subPrompt = sub

	subLLM, err := s.bus.Subscribe(protocol.SubjectLLMResponseFinal, s.handleLLMResponse)
	if err != nil {
		_ = s.subPrompt.Drain()
		return err
	}
	s.subLLM = subLLM
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subPrompt != nil {
		_ = s.subPrompt.Drain()
	}
	if s.subLLM != nil {
		_ = s.subLLM.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subPrompt != nil && s.subLLM != nil)
}

// Pending reports how many submitted prompts still await a final response.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Submit publishes an llm request for p and returns its session id.
func (s *Service) Submit(p protocol.Prompt) (string, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return "", ErrEmptyPrompt
	}
	if !s.cfg.Enabled {
		return "", ErrDisabled
	}
	if p.SessionID == "" {
		p.SessionID = s.newID()
	}
	if p.Voice == "" {
		p.Voice = s.cfg.DefaultVoice
	}
	if p.Target == "" {
		p.Target = s.cfg.Target
	}
	now := s.clock()

	s.mu.Lock()
	s.sessions[p.SessionID] = &sessionState{Prompt: text, Voice: p.Voice, Submitted: now}
	s.mu.Unlock()

	req := protocol.LLMRequest{
		SessionID: p.SessionID,
		Prompt:    text,
		Voice:     p.Voice,
		Target:    p.Target,
		Timestamp: now.UTC(),
	}
	if err := s.pub.PublishJSON(protocol.SubjectLLMRequest, req); err != nil {
		s.mu.Lock()
		delete(s.sessions, p.SessionID)
		s.mu.Unlock()
		return "", err
	}
	s.logger.Info("prompt submitted", slog.String("session_id", p.SessionID), slog.String("voice", p.Voice))
	return p.SessionID, nil
}

func (s *Service) handlePrompt(msg *nats.Msg) {
	var prompt protocol.Prompt
	if err := json.Unmarshal(msg.Data, &prompt); err != nil {
		s.logger.Warn("router failed to decode prompt", slogError(err))
		return
	}
	id, err := s.Submit(prompt)
	if err != nil {
		s.logger.Warn("router failed to submit prompt", slogError(err))
		return
	}
	if msg.Reply != "" {
		if err := msg.Respond([]byte(id)); err != nil {
			s.logger.Warn("router failed to reply", slogError(err))
		}
	}
}

func (s *Service) handleLLMResponse(msg *nats.Msg) {
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("router failed to decode llm response", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[resp.SessionID]
	delete(s.sessions, resp.SessionID)
	s.mu.Unlock()
	if state == nil {
		return
	}
	if resp.Error != "" {
		s.logger.Warn("response failed",
			slog.String("session_id", resp.SessionID),
			slog.String("error", resp.Error))
		return
	}
	s.logger.Info("response complete",
		slog.String("session_id", resp.SessionID),
		slog.Duration("latency", s.clock().Sub(state.Submitted)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
