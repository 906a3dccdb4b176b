package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	sessionQueueDepth = 64
	sessionIdle       = 5 * time.Second
)

// Service synthesizes tts.request chunks in arrival order per session and
// reports each chunk's synthesis time on tts.done.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan protocol.TTSRequest
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
		queues: make(map[string]chan protocol.TTSRequest),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[req.SessionID]
	if !ok {
		queue = make(chan protocol.TTSRequest, sessionQueueDepth)
		s.queues[req.SessionID] = queue
		s.wg.Add(1)
		go s.runSession(req.SessionID, queue)
	}
	select {
	case queue <- req:
	case <-s.ctx.Done():
	}
}

// runSession drains one session's queue and exits after it stays empty for
// sessionIdle.
func (s *Service) runSession(sessionID string, queue chan protocol.TTSRequest) {
	defer s.wg.Done()
	idle := time.NewTimer(sessionIdle)
	defer idle.Stop()
	for {
		select {
		case req := <-queue:
			s.synthesize(req)
			idle.Reset(sessionIdle)
		case <-idle.C:
			// handleRequest may hold mu while blocked on a full queue.
			if !s.mu.TryLock() {
				idle.Reset(sessionIdle)
				continue
			}
			if len(queue) == 0 {
				delete(s.queues, sessionID)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(sessionIdle)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) synthesize(req protocol.TTSRequest) {
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()

	start := time.Now()
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		SessionID: req.SessionID,
		ChunkID:   req.ChunkID,
		Text:      req.Text,
		Voice:     req.Voice,
		Tokens:    req.Tokens,
	})
	sequence := 0
	var (
		synthErr error
		audio    time.Duration
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.Sequence = sequence
			sequence++
			audio += chunk.Duration()
			s.publishChunk(req, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
				s.logger.Warn("tts synthesis error", slog.String("chunk_id", req.ChunkID), slogError(err))
			}
			errs = nil
		case <-ctx.Done():
			synthErr = ctx.Err()
			s.logger.Warn("tts synthesis cancelled", slogError(synthErr))
			chunks, errs = nil, nil
		}
	}

	elapsed := time.Since(start)
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		ChunkID:   req.ChunkID,
		Target:    req.Target,
		Completed: synthErr == nil,
		SynthMS:   int(elapsed.Milliseconds()),
		AudioMS:   int(audio.Milliseconds()),
		Timestamp: time.Now().UTC(),
	}
	if audio > 0 {
		s.logger.Debug("chunk synthesized",
			slog.String("chunk_id", req.ChunkID),
			slog.Duration("synth", elapsed),
			slog.Duration("audio", audio),
			slog.Float64("real_time_factor", elapsed.Seconds()/audio.Seconds()))
	}
	if synthErr != nil {
		status.Error = synthErr.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:   req.SessionID,
		ChunkID:     req.ChunkID,
		Target:      req.Target,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		Sequence:    chunk.Sequence,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
		CrossfadeMS: req.CrossfadeMS,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
