package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/backpressure"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/segmenter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const sessionQueueDepth = 256

// Publisher sends bus messages.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder persists the session timeline.
type Recorder interface {
	StartSession(ctx context.Context, sess eventstore.Session) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	EndSession(ctx context.Context, sessionID, reason string) error
}

type eventKind int

const (
	eventDelta eventKind = iota
	eventSynthDone
	eventTelemetry
	eventWatchdog
)

type event struct {
	kind      eventKind
	delta     protocol.LLMResponse
	status    protocol.TTSStatus
	telemetry protocol.PlaybackTelemetry
}

// SessionSnapshot is a point-in-time view of one streaming session.
type SessionSnapshot struct {
	ID           string               `json:"id"`
	Voice        string               `json:"voice"`
	Target       string               `json:"target"`
	StartedAt    time.Time            `json:"started_at"`
	InFlight     int                  `json:"in_flight"`
	Held         int                  `json:"held"`
	LastReason   string               `json:"last_reason,omitempty"`
	Config       segmenter.Config     `json:"config"`
	Segmenter    segmenter.Metrics    `json:"segmenter"`
	Backpressure backpressure.Metrics `json:"backpressure"`
}

type sessionSettings struct {
	baseline       segmenter.Config
	adjust         bool
	adjustInterval time.Duration
	staleAfter     time.Duration
	idleTimeout    time.Duration
}

// session couples one segmenter engine with one backpressure controller.
// All engine work runs on the run goroutine; the watchdog only posts a tick.
type session struct {
	id        string
	voice     string
	target    string
	startedAt time.Time

	settings sessionSettings
	engine   *segmenter.Engine
	ctrl     *backpressure.Controller
	limiter  *rate.Limiter

	pub    Publisher
	rec    Recorder
	tracer trace.Tracer
	logger *slog.Logger
	clock  func() time.Time

	events chan event
	done   chan struct{}

	announced *backpressure.Adjustment
	throttled bool
	// held keeps chunks back while throttled, in emission order.
	held []segmenter.Chunk

	statMu     sync.Mutex
	inFlight   int
	heldCount  int
	lastReason string
}

func newSession(id, voice, target string, settings sessionSettings, pub Publisher, rec Recorder, tracer trace.Tracer, logger *slog.Logger, clock func() time.Time) *session {
	s := &session{
		id:        id,
		voice:     voice,
		target:    target,
		startedAt: clock(),
		settings:  settings,
		ctrl: backpressure.New(
			backpressure.WithClock(clock),
			backpressure.WithAttributes(attribute.String("session_id", id)),
		),
		limiter: rate.NewLimiter(rate.Every(settings.adjustInterval), 1),
		pub:     pub,
		rec:     rec,
		tracer:  tracer,
		logger:  logger.With(slog.String("session_id", id)),
		clock:   clock,
		events:  make(chan event, sessionQueueDepth),
		done:    make(chan struct{}),
	}
	s.engine = segmenter.New(settings.baseline,
		segmenter.WithClock(clock),
		segmenter.WithHooks(segmenter.Hooks{
			OnWatchdog: s.onWatchdog,
			OnMetrics:  s.onChunkMetrics,
		}),
	)
	return s
}

// post queues ev for the run loop. It gives up once the session is closed.
func (s *session) post(ctx context.Context, ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// onWatchdog runs on the timer goroutine. A delta handled before the tick
// flushes the stalled text first, so the tick may find nothing left.
func (s *session) onWatchdog() {
	select {
	case s.events <- event{kind: eventWatchdog}:
	case <-s.done:
	}
}

func (s *session) onChunkMetrics(m segmenter.ChunkMetrics) {
	if m.FirstInSentence {
		s.logger.Debug("sentence started",
			slog.String("sentence_id", m.SentenceID),
			slog.String("trigger", string(m.Trigger)),
			slog.Duration("time_to_first_audio", m.TimeToFirstAudio))
	}
}

// run processes events until the final delta, the idle timeout or ctx ends
// the session.
func (s *session) run(ctx context.Context) string {
	if err := s.rec.StartSession(ctx, eventstore.Session{ID: s.id, Voice: s.voice, Target: s.target}); err != nil {
		s.logger.Warn("failed to record session start", slogError(err))
	}
	s.logger.Info("session started")

	idle := time.NewTimer(s.settings.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case ev := <-s.events:
			if s.apply(ctx, ev) {
				return s.finish(ctx, "final")
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.settings.idleTimeout)
		case <-idle.C:
			return s.finish(ctx, "idle")
		case <-ctx.Done():
			return s.finish(context.Background(), "shutdown")
		}
	}
}

// apply handles one event and reports whether the session is complete.
func (s *session) apply(ctx context.Context, ev event) bool {
	switch ev.kind {
	case eventDelta:
		final := !ev.delta.Partial
		s.emit(ctx, s.engine.ProcessTokenDelta(ev.delta.Text, final))
		return final
	case eventWatchdog:
		s.emit(ctx, s.engine.FlushStalled())
	case eventSynthDone:
		s.statMu.Lock()
		if s.inFlight > 0 {
			s.inFlight--
		}
		inFlight := s.inFlight
		s.statMu.Unlock()
		s.ctrl.UpdateServerQueue(inFlight)
		s.ctrl.RecordSynthTime(ev.status.SynthMS)
		s.maybeAdjust(ctx)
		s.release(ctx)
	case eventTelemetry:
		s.ctrl.UpdateClientBuffer(ev.telemetry.BufferedMS, ev.telemetry.Underruns)
		s.maybeAdjust(ctx)
		s.release(ctx)
	}
	return false
}

// emit queues chunks behind anything already held and releases what the
// throttle allows.
func (s *session) emit(ctx context.Context, chunks []segmenter.Chunk) {
	if len(chunks) == 0 {
		return
	}
	s.held = append(s.held, chunks...)
	s.release(ctx)
}

// release publishes held chunks in order. While throttled, at most
// backpressure.ServerQueueLimit chunks are in synthesis at once.
func (s *session) release(ctx context.Context) {
	for len(s.held) > 0 {
		if s.throttled && s.inFlightCount() >= backpressure.ServerQueueLimit {
			break
		}
		chunk := s.held[0]
		s.held = s.held[1:]
		s.publishChunk(ctx, chunk)
	}
	s.statMu.Lock()
	s.heldCount = len(s.held)
	s.statMu.Unlock()
}

func (s *session) inFlightCount() int {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.inFlight
}

func (s *session) publishChunk(ctx context.Context, chunk segmenter.Chunk) {
	ctx, span := s.tracer.Start(ctx, "pipeline.chunk", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("chunk_id", chunk.ID),
		attribute.String("trigger", string(chunk.Trigger)),
		attribute.Int("tokens", len(chunk.Tokens)),
	))
	defer span.End()

	req := protocol.TTSRequest{
		SessionID: s.id,
		ChunkID:   chunk.ID,
		Text:      chunk.Text,
		Voice:     s.voice,
		Target:    s.target,
		Tokens:    len(chunk.Tokens),
		Context: protocol.ChunkContext{
			SentenceID:         chunk.Context.SentenceID,
			PositionInSentence: chunk.Context.PositionInSentence,
			IsLastInSentence:   chunk.Context.IsLastInSentence,
			HasLookahead:       chunk.Context.HasLookahead,
		},
		CrossfadeMS: s.engine.Config().CrossfadeMS,
		Trigger:     string(chunk.Trigger),
		QueuedAt:    chunk.QueuedAt,
	}
	if err := s.pub.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish tts request")
		s.logger.Warn("failed to publish chunk", slog.String("chunk_id", chunk.ID), slogError(err))
		return
	}

	s.statMu.Lock()
	s.inFlight++
	inFlight := s.inFlight
	s.statMu.Unlock()
	s.ctrl.UpdateServerQueue(inFlight)

	payload, _ := json.Marshal(req)
	if err := s.rec.AppendEvent(ctx, eventstore.Event{
		SessionID: s.id,
		Kind:      eventstore.KindChunk,
		ChunkID:   chunk.ID,
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("failed to record chunk", slogError(err))
	}
}

// maybeAdjust recomputes the segmentation parameters from the baseline at
// most once per adjust interval.
func (s *session) maybeAdjust(ctx context.Context) {
	if !s.settings.adjust || !s.limiter.AllowN(s.clock(), 1) {
		return
	}
	if s.ctrl.Stale(s.settings.staleAfter) {
		s.ctrl.UseEstimatedBuffer()
	}
	base := s.settings.baseline
	adj := s.ctrl.CalculateAdjustments(backpressure.Baseline{
		LookaheadTokens:  base.LookaheadTokens,
		ChunkTokenBudget: base.ChunkTokenBudget,
		TimeBudgetMS:     base.TimeBudgetMS,
	})
	s.engine.UpdateConfig(segmenter.PartialConfig{
		LookaheadTokens:  &adj.LookaheadTokens,
		ChunkTokenBudget: &adj.ChunkTokenBudget,
		TimeBudgetMS:     &adj.TimeBudgetMS,
	})

	if adj.ShouldThrottle != s.throttled {
		s.logger.Debug("emission throttle changed", slog.Bool("throttle", adj.ShouldThrottle), slog.Int("held", len(s.held)))
	}
	s.throttled = adj.ShouldThrottle
	s.statMu.Lock()
	s.lastReason = adj.Reason
	s.statMu.Unlock()
	// Reasons embed telemetry values, so only the parameters are compared.
	params := adj
	params.Reason = ""
	if s.announced != nil && *s.announced == params {
		return
	}
	s.announced = &params

	s.logger.Info("segmentation adjusted",
		slog.String("reason", adj.Reason),
		slog.Int("chunk_token_budget", adj.ChunkTokenBudget),
		slog.Int("time_budget_ms", adj.TimeBudgetMS),
		slog.Bool("throttle", adj.ShouldThrottle))
	msg := protocol.SegmentAdjustment{
		SessionID:        s.id,
		LookaheadTokens:  adj.LookaheadTokens,
		ChunkTokenBudget: adj.ChunkTokenBudget,
		TimeBudgetMS:     adj.TimeBudgetMS,
		ShouldThrottle:   adj.ShouldThrottle,
		Reason:           adj.Reason,
		Timestamp:        s.clock().UTC(),
	}
	if err := s.pub.PublishJSON(protocol.SubjectSegmentAdjustment, msg); err != nil {
		s.logger.Warn("failed to publish adjustment", slogError(err))
	}
	payload, _ := json.Marshal(msg)
	if err := s.rec.AppendEvent(ctx, eventstore.Event{
		SessionID: s.id,
		Kind:      eventstore.KindAdjustment,
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("failed to record adjustment", slogError(err))
	}
}

func (s *session) finish(ctx context.Context, reason string) string {
	// Held text still has to be spoken.
	s.throttled = false
	s.release(ctx)
	close(s.done)
	metrics := s.engine.Metrics()
	s.engine.Cleanup()
	s.ctrl.Cleanup()
	if err := s.rec.EndSession(ctx, s.id, reason); err != nil {
		s.logger.Warn("failed to record session end", slogError(err))
	}
	s.logger.Info("session ended",
		slog.String("reason", reason),
		slog.Int("chunks", metrics.ChunksEmitted),
		slog.Int("sentences", metrics.SentencesCompleted),
		slog.Int("watchdog_flushes", metrics.WatchdogFlushes))
	return reason
}

func (s *session) snapshot() SessionSnapshot {
	s.statMu.Lock()
	inFlight, held, reason := s.inFlight, s.heldCount, s.lastReason
	s.statMu.Unlock()
	return SessionSnapshot{
		ID:           s.id,
		Voice:        s.voice,
		Target:       s.target,
		StartedAt:    s.startedAt,
		InFlight:     inFlight,
		Held:         held,
		LastReason:   reason,
		Config:       s.engine.Config(),
		Segmenter:    s.engine.Metrics(),
		Backpressure: s.ctrl.Metrics(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
