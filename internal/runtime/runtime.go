package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

type service interface {
	Start() error
	Close()
	Healthy() bool
}

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	pipeline *pipeline.Service
	router   *router.Service
	playback *playback.Gateway
	services []service
	closers  []io.Closer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	mux := r.routes(metricsHandler)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()
	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown completed with errors", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	generator, err := newGenerator(r.cfg.LLM)
	if err != nil {
		return err
	}
	synth, err := newSynthesizer(ctx, r.cfg.TTS)
	if err != nil {
		return err
	}
	if c, ok := synth.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}

	r.pipeline = pipeline.NewService(ctx, r.cfg, client, store, r.logger)
	r.router = router.NewService(ctx, r.cfg.Pipeline, client, r.logger)
	r.playback = playback.NewGateway(ctx, r.cfg.Playback, client, r.logger)
	r.services = []service{
		r.pipeline,
		tts.NewService(ctx, r.cfg.TTS, client, synth, r.logger),
		llm.NewService(ctx, r.cfg.LLM, client, generator, r.logger),
		r.router,
		r.playback,
	}
	for _, svc := range r.services {
		if err := svc.Start(); err != nil {
			return err
		}
	}
	return nil
}

// stopServices closes everything startServices opened, consumers first.
func (r *Runtime) stopServices() {
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	r.services = nil
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			r.logger.Warn("backend close failed", slog.String("error", err.Error()))
		}
	}
	r.closers = nil
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func newGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return llm.NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	default:
		return llm.NewMockGenerator(time.Duration(cfg.MockWordDelayMS) * time.Millisecond), nil
	}
}

func newSynthesizer(ctx context.Context, cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "google":
		return tts.NewGoogleSynth(ctx, cfg.Language, cfg.SampleRate, cfg.Channels, time.Duration(cfg.ChunkDurationMS)*time.Millisecond)
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, time.Duration(cfg.ChunkDurationMS)*time.Millisecond)
	default:
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.MockMSPerToken)*time.Millisecond, time.Duration(cfg.ChunkDurationMS)*time.Millisecond), nil
	}
}

func (r *Runtime) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("POST /prompts", r.handlePrompt)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/history", r.handleSessionHistory)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	if r.playback != nil {
		mux.Handle("GET /sessions/{id}/stream", r.playback)
	}
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.servicesHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) servicesHealthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	for _, svc := range r.services {
		if !svc.Healthy() {
			return false
		}
	}
	return true
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := []pipeline.SessionSnapshot{}
	if r.pipeline != nil {
		sessions = r.pipeline.Sessions()
	}
	writeJSON(w, r.logger, sessions)
}

func (r *Runtime) handlePrompt(w http.ResponseWriter, req *http.Request) {
	if r.router == nil {
		http.Error(w, "pipeline disabled", http.StatusServiceUnavailable)
		return
	}
	var prompt protocol.Prompt
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&prompt); err != nil {
		http.Error(w, "invalid prompt body", http.StatusBadRequest)
		return
	}
	id, err := r.router.Submit(prompt)
	switch {
	case errors.Is(err, router.ErrEmptyPrompt):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, router.ErrDisabled):
		http.Error(w, "pipeline disabled", http.StatusServiceUnavailable)
		return
	case err != nil:
		r.logger.Warn("failed to submit prompt", slog.String("error", err.Error()))
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, r.logger, map[string]string{"session_id": id})
}

func (r *Runtime) handleSessionHistory(w http.ResponseWriter, req *http.Request) {
	limit, ok := queryLimit(w, req, 50)
	if !ok {
		return
	}
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list sessions", slog.String("error", err.Error()))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []eventstore.SessionSummary{}
	}
	writeJSON(w, r.logger, sessions)
}

// queryLimit reads ?limit, answering 400 itself when it is malformed.
func queryLimit(w http.ResponseWriter, req *http.Request, def int) (int, bool) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

type timelineEntry struct {
	Kind      string          `json:"kind"`
	ChunkID   string          `json:"chunk_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	limit, ok := queryLimit(w, req, 100)
	if !ok {
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), eventstore.EventQuery{
		SessionID: req.PathValue("id"),
		Kind:      req.URL.Query().Get("kind"),
		Limit:     limit,
	})
	if err != nil {
		r.logger.Warn("failed to list session events", slog.String("error", err.Error()))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	entries := make([]timelineEntry, 0, len(events))
	for _, evt := range events {
		entry := timelineEntry{Kind: evt.Kind, ChunkID: evt.ChunkID, CreatedAt: evt.CreatedAt}
		if json.Valid(evt.Payload) {
			entry.Payload = evt.Payload
		} else {
			entry.Note = string(evt.Payload)
		}
		entries = append(entries, entry)
	}
	writeJSON(w, r.logger, entries)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
