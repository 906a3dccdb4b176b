// Package segmenter turns incrementally arriving model text into speakable
// chunks for speech synthesis.
//
// In micro mode every appended token re-evaluates the emission triggers in a
// fixed priority order: hard punctuation, forced finalization, soft
// punctuation, token budget, time budget. When none fires, the first token of
// a fresh buffer arms a watchdog that force-flushes the buffer if nothing else
// does within ForceFlushTimeoutMS. Callers that own a loop install
// Hooks.OnWatchdog: the timer then only marks the buffer stalled, and the
// flush happens on the caller's goroutine through FlushStalled or ahead of the
// next delta. Without it the timer flushes on its own and delivers the chunk
// through Hooks.OnChunk.
//
// In sentence mode deltas are buffered verbatim until a sentence terminator or
// the final delta arrives, and each sentence becomes a single chunk.
package segmenter

import (
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// minSoftWords is how many words must precede soft punctuation before it
// closes a chunk.
const minSoftWords = 3

// Trigger names the rule that produced a chunk.
type Trigger string

const (
	TriggerHardPunctuation Trigger = "hard_punctuation"
	TriggerFinal           Trigger = "final"
	TriggerSoftPunctuation Trigger = "soft_punctuation"
	TriggerTokenBudget     Trigger = "token_budget"
	TriggerTimeBudget      Trigger = "time_budget"
	TriggerWatchdog        Trigger = "watchdog"
	TriggerSentence        Trigger = "sentence"
)

// ChunkContext positions a chunk inside its sentence.
type ChunkContext struct {
	SentenceID         string `json:"sentence_id"`
	PositionInSentence int    `json:"position_in_sentence"`
	IsLastInSentence   bool   `json:"is_last_in_sentence"`
	HasLookahead       bool   `json:"has_lookahead"`
}

// Chunk is one unit of text handed to synthesis. It is never mutated after
// emission.
type Chunk struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Tokens   []string     `json:"tokens"`
	Context  ChunkContext `json:"context"`
	Trigger  Trigger      `json:"trigger"`
	QueuedAt time.Time    `json:"queued_at"`
}

// ChunkMetrics is reported once per emitted chunk.
type ChunkMetrics struct {
	ChunkID    string
	SentenceID string
	Tokens     int
	Trigger    Trigger
	// TimeToFirstAudio is only set for the first chunk of a sentence. It is
	// measured against the chunk's own queue time and therefore reads close
	// to zero; it does not capture playback latency.
	TimeToFirstAudio time.Duration
	FirstInSentence  bool
}

// Metrics is a snapshot of the engine's counters.
type Metrics struct {
	ChunksEmitted        int             `json:"chunks_emitted"`
	SentencesCompleted   int             `json:"sentences_completed"`
	TokensEmitted        int             `json:"tokens_emitted"`
	WatchdogFlushes      int             `json:"watchdog_flushes"`
	BufferedTokens       int             `json:"buffered_tokens"`
	AvgChunkTokens       float64         `json:"avg_chunk_tokens"`
	LastTimeToFirstAudio time.Duration   `json:"last_time_to_first_audio"`
	Triggers             map[Trigger]int `json:"triggers"`
}

// Hooks holds one optional callback per notification kind. Callbacks run
// without the engine lock held and may call back into the engine.
type Hooks struct {
	// OnChunk receives chunks flushed by the watchdog when OnWatchdog is
	// not set.
	OnChunk func(Chunk)
	// OnWatchdog is told that the buffer stalled. The caller should then
	// call FlushStalled from its own goroutine.
	OnWatchdog func()
	// OnMetrics receives per-chunk metrics for every emission.
	OnMetrics func(ChunkMetrics)
	// OnConfig receives the live configuration after every update.
	OnConfig func(Config)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for trigger evaluation and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithIDGenerator replaces the chunk and sentence id source.
func WithIDGenerator(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// WithHooks installs notification callbacks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// Engine is the stateful segmenter for one streaming session. Calls are
// expected to come from a single caller goroutine; the mutex only fences the
// watchdog, which fires on its own goroutine.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	hooks Hooks
	clock func() time.Time
	newID func() string
	inst  *instruments

	buffer     []token
	pending    string // sentence-mode text
	carrySpace bool
	sentenceID string
	position   int
	lastEmit   time.Time

	watchdog *time.Timer
	armedGen uint64
	stalled  bool
	closed   bool

	metrics Metrics
}

// New creates an engine using cfg, clamped into range.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.normalize(),
		clock: time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.inst = newInstruments()
	e.resetLocked()
	return e
}

// SetHooks replaces the notification callbacks.
func (e *Engine) SetHooks(h Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.hooks = h
}

// ProcessText runs a complete text through the same trigger logic used for
// streaming and finalizes it. In sentence mode the text is split on
// sentence-ending punctuation runs instead.
func (e *Engine) ProcessText(text string) []Chunk {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var out []emission
	if e.cfg.Mode == ModeSentence {
		all := e.pending + text
		e.pending = ""
		for _, s := range splitSentences(all) {
			out = append(out, e.emitSentenceLocked(s))
		}
	} else {
		out = e.feedLocked(text, true)
	}
	hooks := e.hooks
	e.mu.Unlock()
	return e.deliver(hooks, out)
}

// ProcessTokenDelta appends one streamed text fragment and returns every
// chunk it completed, in order. Pass final=true on the terminal fragment to
// flush whatever remains as the end of the sentence.
func (e *Engine) ProcessTokenDelta(delta string, final bool) []Chunk {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var out []emission
	if e.cfg.Mode == ModeSentence {
		out = e.feedSentenceLocked(delta, final)
	} else {
		out = e.feedLocked(delta, final)
	}
	hooks := e.hooks
	e.mu.Unlock()
	return e.deliver(hooks, out)
}

// FlushStalled emits the buffer as a watchdog chunk if the watchdog has fired
// since the last emission. It returns nothing otherwise.
func (e *Engine) FlushStalled() []Chunk {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var out []emission
	if em, ok := e.flushStalledLocked(); ok {
		out = append(out, em)
	}
	hooks := e.hooks
	e.mu.Unlock()
	return e.deliver(hooks, out)
}

// Flush force-emits the buffered text as sentence-final, as if the caller
// had passed final=true.
func (e *Engine) Flush() []Chunk {
	return e.ProcessTokenDelta("", true)
}

// UpdateConfig merges p into the live configuration. Changing the mode
// discards the in-flight buffer and restarts sentence numbering.
func (e *Engine) UpdateConfig(p PartialConfig) Config {
	e.mu.Lock()
	if e.closed {
		cfg := e.cfg
		e.mu.Unlock()
		return cfg
	}
	prev := e.cfg
	e.cfg = e.cfg.merge(p)
	switch {
	case e.cfg.Mode != prev.Mode:
		e.clearLocked()
	case len(e.buffer) > 0 && e.cfg.ForceFlushTimeoutMS != prev.ForceFlushTimeoutMS:
		e.armWatchdogLocked()
	}
	cfg := e.cfg
	hooks := e.hooks
	e.mu.Unlock()

	if hooks.OnConfig != nil {
		hooks.OnConfig(cfg)
	}
	return cfg
}

// Reset clears buffers, counters, metrics and any pending watchdog.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.resetLocked()
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Metrics returns a snapshot of the counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.metrics
	m.BufferedTokens = len(e.buffer)
	m.Triggers = make(map[Trigger]int, len(e.metrics.Triggers))
	for k, v := range e.metrics.Triggers {
		m.Triggers[k] = v
	}
	return m
}

// Cleanup stops the watchdog and detaches all hooks. The engine ignores
// every call afterwards.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopWatchdogLocked()
	e.hooks = Hooks{}
	e.buffer = nil
	e.pending = ""
	e.closed = true
}

type emission struct {
	chunk   Chunk
	metrics ChunkMetrics
}

func (e *Engine) deliver(hooks Hooks, out []emission) []Chunk {
	if len(out) == 0 {
		return nil
	}
	chunks := make([]Chunk, len(out))
	for i, em := range out {
		chunks[i] = em.chunk
		e.inst.record(em.metrics)
		if hooks.OnMetrics != nil {
			hooks.OnMetrics(em.metrics)
		}
	}
	return chunks
}

func (e *Engine) feedLocked(text string, final bool) []emission {
	toks := tokenize(text)
	if len(toks) > 0 && e.carrySpace {
		toks[0].spaced = true
	}
	if text != "" {
		r, _ := utf8.DecodeLastRuneInString(text)
		e.carrySpace = unicode.IsSpace(r)
	}

	var out []emission
	// Text the watchdog already gave up on goes out before anything new.
	if em, ok := e.flushStalledLocked(); ok {
		out = append(out, em)
	}
	for _, tok := range toks {
		if em, ok := e.appendLocked(tok); ok {
			out = append(out, em)
		}
	}
	if !final {
		return out
	}
	if em, ok := e.flushLocked(TriggerFinal, true); ok {
		return append(out, em)
	}
	// The buffer drained exactly on a budget trigger: the chunk just emitted
	// is the end of the sentence.
	if n := len(out); n > 0 && !out[n-1].chunk.Context.IsLastInSentence {
		e.closeSentenceLocked(&out[n-1])
		return out
	}
	// Nothing left to mark. An open sentence ends without a closing chunk.
	if len(out) == 0 {
		e.sentenceID = ""
		e.position = 0
	}
	return out
}

func (e *Engine) flushStalledLocked() (emission, bool) {
	if !e.stalled || e.cfg.Mode != ModeMicro {
		return emission{}, false
	}
	return e.flushLocked(TriggerWatchdog, false)
}

func (e *Engine) closeSentenceLocked(em *emission) {
	em.chunk.Context.IsLastInSentence = true
	e.metrics.SentencesCompleted++
	e.sentenceID = ""
	e.position = 0
}

func (e *Engine) appendLocked(tok token) (emission, bool) {
	fresh := len(e.buffer) == 0
	e.buffer = append(e.buffer, tok)

	if isHard(tok.text) {
		return e.flushLocked(TriggerHardPunctuation, true)
	}
	if isSoft(tok.text) && wordCount(e.buffer) >= minSoftWords {
		return e.flushLocked(TriggerSoftPunctuation, false)
	}
	if len(e.buffer) >= e.cfg.ChunkTokenBudget {
		return e.flushLocked(TriggerTokenBudget, false)
	}
	if e.clock().Sub(e.lastEmit) >= ms(e.cfg.TimeBudgetMS) {
		return e.flushLocked(TriggerTimeBudget, false)
	}
	if fresh {
		e.armWatchdogLocked()
	}
	return emission{}, false
}

func (e *Engine) feedSentenceLocked(delta string, final bool) []emission {
	e.pending += delta
	if !final && !sentenceEnd.MatchString(e.pending) {
		return nil
	}
	text := e.pending
	e.pending = ""
	if len(tokenize(text)) == 0 {
		return nil
	}
	return []emission{e.emitSentenceLocked(text)}
}

func (e *Engine) emitSentenceLocked(text string) emission {
	toks := tokenize(text)
	return e.emitLocked(toks, TriggerSentence, true)
}

// flushLocked emits the whole buffer. It reports false when the buffer is
// empty.
func (e *Engine) flushLocked(trigger Trigger, last bool) (emission, bool) {
	e.stopWatchdogLocked()
	if len(e.buffer) == 0 {
		return emission{}, false
	}
	toks := e.buffer
	e.buffer = nil
	return e.emitLocked(toks, trigger, last), true
}

func (e *Engine) emitLocked(toks []token, trigger Trigger, last bool) emission {
	now := e.clock()
	if e.sentenceID == "" {
		e.sentenceID = e.newID()
	}
	chunk := Chunk{
		ID:     e.newID(),
		Text:   join(toks),
		Tokens: texts(toks),
		Context: ChunkContext{
			SentenceID:         e.sentenceID,
			PositionInSentence: e.position,
			IsLastInSentence:   last,
			HasLookahead:       false,
		},
		Trigger:  trigger,
		QueuedAt: now,
	}

	cm := ChunkMetrics{
		ChunkID:         chunk.ID,
		SentenceID:      chunk.Context.SentenceID,
		Tokens:          len(chunk.Tokens),
		Trigger:         trigger,
		FirstInSentence: chunk.Context.PositionInSentence == 0,
	}
	if cm.FirstInSentence {
		cm.TimeToFirstAudio = e.clock().Sub(chunk.QueuedAt)
		e.metrics.LastTimeToFirstAudio = cm.TimeToFirstAudio
	}

	e.metrics.ChunksEmitted++
	e.metrics.TokensEmitted += len(toks)
	e.metrics.AvgChunkTokens = float64(e.metrics.TokensEmitted) / float64(e.metrics.ChunksEmitted)
	e.metrics.Triggers[trigger]++
	if trigger == TriggerWatchdog {
		e.metrics.WatchdogFlushes++
	}

	e.lastEmit = now
	if last {
		e.metrics.SentencesCompleted++
		e.sentenceID = ""
		e.position = 0
	} else {
		e.position++
	}
	return emission{chunk: chunk, metrics: cm}
}

func (e *Engine) armWatchdogLocked() {
	e.stopWatchdogLocked()
	gen := e.armedGen
	e.watchdog = time.AfterFunc(ms(e.cfg.ForceFlushTimeoutMS), func() {
		e.fireWatchdog(gen)
	})
}

// stopWatchdogLocked cancels the pending timer. Bumping the generation also
// neutralizes a callback that already started but has not taken the lock.
func (e *Engine) stopWatchdogLocked() {
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
	e.armedGen++
	e.stalled = false
}

func (e *Engine) fireWatchdog(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.armedGen || e.cfg.Mode != ModeMicro {
		e.mu.Unlock()
		return
	}
	hooks := e.hooks
	if hooks.OnWatchdog != nil {
		stalled := len(e.buffer) > 0
		e.stalled = stalled
		e.mu.Unlock()
		if stalled {
			hooks.OnWatchdog()
		}
		return
	}
	em, ok := e.flushLocked(TriggerWatchdog, false)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.deliver(hooks, []emission{em})
	if hooks.OnChunk != nil {
		hooks.OnChunk(em.chunk)
	}
}

// clearLocked drops buffered text and restarts sentence numbering.
func (e *Engine) clearLocked() {
	e.stopWatchdogLocked()
	e.buffer = nil
	e.pending = ""
	e.carrySpace = false
	e.sentenceID = ""
	e.position = 0
	e.lastEmit = e.clock()
}

func (e *Engine) resetLocked() {
	e.clearLocked()
	e.metrics = Metrics{Triggers: make(map[Trigger]int)}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
