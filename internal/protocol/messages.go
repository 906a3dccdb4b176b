package protocol

import "time"

// Prompt asks for a spoken answer. SessionID is assigned when empty.
type Prompt struct {
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Voice     string    `json:"voice,omitempty"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// LLMRequest asks the language model to answer a prompt for a session.
type LLMRequest struct {
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	Model       string    `json:"model,omitempty"`
	Voice       string    `json:"voice,omitempty"`
	Target      string    `json:"target,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LLMResponse carries one streamed text delta. Partial is false on the
// closing message, whose Text may be empty. Error is set on the closing
// message when generation stopped early.
type LLMResponse struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Model     string    `json:"model,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	Target    string    `json:"target,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChunkContext locates a chunk inside its sentence.
type ChunkContext struct {
	SentenceID         string `json:"sentence_id"`
	PositionInSentence int    `json:"position_in_sentence"`
	IsLastInSentence   bool   `json:"is_last_in_sentence"`
	HasLookahead       bool   `json:"has_lookahead"`
}

// TTSRequest asks the synthesizer to voice one chunk.
type TTSRequest struct {
	SessionID   string       `json:"session_id"`
	ChunkID     string       `json:"chunk_id,omitempty"`
	Text        string       `json:"text"`
	Voice       string       `json:"voice,omitempty"`
	Target      string       `json:"target,omitempty"`
	Tokens      int          `json:"tokens,omitempty"`
	Context     ChunkContext `json:"context"`
	CrossfadeMS int          `json:"crossfade_ms,omitempty"`
	Trigger     string       `json:"trigger,omitempty"`
	QueuedAt    time.Time    `json:"queued_at"`
}

// AudioChunk is a piece of synthesized audio.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	ChunkID     string `json:"chunk_id,omitempty"`
	Sequence    int    `json:"sequence"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
	Target      string `json:"target,omitempty"`
	CrossfadeMS int    `json:"crossfade_ms,omitempty"`
}

// TTSStatus reports that a chunk finished synthesizing. AudioMS is how long
// the produced audio plays.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	SynthMS   int       `json:"synth_ms"`
	AudioMS   int       `json:"audio_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackTelemetry is reported by playback clients.
type PlaybackTelemetry struct {
	SessionID  string    `json:"session_id"`
	BufferedMS int       `json:"buffered_ms"`
	Underruns  int       `json:"underruns"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// SegmentAdjustment announces a change of segmentation parameters.
type SegmentAdjustment struct {
	SessionID        string    `json:"session_id"`
	LookaheadTokens  int       `json:"lookahead_tokens"`
	ChunkTokenBudget int       `json:"chunk_token_budget"`
	TimeBudgetMS     int       `json:"time_budget_ms"`
	ShouldThrottle   bool      `json:"should_throttle"`
	Reason           string    `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	SubjectPrompt             = "voice.prompt"
	SubjectLLMRequest         = "llm.request"
	SubjectLLMResponsePartial = "llm.response.partial"
	SubjectLLMResponseFinal   = "llm.response.final"
	SubjectTTSRequest         = "tts.request"
	SubjectTTSAudio           = "tts.audio"
	SubjectTTSDone            = "tts.done"
	SubjectPlaybackTelemetry  = "playback.telemetry"
	SubjectSegmentAdjustment  = "tts.segment.adjustment"

	// SubjectLLMResponses matches partial and final responses on one
	// subscription so their relative order is preserved.
	SubjectLLMResponses = "llm.response.*"
)
