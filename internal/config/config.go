package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	LogFormat        string  `yaml:"log_format"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Playback     PlaybackConfig     `yaml:"playback"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload caps a single bus message on the embedded server.
	MaxPayload int `yaml:"max_payload_bytes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DefaultSystemPrompt keeps generated text free of markup the synthesizer
// would read aloud.
const DefaultSystemPrompt = "You are a voice assistant. Answer in short, plain spoken sentences. Do not use markdown, lists, code blocks, or emoji."

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// Sent ahead of every prompt so replies come back as plain speakable
	// sentences.
	SystemPrompt string `yaml:"system_prompt"`
	// Delay between streamed words of the mock backend.
	MockWordDelayMS int `yaml:"mock_word_delay_ms"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, google, exec
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	// Simulated synthesis cost of the mock backend.
	MockMSPerToken int `yaml:"mock_ms_per_token"`
}

// SegmenterConfig is the baseline segmentation configuration every session
// starts from and every backpressure adjustment is computed against.
type SegmenterConfig struct {
	Mode                string `yaml:"mode"` // sentence, micro
	LookaheadTokens     int    `yaml:"lookahead_tokens"`
	ChunkTokenBudget    int    `yaml:"chunk_token_budget"`
	TimeBudgetMS        int    `yaml:"time_budget_ms"`
	CrossfadeMS         int    `yaml:"crossfade_ms"`
	ForceFlushTimeoutMS int    `yaml:"force_flush_timeout_ms"`
}

type BackpressureConfig struct {
	Enabled          bool `yaml:"enabled"`
	AdjustIntervalMS int  `yaml:"adjust_interval_ms"`
	StaleAfterMS     int  `yaml:"stale_after_ms"`
}

type PipelineConfig struct {
	Enabled              bool   `yaml:"enabled"`
	SessionIdleTimeoutMS int    `yaml:"session_idle_timeout_ms"`
	DefaultVoice         string `yaml:"default_voice"`
	Target               string `yaml:"target"`
}

// PlaybackConfig controls the websocket gateway playback clients attach to.
type PlaybackConfig struct {
	Enabled         bool  `yaml:"enabled"`
	WriteTimeoutMS  int   `yaml:"write_timeout_ms"`
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			LogFormat:        "json",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     1 << 20,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Enabled:         false,
			Mode:            "mock",
			Endpoint:        "http://localhost:11434",
			Model:           "llama3.2:latest",
			MaxTokens:       256,
			Temperature:     0.7,
			SystemPrompt:    DefaultSystemPrompt,
			MockWordDelayMS: 30,
		},
		TTS: TTSConfig{
			Enabled:         false,
			Mode:            "mock",
			Language:        "en-US",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			MockMSPerToken:  15,
		},
		Segmenter: SegmenterConfig{
			Mode:                "micro",
			LookaheadTokens:     4,
			ChunkTokenBudget:    16,
			TimeBudgetMS:        250,
			CrossfadeMS:         40,
			ForceFlushTimeoutMS: 1000,
		},
		Backpressure: BackpressureConfig{
			Enabled:          true,
			AdjustIntervalMS: 250,
			StaleAfterMS:     2000,
		},
		Pipeline: PipelineConfig{
			Enabled:              true,
			SessionIdleTimeoutMS: 60000,
			DefaultVoice:         "en-US",
			Target:               "default",
		},
		Playback: PlaybackConfig{
			Enabled:         true,
			WriteTimeoutMS:  5000,
			MaxMessageBytes: 64 << 10,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MockWordDelayMS, "LOQA_LLM_MOCK_WORD_DELAY_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Language, "LOQA_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.MockMSPerToken, "LOQA_TTS_MOCK_MS_PER_TOKEN")
	overrideString(&cfg.Segmenter.Mode, "LOQA_SEGMENTER_MODE")
	overrideInt(&cfg.Segmenter.LookaheadTokens, "LOQA_SEGMENTER_LOOKAHEAD_TOKENS")
	overrideInt(&cfg.Segmenter.ChunkTokenBudget, "LOQA_SEGMENTER_CHUNK_TOKEN_BUDGET")
	overrideInt(&cfg.Segmenter.TimeBudgetMS, "LOQA_SEGMENTER_TIME_BUDGET_MS")
	overrideInt(&cfg.Segmenter.CrossfadeMS, "LOQA_SEGMENTER_CROSSFADE_MS")
	overrideInt(&cfg.Segmenter.ForceFlushTimeoutMS, "LOQA_SEGMENTER_FORCE_FLUSH_TIMEOUT_MS")
	overrideBool(&cfg.Backpressure.Enabled, "LOQA_BACKPRESSURE_ENABLED")
	overrideInt(&cfg.Backpressure.AdjustIntervalMS, "LOQA_BACKPRESSURE_ADJUST_INTERVAL_MS")
	overrideInt(&cfg.Backpressure.StaleAfterMS, "LOQA_BACKPRESSURE_STALE_AFTER_MS")
	overrideBool(&cfg.Pipeline.Enabled, "LOQA_PIPELINE_ENABLED")
	overrideInt(&cfg.Pipeline.SessionIdleTimeoutMS, "LOQA_PIPELINE_SESSION_IDLE_TIMEOUT_MS")
	overrideString(&cfg.Pipeline.DefaultVoice, "LOQA_PIPELINE_DEFAULT_VOICE")
	overrideString(&cfg.Pipeline.Target, "LOQA_PIPELINE_TARGET")
	overrideBool(&cfg.Playback.Enabled, "LOQA_PLAYBACK_ENABLED")
	overrideInt(&cfg.Playback.WriteTimeoutMS, "LOQA_PLAYBACK_WRITE_TIMEOUT_MS")
	overrideInt64(&cfg.Playback.MaxMessageBytes, "LOQA_PLAYBACK_MAX_MESSAGE_BYTES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxPayload <= 0 || cfg.Bus.MaxPayload > math.MaxInt32 {
			return errors.New("bus.max_payload_bytes must be positive and fit in 32 bits")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "google", "exec":
		default:
			return errors.New("tts.mode must be one of mock|google|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	switch cfg.Segmenter.Mode {
	case "sentence", "micro":
	default:
		return errors.New("segmenter.mode must be one of sentence|micro")
	}
	if cfg.Segmenter.ChunkTokenBudget < 1 {
		return errors.New("segmenter.chunk_token_budget must be >= 1")
	}
	if cfg.Segmenter.TimeBudgetMS < 1 {
		return errors.New("segmenter.time_budget_ms must be >= 1")
	}
	if cfg.Segmenter.ForceFlushTimeoutMS < 1 {
		return errors.New("segmenter.force_flush_timeout_ms must be >= 1")
	}
	if cfg.Segmenter.LookaheadTokens < 0 || cfg.Segmenter.CrossfadeMS < 0 {
		return errors.New("segmenter.lookahead_tokens and segmenter.crossfade_ms must be >= 0")
	}
	if cfg.Backpressure.Enabled {
		if cfg.Backpressure.AdjustIntervalMS <= 0 {
			return errors.New("backpressure.adjust_interval_ms must be positive")
		}
		if cfg.Backpressure.StaleAfterMS <= 0 {
			return errors.New("backpressure.stale_after_ms must be positive")
		}
	}
	if cfg.Pipeline.Enabled && cfg.Pipeline.SessionIdleTimeoutMS <= 0 {
		return errors.New("pipeline.session_idle_timeout_ms must be positive")
	}
	if cfg.Playback.Enabled && (cfg.Playback.WriteTimeoutMS <= 0 || cfg.Playback.MaxMessageBytes <= 0) {
		return errors.New("playback.write_timeout_ms and playback.max_message_bytes must be positive")
	}
	return nil
}
