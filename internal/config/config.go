// Package config holds explicit, enumerated configuration structs for every
// subsystem in the orchestration backbone. Every site is env-overridable;
// none of them accept a free-form options bag.
package config

import (
	"time"

	"github.com/streamvoice/core/internal/env"
)

func envStr(key, fallback string) string {
	return env.Str(key, fallback)
}

func envInt(key string, fallback int) int {
	return env.Int(key, fallback)
}

func envFloat(key string, fallback float64) float64 {
	return env.Float(key, fallback)
}

func envBool(key string, fallback bool) bool {
	return env.Bool(key, fallback)
}

func envDurationMs(key string, fallbackMs int) time.Duration {
	return env.DurationMs(key, fallbackMs)
}

// VADConfig tunes the energy-based voice activity detector (C3).
type VADConfig struct {
	SilenceThreshold   float64
	EnergyThreshold    float64
	MinSilenceDuration time.Duration
	MinSpeechDuration  time.Duration
	PreSpeechPadding   time.Duration
	PostSpeechPadding  time.Duration
	MaxBufferSize      int
	FlushInterval      time.Duration
	BypassChunks       int
	WindowSize         int
}

func DefaultVADConfig() VADConfig {
	return VADConfig{
		SilenceThreshold:   envFloat("VAD_SILENCE_THRESHOLD", 0.01),
		EnergyThreshold:    envFloat("VAD_ENERGY_THRESHOLD", 0.05),
		MinSilenceDuration: envDurationMs("VAD_MIN_SILENCE_MS", 500),
		MinSpeechDuration:  envDurationMs("VAD_MIN_SPEECH_MS", 200),
		PreSpeechPadding:   envDurationMs("VAD_PRE_SPEECH_MS", 300),
		PostSpeechPadding:  envDurationMs("VAD_POST_SPEECH_MS", 300),
		MaxBufferSize:      envInt("VAD_MAX_BUFFER_BYTES", 320000),
		FlushInterval:      envDurationMs("VAD_FLUSH_INTERVAL_MS", 100),
		BypassChunks:       envInt("VAD_BYPASS_CHUNKS", 5),
		WindowSize:         envInt("VAD_WINDOW_SIZE", 100),
	}
}

// PoolConfig sizes the ASR adapter pool (C2).
type PoolConfig struct {
	MinPoolSize    int
	MaxPoolSize    int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinPoolSize:    envInt("POOL_MIN_SIZE", 2),
		MaxPoolSize:    envInt("POOL_MAX_SIZE", 10),
		AcquireTimeout: envDurationMs("POOL_ACQUIRE_TIMEOUT_MS", 5000),
		IdleTimeout:    envDurationMs("POOL_IDLE_TIMEOUT_MS", 60000),
	}
}

// ManagerConfig tunes provider health tracking and quality-based switching (C2).
type ManagerConfig struct {
	ErrorThreshold        int
	ConfidenceThreshold   float64
	WERThreshold          float64
	NoSpeechProbThreshold float64
	HealthCheckInterval   time.Duration
	RecoveryStreak        int
	RecoveryIdleWindow    time.Duration
	RollingWindow         time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ErrorThreshold:        envInt("ASR_ERROR_THRESHOLD", 5),
		NoSpeechProbThreshold: envFloat("ASR_NO_SPEECH_PROB_THRESHOLD", 0.6),
		ConfidenceThreshold: envFloat("ASR_CONFIDENCE_THRESHOLD", 0.7),
		WERThreshold:        envFloat("ASR_WER_THRESHOLD", 0.15),
		HealthCheckInterval: envDurationMs("ASR_HEALTH_CHECK_INTERVAL_MS", 30000),
		RecoveryStreak:      envInt("ASR_RECOVERY_STREAK", 3),
		RecoveryIdleWindow:  envDurationMs("ASR_RECOVERY_IDLE_MS", 5*60*1000),
		RollingWindow:       envDurationMs("ASR_ROLLING_WINDOW_MS", 60000),
	}
}

// BreakerConfig tunes the circuit breaker (C11).
type BreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	Timeout           time.Duration
	RollingWindow     time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		SuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 2),
		Timeout:          envDurationMs("BREAKER_TIMEOUT_MS", 30000),
		RollingWindow:    envDurationMs("BREAKER_ROLLING_WINDOW_MS", 60000),
	}
}

// RefreshRepository identifies one external source repository to ingest (C8).
type RefreshRepository struct {
	Owner  string
	Repo   string
	Branch string
	Paths  []string
}

// RefreshConfig tunes the knowledge refresh loop (C8).
type RefreshConfig struct {
	Interval     time.Duration
	Repositories []RefreshRepository
	HistorySize  int
}

func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Interval:    time.Duration(envInt("REFRESH_INTERVAL_MINUTES", 3)) * time.Minute,
		HistorySize: envInt("REFRESH_HISTORY_SIZE", 50),
	}
}

// EmbeddingConfig tunes the embedding client (C5).
type EmbeddingConfig struct {
	Model           string
	MaxBatchSize    int
	InterBatchDelay time.Duration
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model:           envStr("EMBEDDING_MODEL", "nomic-embed-text"),
		MaxBatchSize:    envInt("EMBEDDING_MAX_BATCH_SIZE", 100),
		InterBatchDelay: envDurationMs("EMBEDDING_INTER_BATCH_DELAY_MS", 100),
	}
}

// ChunkingConfig tunes document chunking (C5).
type ChunkingConfig struct {
	MaxChunkSize       int
	OverlapSize        int
	PreserveParagraphs bool
	SlidingWindowAbove int
}

func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		MaxChunkSize:       envInt("CHUNK_MAX_SIZE", 1000),
		OverlapSize:        envInt("CHUNK_OVERLAP_SIZE", 200),
		PreserveParagraphs: envBool("CHUNK_PRESERVE_PARAGRAPHS", true),
		SlidingWindowAbove: envInt("CHUNK_SLIDING_WINDOW_ABOVE", 10000),
	}
}

// LatencyConfig tunes the latency monitor (C12).
type LatencyConfig struct {
	FirstTokenTarget      time.Duration
	EndToEndTarget        time.Duration
	SampleBufferSize      int
	AudioToASRBudget      time.Duration
	ASRToLLMBudget        time.Duration
	LLMFirstTokenBudget   time.Duration
	LLMToTTSBudget        time.Duration
	TTSToClientBudget     time.Duration
	FullCycleBudget       time.Duration
}

func DefaultLatencyConfig() LatencyConfig {
	return LatencyConfig{
		FirstTokenTarget:    envDurationMs("LATENCY_FIRST_TOKEN_TARGET_MS", 500),
		EndToEndTarget:      envDurationMs("LATENCY_END_TO_END_TARGET_MS", 2000),
		SampleBufferSize:    envInt("LATENCY_SAMPLE_BUFFER_SIZE", 1000),
		AudioToASRBudget:    envDurationMs("LATENCY_AUDIO_TO_ASR_MS", 50),
		ASRToLLMBudget:      envDurationMs("LATENCY_ASR_TO_LLM_MS", 100),
		LLMFirstTokenBudget: envDurationMs("LATENCY_LLM_FIRST_TOKEN_MS", 300),
		LLMToTTSBudget:      envDurationMs("LATENCY_LLM_TO_TTS_MS", 50),
		TTSToClientBudget:   envDurationMs("LATENCY_TTS_TO_CLIENT_MS", 100),
		FullCycleBudget:     envDurationMs("LATENCY_FULL_CYCLE_MS", 2000),
	}
}

// InterruptConfig tunes barge-in detection (C10).
type InterruptConfig struct {
	VADThreshold   float64
	VADDurationMs  time.Duration
	CooldownMs     time.Duration
}

func DefaultInterruptConfig() InterruptConfig {
	return InterruptConfig{
		VADThreshold:  envFloat("INTERRUPT_VAD_THRESHOLD", 0.7),
		VADDurationMs: envDurationMs("INTERRUPT_VAD_DURATION_MS", 150),
		CooldownMs:    envDurationMs("INTERRUPT_COOLDOWN_MS", 1000),
	}
}

// SessionConfig tunes the session store (C14).
type SessionConfig struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MaxHistory      int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultTTL:      time.Duration(envInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		CleanupInterval: envDurationMs("SESSION_CLEANUP_INTERVAL_MS", 60000),
		MaxHistory:      envInt("SESSION_MAX_HISTORY", 200),
	}
}

// TranscriptConfig tunes the transcript aggregator (C4).
type TranscriptConfig struct {
	MinConfidenceThreshold float64
	MaxPartialHistory      int
}

func DefaultTranscriptConfig() TranscriptConfig {
	return TranscriptConfig{
		MinConfidenceThreshold: envFloat("TRANSCRIPT_MIN_CONFIDENCE", 0.5),
		MaxPartialHistory:      envInt("TRANSCRIPT_MAX_PARTIAL_HISTORY", 10),
	}
}

// GroundingConfig tunes the citation + grounding validator (C7).
type GroundingConfig struct {
	MinConfidenceThreshold float64
	MaxExcerptLength       int
}

func DefaultGroundingConfig() GroundingConfig {
	return GroundingConfig{
		MinConfidenceThreshold: envFloat("GROUNDING_MIN_CONFIDENCE", 0.6),
		MaxExcerptLength:       envInt("GROUNDING_MAX_EXCERPT_LENGTH", 150),
	}
}

// StreamConfig tunes the bidirectional streaming endpoint (C13).
type StreamConfig struct {
	HeartbeatInterval time.Duration
	MaxMissedPongs    int
	EgressBufferSize  int
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		HeartbeatInterval: envDurationMs("STREAM_HEARTBEAT_INTERVAL_MS", 30000),
		MaxMissedPongs:    envInt("STREAM_MAX_MISSED_PONGS", 2),
		EgressBufferSize:  envInt("STREAM_EGRESS_BUFFER_SIZE", 16),
	}
}

// Config is the top-level process configuration, wiring every subsystem's
// struct together the way cmd/gateway/config.go loads "tuning".
type Config struct {
	ListenAddr string

	VAD        VADConfig
	Pool       PoolConfig
	Manager    ManagerConfig
	Breaker    BreakerConfig
	Refresh    RefreshConfig
	Embedding  EmbeddingConfig
	Chunking   ChunkingConfig
	Latency    LatencyConfig
	Interrupt  InterruptConfig
	Session    SessionConfig
	Transcript TranscriptConfig
	Grounding  GroundingConfig
	Stream     StreamConfig

	PostgresDSN  string
	OllamaURL    string
	OllamaModel  string
	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIWhisperModel string

	AnthropicAPIKey string
	AnthropicURL    string
	AnthropicModel  string

	WhisperServerURL string
	WhisperPrompt    string
	PiperURL         string
	ClassifyURL      string

	LLMSystemPrompt string
	LLMMaxTokens    int
}

// Load reads the process configuration from the environment, applying the
// same defaults-plus-override discipline as every subsystem config above.
func Load() Config {
	return Config{
		ListenAddr:   envStr("LISTEN_ADDR", ":8080"),
		VAD:          DefaultVADConfig(),
		Pool:         DefaultPoolConfig(),
		Manager:      DefaultManagerConfig(),
		Breaker:      DefaultBreakerConfig(),
		Refresh:      DefaultRefreshConfig(),
		Embedding:    DefaultEmbeddingConfig(),
		Chunking:     DefaultChunkingConfig(),
		Latency:      DefaultLatencyConfig(),
		Interrupt:    DefaultInterruptConfig(),
		Session:      DefaultSessionConfig(),
		Transcript:   DefaultTranscriptConfig(),
		Grounding:    DefaultGroundingConfig(),
		Stream:       DefaultStreamConfig(),
		PostgresDSN:  envStr("POSTGRES_DSN", "postgres://localhost:5432/streamvoice?sslmode=disable"),
		OllamaURL:    envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:  envStr("OLLAMA_MODEL", "llama3.2:3b"),
		OpenAIAPIKey:       envStr("OPENAI_API_KEY", ""),
		OpenAIModel:        envStr("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIWhisperModel: envStr("OPENAI_WHISPER_MODEL", "whisper-1"),

		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicURL:    envStr("ANTHROPIC_URL", "https://api.anthropic.com"),
		AnthropicModel:  envStr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),

		WhisperServerURL: envStr("WHISPER_SERVER_URL", ""),
		WhisperPrompt:    envStr("WHISPER_PROMPT", "Customer service call transcript:"),
		PiperURL:         envStr("PIPER_URL", "http://localhost:5100"),
		ClassifyURL:      envStr("AUDIO_CLASSIFY_URL", ""),

		LLMSystemPrompt: envStr("LLM_SYSTEM_PROMPT", "You are a helpful call center agent. Keep responses concise and conversational."),
		LLMMaxTokens:    envInt("LLM_MAX_TOKENS", 2048),
	}
}
