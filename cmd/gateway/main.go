package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/streamvoice/core/internal/asrpool"
	"github.com/streamvoice/core/internal/breaker"
	"github.com/streamvoice/core/internal/classify"
	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/denoise"
	"github.com/streamvoice/core/internal/latency"
	"github.com/streamvoice/core/internal/llm"
	"github.com/streamvoice/core/internal/models"
	"github.com/streamvoice/core/internal/orchestrator"
	"github.com/streamvoice/core/internal/rag"
	"github.com/streamvoice/core/internal/refresh"
	"github.com/streamvoice/core/internal/session"
	"github.com/streamvoice/core/internal/sidecar"
	"github.com/streamvoice/core/internal/stream"
	"github.com/streamvoice/core/internal/trace"
	"github.com/streamvoice/core/internal/transcript"
	"github.com/streamvoice/core/internal/tts"
	"github.com/streamvoice/core/internal/types"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using system environment variables")
	}

	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	traceStore, err := trace.Open(cfg.PostgresDSN)
	if err != nil {
		slog.Warn("trace store open failed, tracing disabled", "error", err)
		traceStore = nil
	}

	sessions := session.New(db, cfg.Session)
	go sessions.RunCleanupLoop(context.Background())

	embedder := rag.NewEmbedder(cfg.OllamaURL, cfg.Embedding, 4)
	ragStore := rag.NewStore(db, embedder)

	githubFetcher := refresh.NewGitHubFetcher(ragStore, embedder, cfg.Chunking, os.Getenv("GITHUB_TOKEN"))
	refreshScheduler := refresh.New(cfg.Refresh, githubFetcher, slog.Default(), func(r refresh.Result) {
		slog.Info("knowledge refresh tick", "processed", r.Processed, "updated", r.Updated, "errors", len(r.Errors))
	})
	refreshCtx, cancelRefresh := context.WithCancel(context.Background())
	defer cancelRefresh()
	go refreshScheduler.Run(refreshCtx)

	asrPool, asrManager := buildASR(cfg)
	defer asrPool.Close()

	llmRouter := buildLLM(cfg)
	ttsRouter := buildTTS(cfg)

	var classifier *classify.Client
	if cfg.ClassifyURL != "" {
		classifier = classify.New(cfg.ClassifyURL)
	}

	collab := orchestrator.Collaborators{
		ASRPool:    asrPool,
		ASRManager: asrManager,
		LLMRouter:  llmRouter,
		TTSRouter:  ttsRouter,
		RAGStore:   ragStore,
		Classifier: classifier,

		ASRBreaker: breaker.New("asr", cfg.Breaker),
		LLMBreaker: breaker.New("llm", cfg.Breaker),
		TTSBreaker: breaker.New("tts", cfg.Breaker),

		Latency:    latency.New(cfg.Latency),
		Transcript: transcript.New(cfg.Transcript),

		Grounding: cfg.Grounding,
	}

	// ML sidecars (whisper-server, piper) run out-of-process; the gateway
	// only starts/stops/probes them over HTTP.
	svcRegistry := sidecar.NewRegistry(map[string]sidecar.ServiceMeta{
		"whisper-server": {Category: "asr", HealthURL: cfg.WhisperServerURL + "/health", ControlURL: os.Getenv("WHISPER_CONTROL_URL")},
		"piper":          {Category: "tts", HealthURL: cfg.PiperURL + "/health", ControlURL: os.Getenv("PIPER_CONTROL_URL")},
	})
	svcMgr := sidecar.NewHTTPControlManager(svcRegistry)

	denoiser := denoise.New()

	streamHandler := stream.NewHandler(stream.HandlerConfig{
		Sessions:     sessions,
		Authenticate: buildAuthenticator(),
		NewPipeline: func(sessionID string, tracer *trace.Tracer) *orchestrator.Pipeline {
			return orchestrator.New(collab, orchestrator.Config{
				SessionID:             sessionID,
				SystemPrompt:          cfg.LLMSystemPrompt,
				LLMEngine:             "ollama",
				TTSEngine:             "fast",
				EnableRAG:             true,
				InterSentencePauseMs:  100,
				NoSpeechProbThreshold: cfg.Manager.NoSpeechProbThreshold,
				EnableEmotion:         cfg.ClassifyURL != "",
				Tracer:                tracer,
			}, slog.Default())
		},
		Stream:     cfg.Stream,
		Interrupt:  cfg.Interrupt,
		VAD:        cfg.VAD,
		Denoiser:   denoiser,
		TraceStore: traceStore,
	})

	gpu := newGPUHub(cfg.OllamaURL, os.Getenv("WHISPER_CONTROL_URL"))

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		cfg:           cfg,
		asrManager:    asrManager,
		llmRouter:     llmRouter,
		ttsRouter:     ttsRouter,
		ragStore:      ragStore,
		refresh:       refreshScheduler,
		sessions:      sessions,
		svcMgr:        svcMgr,
		gpu:           gpu,
		streamHandler: streamHandler,
		traceStore:    traceStore,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go awaitShutdown(srv, svcMgr, db, traceStore, cfg.OllamaURL)

	slog.Info("gateway starting", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

func buildASR(cfg config.Config) (*asrpool.Pool, *asrpool.Manager) {
	factory := func(providerName string) (asrpool.Adapter, error) {
		if providerName == "openai-whisper" {
			return asrpool.NewOpenAIWhisperAdapter(providerName, cfg.OpenAIAPIKey, cfg.OpenAIWhisperModel, cfg.Pool.MaxPoolSize), nil
		}
		return asrpool.NewWhisperAdapter(providerName, cfg.WhisperServerURL, cfg.WhisperPrompt, cfg.Pool.MaxPoolSize), nil
	}
	pool := asrpool.New(cfg.Pool, factory)

	providers := []types.ProviderHealth{
		{Name: "whisper-server", Priority: 1},
	}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, types.ProviderHealth{Name: "openai-whisper", Priority: 2})
	}
	manager := asrpool.NewManager(cfg.Manager, slog.Default(), providers, func(ev asrpool.SwitchEvent) {
		slog.Info("asr provider switch", "from", ev.From, "to", ev.To, "reason", ev.Reason)
	})
	return pool, manager
}

func buildLLM(cfg config.Config) *llm.Router {
	backends := map[string]llm.Collaborator{
		"ollama": llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel, cfg.LLMSystemPrompt, cfg.LLMMaxTokens, 10),
	}
	if cfg.OpenAIAPIKey != "" {
		backends["openai"] = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.LLMMaxTokens)
	}
	if cfg.AnthropicAPIKey != "" {
		backends["anthropic"] = llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicURL, cfg.AnthropicModel, cfg.LLMMaxTokens, 10)
	}
	return llm.NewRouter(backends, "ollama")
}

func buildTTS(cfg config.Config) *tts.Router {
	backends := map[string]tts.Synthesizer{
		"fast":    tts.NewPiperSynthesizer("fast", "en_US-lessac-low", cfg.PiperURL, 10),
		"quality": tts.NewPiperSynthesizer("quality", "en_US-lessac-medium", cfg.PiperURL, 10),
	}
	return tts.NewRouter(backends, "fast")
}

var errInvalidToken = errors.New("gateway: invalid auth token")

// buildAuthenticator returns nil when no auth token is configured, which
// makes the streaming handler accept every connection as "anonymous" — fine
// for local development, not for a deployed gateway.
func buildAuthenticator() stream.Authenticator {
	expected := os.Getenv("GATEWAY_AUTH_TOKEN")
	if expected == "" {
		return nil
	}
	return func(token string) (string, error) {
		if token != expected {
			return "", errInvalidToken
		}
		return "authenticated", nil
	}
}

// awaitShutdown blocks until SIGINT/SIGTERM, then gracefully drains the ML
// sidecars and closes shared resources.
func awaitShutdown(srv *http.Server, svcMgr *sidecar.HTTPControlManager, db *sql.DB, traceStore *trace.Store, ollamaURL string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("unloading ollama models")
	if err := models.UnloadAllLLMs(ctx, ollamaURL); err != nil {
		slog.Warn("ollama unload", "error", err)
	}

	slog.Info("stopping ML services")
	stopRunningServices(ctx, svcMgr, "shutdown")

	if traceStore != nil {
		traceStore.Close()
	}
	db.Close()

	srv.Shutdown(ctx)
}
