// Package orchestrator implements the pipeline orchestrator (C9): the
// per-session state machine that drives one speech segment through
// ASR → optional RAG retrieval → LLM → TTS → audio playback, with
// cancellation (barge-in) and uncaught-error transitions available from any
// active stage. Grounded on the teacher's internal/pipeline/pipeline.go
// runFullPipeline/streamLLMWithTTS/consumeSentences — the sentence-boundary
// LLM→TTS producer/consumer pipelining is kept nearly verbatim, generalized
// to route through the new ASR pool, LLM/TTS collaborator routers, and an
// optional RAG retrieval stage the teacher never had.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/streamvoice/core/internal/asrpool"
	"github.com/streamvoice/core/internal/audio"
	"github.com/streamvoice/core/internal/breaker"
	"github.com/streamvoice/core/internal/classify"
	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/latency"
	"github.com/streamvoice/core/internal/llm"
	"github.com/streamvoice/core/internal/metrics"
	"github.com/streamvoice/core/internal/rag"
	"github.com/streamvoice/core/internal/trace"
	"github.com/streamvoice/core/internal/transcript"
	"github.com/streamvoice/core/internal/tts"
	"github.com/streamvoice/core/internal/types"
)

const sentenceChannelBuffer = 4

// Collaborators bundles every dependency the orchestrator drives a pipeline
// through. RAGStore is optional — a nil store disables the retrieval stage.
type Collaborators struct {
	ASRPool    *asrpool.Pool
	ASRManager *asrpool.Manager
	LLMRouter  *llm.Router
	TTSRouter  *tts.Router
	RAGStore   *rag.Store

	ASRBreaker *breaker.Breaker
	LLMBreaker *breaker.Breaker
	TTSBreaker *breaker.Breaker

	Latency    *latency.Monitor
	Transcript *transcript.Aggregator
	Classifier *classify.Client

	Grounding config.GroundingConfig
}

// Config holds the per-session tunables for one pipeline run.
type Config struct {
	SessionID             string
	SystemPrompt          string
	LLMEngine             string
	TTSEngine             string
	EnableRAG             bool
	ReferenceTranscript   string
	InterSentencePauseMs  int
	NoSpeechProbThreshold float64
	EnableEmotion         bool

	// Tracer records per-run spans (asr, rag, llm, tts) for later inspection.
	// Nil-safe: every method is a no-op on a nil *trace.Tracer.
	Tracer *trace.Tracer
}

// Event is one pipeline output destined for the streaming endpoint (C13).
type Event struct {
	Type       string
	Stage      types.PipelineStage
	Text       string
	Token      string
	Audio      []byte
	LatencyMs  float64
	WER        *asrpool.WERResult
	Citations  []rag.Citation
	Grounding  *rag.GroundingReport
	Emotion    *classify.Result
	IsFinal    bool
	Err        error
}

// EventCallback is invoked for every pipeline event.
type EventCallback func(Event)

type turn struct {
	user      string
	assistant string
}

// Pipeline drives the C9 state machine for a single session's speech
// segments. A new Pipeline is created per session; pipelines within a
// session run strictly serialized (spec §5).
type Pipeline struct {
	collab Collaborators
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	stage   types.PipelineStage
	history []turn

	cancel context.CancelFunc
}

// New creates a pipeline in the idle stage.
func New(collab Collaborators, cfg Config, log *slog.Logger) *Pipeline {
	return &Pipeline{collab: collab, cfg: cfg, log: log, stage: types.StageIdle}
}

// Stage returns the pipeline's current stage.
func (p *Pipeline) Stage() types.PipelineStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// transition advances the stage machine. Cancellation and error transitions
// are always permitted from any active (non-terminal) stage; forward
// transitions are only applied if the pipeline hasn't already reached a
// terminal stage. Returns false if the transition was rejected.
func (p *Pipeline) transition(next types.PipelineStage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage.Terminal() {
		return false
	}
	p.stage = next
	return true
}

// Cancel interrupts the pipeline. Idempotent: a pipeline already in a
// terminal stage is left untouched.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	alreadyTerminal := p.stage.Terminal()
	if !alreadyTerminal {
		p.stage = types.StageInterrupted
	}
	cancel := p.cancel
	p.mu.Unlock()

	if !alreadyTerminal && cancel != nil {
		cancel()
	}
}

func (p *Pipeline) fail(onEvent EventCallback, err error, runID string, e2eStart time.Time, transcriptText string) error {
	failedStage := p.Stage()
	p.transition(types.StageError)
	metrics.Errors.WithLabelValues(string(failedStage), "pipeline").Inc()
	p.cfg.Tracer.EndRun(runID, float64(time.Since(e2eStart).Milliseconds()), transcriptText, "", "error")
	onEvent(Event{Type: "error", Stage: types.StageError, Err: err})
	return err
}

// traceSpan records a completed span on the pipeline's tracer, a no-op when
// no tracer is configured.
func (p *Pipeline) traceSpan(runID, name string, start time.Time, input, output string, err error) {
	status, errMsg := "ok", ""
	if err != nil {
		status, errMsg = "error", err.Error()
	}
	p.cfg.Tracer.RecordSpan(runID, name, start, float64(time.Since(start).Milliseconds()), input, output, status, errMsg)
}

// classifyEmotion runs audio-classification fire-and-forget, parallel to
// ASR, so a slow or unavailable sidecar never delays the transcript→LLM
// path. Grounded on the teacher's pipeline.classifyEmotion.
func (p *Pipeline) classifyEmotion(pcmAudio []byte, onEvent EventCallback, runID string) {
	start := time.Now()
	samples, _, err := audio.Decode(pcmAudio, audio.CodecPCM, 16000)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := p.collab.Classifier.Emotion(ctx, samples)
	out := ""
	if result != nil {
		out = fmt.Sprintf("label=%s conf=%.2f", result.Label, result.Confidence)
	}
	p.traceSpan(runID, "emotion_classify", start, fmt.Sprintf("samples=%d", len(samples)), out, err)
	if err != nil {
		return
	}
	onEvent(Event{Type: "classification", Emotion: result})
}

// RunSpeechSegment drives one complete speech segment through the state
// machine: asr_processing → rag_retrieval (optional) → llm_processing →
// tts_synthesis → audio_playback → completed.
func (p *Pipeline) RunSpeechSegment(ctx context.Context, pcmAudio []byte, onEvent EventCallback) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.stage = types.StageAudioCapture
	p.mu.Unlock()
	defer cancel()

	metrics.CallsActive.Inc()
	metrics.CallsTotal.Inc()
	defer metrics.CallsActive.Dec()

	e2eStart := time.Now()
	runID := p.cfg.Tracer.StartRun()
	if !p.transition(types.StageASRProcessing) {
		return nil
	}

	if p.cfg.EnableEmotion && p.collab.Classifier != nil {
		go p.classifyEmotion(pcmAudio, onEvent, runID)
	}

	asrStart := time.Now()
	transcriptText, asrResult, werResult, err := p.runASR(runCtx, pcmAudio, onEvent)
	asrElapsed := time.Since(asrStart)
	metrics.StageDuration.WithLabelValues(string(types.StageASRProcessing)).Observe(asrElapsed.Seconds())
	p.traceSpan(runID, "asr", asrStart, fmt.Sprintf("audio_bytes=%d", len(pcmAudio)), transcriptText, err)
	if p.collab.Latency != nil {
		p.collab.Latency.RecordBoundary(latency.BoundaryAudioToASR, asrElapsed)
	}
	asrEnd := time.Now()
	if err != nil {
		return p.fail(onEvent, fmt.Errorf("asr: %w", err), runID, e2eStart, "")
	}
	if transcriptText == "" {
		p.cfg.Tracer.EndRun(runID, float64(time.Since(e2eStart).Milliseconds()), "", "", "filtered")
		p.transition(types.StageCompleted)
		return nil
	}

	onEvent(Event{Type: "transcript", Stage: types.StageASRProcessing, Text: transcriptText, LatencyMs: asrResult.LatencyMs, WER: werResult, IsFinal: true})

	ragContext := ""
	var citations []rag.Citation
	var retrieved []rag.SearchResult
	var groundingReport *rag.GroundingReport
	if p.cfg.EnableRAG && p.collab.RAGStore != nil {
		if !p.transition(types.StageRAGRetrieval) {
			return nil
		}
		ragStart := time.Now()
		ragContext, citations, retrieved, err = p.runRAG(runCtx, transcriptText)
		metrics.StageDuration.WithLabelValues(string(types.StageRAGRetrieval)).Observe(time.Since(ragStart).Seconds())
		metrics.RAGDuration.Observe(time.Since(ragStart).Seconds())
		p.traceSpan(runID, "rag", ragStart, transcriptText, ragContext, err)
		if err != nil {
			p.log.Warn("rag retrieval failed, continuing without context", "error", err)
		} else {
			onEvent(Event{Type: "citations", Stage: types.StageRAGRetrieval, Citations: citations})
		}
	}

	if !p.transition(types.StageLLMProcessing) {
		return nil
	}

	llmInput := p.formatInput(transcriptText)
	llmStart := time.Now()
	if p.collab.Latency != nil {
		p.collab.Latency.RecordBoundary(latency.BoundaryASRToLLM, llmStart.Sub(asrEnd))
	}
	llmResult, ttsTotalMs, err := p.streamLLMWithTTS(runCtx, llmInput, ragContext, citations, onEvent, runID, e2eStart)
	metrics.StageDuration.WithLabelValues(string(types.StageLLMProcessing)).Observe(time.Since(llmStart).Seconds())
	if err != nil {
		return p.fail(onEvent, fmt.Errorf("llm+tts: %w", err), runID, e2eStart, transcriptText)
	}

	p.history = append(p.history, turn{user: transcriptText, assistant: llmResult.Text})

	if retrieved != nil {
		report := rag.ValidateGrounding(llmResult.Text, retrieved, p.collab.Grounding)
		groundingReport = &report
	}

	if p.collab.Latency != nil {
		p.collab.Latency.RecordBoundary(latency.BoundaryFullCycle, time.Since(e2eStart))
	}
	metrics.E2EDuration.Observe(time.Since(e2eStart).Seconds())

	onEvent(Event{
		Type:      "metrics",
		Stage:     types.StageCompleted,
		LatencyMs: float64(time.Since(e2eStart).Milliseconds()),
		Grounding: groundingReport,
	})

	p.transition(types.StageAudioPlayback)
	p.transition(types.StageCompleted)
	p.cfg.Tracer.EndRun(runID, float64(time.Since(e2eStart).Milliseconds()), transcriptText, llmResult.Text, "ok")
	_ = ttsTotalMs
	return nil
}

func (p *Pipeline) formatInput(current string) string {
	if len(p.history) == 0 {
		return current
	}
	var b strings.Builder
	for _, t := range p.history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.user, t.assistant)
	}
	fmt.Fprintf(&b, "User: %s", current)
	return b.String()
}
