package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/streamvoice/core/internal/asrpool"
	"github.com/streamvoice/core/internal/breaker"
	"github.com/streamvoice/core/internal/classify"
	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/llm"
	"github.com/streamvoice/core/internal/transcript"
	"github.com/streamvoice/core/internal/tts"
	"github.com/streamvoice/core/internal/types"
)

type fakeASRAdapter struct {
	mu            sync.Mutex
	onTranscript  asrpool.OnTranscript
	text          string
	partialOnSend string // when set, SendAudio emits this as an isFinal:false result once
	sentPartial   bool
}

func (f *fakeASRAdapter) Name() string { return "fake-asr" }
func (f *fakeASRAdapter) StartStream(ctx context.Context, cfg asrpool.StreamConfig, onTranscript asrpool.OnTranscript, onError asrpool.OnError) error {
	f.mu.Lock()
	f.onTranscript = onTranscript
	f.mu.Unlock()
	return nil
}
func (f *fakeASRAdapter) SendAudio(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.partialOnSend != "" && !f.sentPartial {
		f.sentPartial = true
		// Called synchronously (unlike WhisperAdapter's background probe) so
		// the partial is deterministically ordered before EndStream's final
		// push onto runASR's buffered result channel.
		f.onTranscript(types.TranscriptionResult{Text: f.partialOnSend, IsFinal: false, Confidence: 0.4, Provider: "fake-asr"})
	}
	return nil
}
func (f *fakeASRAdapter) EndStream(ctx context.Context) error {
	f.mu.Lock()
	cb := f.onTranscript
	f.mu.Unlock()
	if cb != nil {
		cb(types.TranscriptionResult{Text: f.text, IsFinal: true, Confidence: 0.95, Provider: "fake-asr"})
	}
	return nil
}

type fakeLLM struct{ text string }

func (f fakeLLM) Name() string { return "fake-llm" }
func (f fakeLLM) Chat(ctx context.Context, userMessage, ragContext, systemPrompt string, onToken llm.TokenCallback) (*llm.Result, error) {
	onToken(f.text)
	return &llm.Result{Text: f.text}, nil
}

type fakeTTS struct{}

func (fakeTTS) Name() string { return "fake-tts" }
func (fakeTTS) Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Result, error) {
	return &tts.Result{Audio: []byte("audio-bytes")}, nil
}

func newTestPipeline(t *testing.T, asrText, llmText string) (*Pipeline, *[]Event) {
	t.Helper()
	return newTestPipelineWithPartial(t, asrText, "", llmText)
}

func newTestPipelineWithPartial(t *testing.T, asrText, partialText, llmText string) (*Pipeline, *[]Event) {
	t.Helper()

	pool := asrpool.New(config.DefaultPoolConfig(), func(providerName string) (asrpool.Adapter, error) {
		return &fakeASRAdapter{text: asrText, partialOnSend: partialText}, nil
	})
	t.Cleanup(pool.Close)

	manager := asrpool.NewManager(config.DefaultManagerConfig(), slog.Default(), []types.ProviderHealth{
		{Name: "primary", Priority: 1},
	}, nil)

	llmRouter := llm.NewRouter(map[string]llm.Collaborator{"default": fakeLLM{text: llmText}}, "default")
	ttsRouter := tts.NewRouter(map[string]tts.Synthesizer{"default": fakeTTS{}}, "default")

	collab := Collaborators{
		ASRPool:    pool,
		ASRManager: manager,
		LLMRouter:  llmRouter,
		TTSRouter:  ttsRouter,
		ASRBreaker: breaker.New("asr", config.DefaultBreakerConfig()),
		LLMBreaker: breaker.New("llm", config.DefaultBreakerConfig()),
		TTSBreaker: breaker.New("tts", config.DefaultBreakerConfig()),
		Transcript: transcript.New(config.DefaultTranscriptConfig()),
		Grounding:  config.DefaultGroundingConfig(),
	}

	cfg := Config{SessionID: "sess-1", SystemPrompt: "You are helpful.", LLMEngine: "default", TTSEngine: "default"}
	p := New(collab, cfg, slog.Default())

	var events []Event
	return p, &events
}

func TestRunSpeechSegmentCompletesHappyPath(t *testing.T) {
	p, _ := newTestPipeline(t, "hello there", "hi, how can I help?")

	var events []Event
	err := p.RunSpeechSegment(context.Background(), []byte{0, 0, 1, 2}, func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Stage() != types.StageCompleted {
		t.Fatalf("expected completed stage, got %s", p.Stage())
	}

	var sawTranscript, sawDone, sawTTS bool
	for _, e := range events {
		switch e.Type {
		case "transcript":
			sawTranscript = true
		case "llm_done":
			sawDone = true
		case "tts_ready":
			sawTTS = true
		}
	}
	if !sawTranscript || !sawDone || !sawTTS {
		t.Fatalf("expected transcript, llm_done, and tts_ready events, got %+v", events)
	}
}

func TestCancelIsIdempotentAndTransitionsToInterrupted(t *testing.T) {
	p, _ := newTestPipeline(t, "hello", "hi")
	p.stage = types.StageLLMProcessing

	p.Cancel()
	if p.Stage() != types.StageInterrupted {
		t.Fatalf("expected interrupted, got %s", p.Stage())
	}
	p.Cancel()
	if p.Stage() != types.StageInterrupted {
		t.Fatal("expected cancel to remain idempotent")
	}
}

func TestRunSpeechSegmentEmitsClassificationWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(classify.Result{Label: "neutral", Confidence: 0.5})
	}))
	defer srv.Close()

	p, _ := newTestPipeline(t, "hello there", "hi, how can I help?")
	p.collab.Classifier = classify.New(srv.URL)
	p.cfg.EnableEmotion = true

	var mu sync.Mutex
	var sawClassification bool
	err := p.RunSpeechSegment(context.Background(), []byte{0, 0, 1, 2}, func(e Event) {
		if e.Type == "classification" {
			mu.Lock()
			sawClassification = true
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// classification runs fire-and-forget in its own goroutine; give it a
	// moment to land since the pipeline itself may finish first.
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		got := sawClassification
		mu.Unlock()
		if got {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected a classification event from the enabled emotion classifier")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunSpeechSegmentForwardsPartialTranscriptBeforeFinal(t *testing.T) {
	p, _ := newTestPipelineWithPartial(t, "hello there", "hello", "hi, how can I help?")

	var mu sync.Mutex
	var transcripts []Event
	err := p.RunSpeechSegment(context.Background(), []byte{0, 0, 1, 2}, func(e Event) {
		if e.Type == "transcript" {
			mu.Lock()
			transcripts = append(transcripts, e)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transcripts) < 2 {
		t.Fatalf("expected at least a partial and a final transcript event, got %+v", transcripts)
	}
	first, last := transcripts[0], transcripts[len(transcripts)-1]
	if first.IsFinal {
		t.Fatalf("expected the first transcript event to be a partial, got %+v", first)
	}
	if !last.IsFinal || last.Text != "hello there" {
		t.Fatalf("expected a final transcript event with the full text, got %+v", last)
	}
}

func TestTransitionRejectedAfterTerminal(t *testing.T) {
	p, _ := newTestPipeline(t, "hello", "hi")
	p.stage = types.StageCompleted

	if p.transition(types.StageLLMProcessing) {
		t.Fatal("expected transition from terminal stage to be rejected")
	}
}
