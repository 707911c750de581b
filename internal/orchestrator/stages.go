package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streamvoice/core/internal/asrpool"
	"github.com/streamvoice/core/internal/latency"
	"github.com/streamvoice/core/internal/llm"
	"github.com/streamvoice/core/internal/metrics"
	"github.com/streamvoice/core/internal/prompts"
	"github.com/streamvoice/core/internal/rag"
	"github.com/streamvoice/core/internal/tts"
	"github.com/streamvoice/core/internal/types"
)

// asrChunkBytes splits a segment's audio into multiple SendAudio calls
// (rather than one shot) so an adapter capable of interim partials (spec
// §4.1: "partial results ... may be emitted repeatedly") has more than one
// opportunity to probe the buffer-so-far before the final result.
const asrChunkBytes = 16000 // ~0.5s of 16kHz/16-bit mono PCM

// runASR acquires an adapter for the currently active provider and
// transcribes pcmAudio through it via the Adapter's start/send/end stream
// contract. onTranscript results with IsFinal=false are forwarded to
// onEvent as interim "transcript" events (and into the transcript
// aggregator) without resolving the stage; only the first IsFinal=true
// result concludes it and is scored against cfg.ReferenceTranscript when
// one is configured (spec Open Question (a): WER is recorded only when an
// explicit reference exists).
func (p *Pipeline) runASR(ctx context.Context, pcmAudio []byte, onEvent EventCallback) (string, *types.TranscriptionResult, *asrpool.WERResult, error) {
	active := p.collab.ASRManager.Active()

	handle, err := p.collab.ASRPool.Acquire(ctx, active)
	if err != nil {
		return "", nil, nil, fmt.Errorf("acquire adapter: %w", err)
	}

	type outcome struct {
		result *types.TranscriptionResult
		err    error
	}
	resultCh := make(chan outcome, 4)

	start := time.Now()
	breakerErr := p.collab.ASRBreaker.Call(ctx, func(ctx context.Context) error {
		err := handle.Adapter.StartStream(ctx, asrpool.StreamConfig{SampleRate: 16000, Encoding: "linear16"},
			func(r types.TranscriptionResult) { resultCh <- outcome{result: &r} },
			func(e error) { resultCh <- outcome{err: e} },
		)
		if err != nil {
			return err
		}
		for off := 0; off < len(pcmAudio); off += asrChunkBytes {
			end := off + asrChunkBytes
			if end > len(pcmAudio) {
				end = len(pcmAudio)
			}
			if err := handle.Adapter.SendAudio(ctx, pcmAudio[off:end]); err != nil {
				return err
			}
		}
		return handle.Adapter.EndStream(ctx)
	}, nil)

	if breakerErr != nil {
		p.collab.ASRPool.Remove(handle.ID)
		p.collab.ASRManager.RecordError(active)
		return "", nil, nil, breakerErr
	}

	for {
		select {
		case out := <-resultCh:
			if out.err != nil {
				p.collab.ASRPool.Remove(handle.ID)
				p.collab.ASRManager.RecordError(active)
				return "", nil, nil, out.err
			}

			if !out.result.IsFinal {
				if p.collab.Transcript != nil {
					p.collab.Transcript.Add(p.cfg.SessionID, *out.result)
				}
				onEvent(Event{Type: "transcript", Stage: types.StageASRProcessing, Text: out.result.Text, IsFinal: false})
				continue
			}

			p.collab.ASRPool.Release(handle.ID)

			latencyMs := float64(time.Since(start).Milliseconds())
			text := strings.TrimSpace(out.result.Text)

			metrics.ASRNoSpeechProb.Observe(out.result.NoSpeechProb)
			threshold := p.cfg.NoSpeechProbThreshold
			if threshold == 0 {
				threshold = 0.6
			}
			if text != "" && out.result.NoSpeechProb > threshold {
				metrics.ASRNoiseFiltered.Inc()
				text = ""
			}

			var werResult *asrpool.WERResult
			if p.cfg.ReferenceTranscript != "" && text != "" {
				r := asrpool.ComputeWER(p.cfg.ReferenceTranscript, text)
				werResult = &r
			}
			p.collab.ASRManager.RecordSuccess(active, out.result.Confidence, time.Since(start), text, p.cfg.ReferenceTranscript)

			if p.collab.Transcript != nil {
				p.collab.Transcript.Add(p.cfg.SessionID, *out.result)
			}

			out.result.LatencyMs = latencyMs
			return text, out.result, werResult, nil
		case <-ctx.Done():
			p.collab.ASRPool.Remove(handle.ID)
			return "", nil, nil, ctx.Err()
		}
	}
}

// runRAG embeds the transcript, retrieves the top matching chunks via
// hybrid search, and returns formatted context plus deduplicated citations.
func (p *Pipeline) runRAG(ctx context.Context, query string) (string, []rag.Citation, []rag.SearchResult, error) {
	results, err := p.collab.RAGStore.HybridSearch(ctx, query, rag.SearchOptions{Limit: 5, Threshold: 0.5})
	if err != nil {
		return "", nil, nil, fmt.Errorf("hybrid search: %w", err)
	}
	if len(results) == 0 {
		return "", nil, nil, nil
	}

	citations := rag.AssembleCitations(results, p.collab.Grounding)

	sources := make([]prompts.RAGSource, 0, len(results))
	for _, r := range results {
		sources = append(sources, prompts.RAGSource{Title: r.DocumentTitle, Text: r.Chunk.Text})
	}
	return prompts.RAGContextWithSources(sources), citations, results, nil
}

// streamLLMWithTTS runs LLM token streaming and TTS synthesis concurrently:
// the LLM producer accumulates tokens into a sentence buffer and hands off
// complete sentences to a bounded channel; a TTS consumer goroutine
// synthesizes each sentence as it arrives, so the first audio chunk is
// ready before the LLM finishes generating. Adapted from the teacher's
// streamLLMWithTTS/consumeSentences.
func (p *Pipeline) streamLLMWithTTS(ctx context.Context, userMessage, ragContext string, citations []rag.Citation, onEvent EventCallback, runID string, e2eStart time.Time) (*llm.Result, float64, error) {
	if !p.transition(types.StageTTSSynthesis) {
		return nil, 0, nil
	}

	sentenceCh := make(chan string, sentenceChannelBuffer)
	var ttsWg sync.WaitGroup
	var totalTTSMs float64
	var ttsMu sync.Mutex

	llmStart := time.Now()

	ttsWg.Add(1)
	go func() {
		defer ttsWg.Done()
		p.consumeSentences(ctx, sentenceCh, onEvent, &totalTTSMs, &ttsMu, runID, llmStart)
	}()

	collaborator, ok := p.collab.LLMRouter.Route(p.cfg.LLMEngine)
	if !ok {
		close(sentenceCh)
		ttsWg.Wait()
		return nil, 0, fmt.Errorf("no llm collaborator available for engine %q", p.cfg.LLMEngine)
	}

	systemPrompt := prompts.ForSession(p.cfg.SystemPrompt)

	var firstTokenOnce sync.Once
	recordFirstToken := func() {
		firstTokenOnce.Do(func() {
			if p.collab.Latency == nil {
				return
			}
			p.collab.Latency.RecordBoundary(latency.BoundaryLLMFirstToken, time.Since(llmStart))
			p.collab.Latency.RecordBoundary(latency.BoundaryFirstTokenE2E, time.Since(e2eStart))
		})
	}

	var sentenceBuf tts.SentenceBuffer
	var llmResult *llm.Result
	llmErr := p.collab.LLMBreaker.Call(ctx, func(ctx context.Context) error {
		res, err := collaborator.Chat(ctx, userMessage, ragContext, systemPrompt, func(token string) {
			recordFirstToken()
			onEvent(Event{Type: "llm_token", Stage: types.StageLLMProcessing, Token: token})
			if s := sentenceBuf.Add(token); s != "" {
				sentenceCh <- s
			}
		})
		llmResult = res
		return err
	}, func(ctx context.Context) (any, error) {
		res, err := llm.FallbackCollaborator{}.Chat(ctx, userMessage, ragContext, systemPrompt, func(token string) {
			recordFirstToken()
			onEvent(Event{Type: "llm_token", Stage: types.StageLLMProcessing, Token: token})
		})
		llmResult = res
		if s := sentenceBuf.Add(res.Text); s != "" {
			sentenceCh <- s
		}
		return res, err
	})

	if remainder := sentenceBuf.Flush(); remainder != "" {
		sentenceCh <- remainder
	}
	close(sentenceCh)
	ttsWg.Wait()

	llmOutput := ""
	if llmResult != nil {
		llmOutput = llmResult.Text
	}
	p.traceSpan(runID, "llm", llmStart, userMessage, llmOutput, llmErr)

	if llmErr != nil {
		return nil, 0, llmErr
	}

	displayText := llmResult.Text
	if len(citations) > 0 {
		// Inline [n] markers are injected only into the text delivered to
		// the client, not into llmResult.Text itself: TTS already
		// synthesized the raw sentences above, and conversation history /
		// grounding validation should score the model's actual words, not
		// the markers layered on top for display.
		displayText = rag.InjectCitationMarkers(llmResult.Text, citations)
	}
	onEvent(Event{Type: "llm_done", Stage: types.StageLLMProcessing, Text: displayText, LatencyMs: llmResult.LatencyMs})

	ttsMu.Lock()
	ttsMs := totalTTSMs
	ttsMu.Unlock()

	return llmResult, ttsMs, nil
}

func (p *Pipeline) consumeSentences(ctx context.Context, sentenceCh <-chan string, onEvent EventCallback, totalMs *float64, mu *sync.Mutex, runID string, llmStart time.Time) {
	synthesizer, ok := p.collab.TTSRouter.Route(p.cfg.TTSEngine)
	var firstTTSOnce sync.Once
	for sentence := range sentenceCh {
		sentence = stripForSpeech(sentence)
		if sentence == "" {
			continue
		}
		if !ok {
			continue
		}
		firstTTSOnce.Do(func() {
			if p.collab.Latency != nil {
				p.collab.Latency.RecordBoundary(latency.BoundaryLLMToTTS, time.Since(llmStart))
			}
		})
		p.synthesizeSentence(ctx, synthesizer, sentence, onEvent, totalMs, mu, runID)
	}
}

func (p *Pipeline) synthesizeSentence(ctx context.Context, synthesizer tts.Synthesizer, sentence string, onEvent EventCallback, totalMs *float64, mu *sync.Mutex, runID string) {
	ttsStart := time.Now()
	var result *tts.Result
	err := p.collab.TTSBreaker.Call(ctx, func(ctx context.Context) error {
		r, err := synthesizer.Synthesize(ctx, sentence, tts.Options{})
		result = r
		return err
	}, func(ctx context.Context) (any, error) {
		r, err := tts.FallbackSynthesizer{}.Synthesize(ctx, sentence, tts.Options{})
		result = r
		return r, err
	})
	ttsOutput := ""
	if result != nil {
		ttsOutput = fmt.Sprintf("audio_bytes=%d", len(result.Audio))
	}
	p.traceSpan(runID, "tts", ttsStart, sentence, ttsOutput, err)
	if err != nil {
		onEvent(Event{Type: "error", Stage: types.StageTTSSynthesis, Err: err})
		return
	}
	if result == nil || len(result.Audio) == 0 {
		return
	}

	mu.Lock()
	*totalMs += result.LatencyMs
	mu.Unlock()

	if p.collab.Latency != nil {
		p.collab.Latency.RecordBoundary(latency.BoundaryTTSToClient, time.Since(ttsStart))
	}

	onEvent(Event{Type: "tts_ready", Stage: types.StageTTSSynthesis, Audio: result.Audio, LatencyMs: result.LatencyMs})

	if p.cfg.InterSentencePauseMs > 0 {
		onEvent(Event{Type: "tts_silence", Stage: types.StageTTSSynthesis, Audio: silenceWAV(p.cfg.InterSentencePauseMs, 24000)})
	}
}

// stripForSpeech removes markdown emphasis and fenced code blocks so TTS
// never has to vocalize syntax characters.
func stripForSpeech(text string) string {
	if strings.HasPrefix(strings.TrimSpace(text), "```") {
		return ""
	}
	replacer := strings.NewReplacer("**", "", "*", "", "`", "", "#", "")
	return strings.TrimSpace(replacer.Replace(text))
}
