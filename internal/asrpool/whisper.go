package asrpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/streamvoice/core/internal/httputil"
	"github.com/streamvoice/core/internal/types"
)

// partialProbeBytes is roughly one second of 16kHz/16-bit mono PCM: once
// SendAudio has accumulated this many new bytes since the last partial
// probe, EndStream's eventual final aside, a partial transcription of the
// buffer-so-far is kicked off in the background (spec §4.1: "partial
// results ... may be emitted repeatedly for the same utterance").
const partialProbeBytes = 32000

// WhisperAdapter implements Adapter against an HTTP whisper-server-style
// backend, matching the teacher's internal/pipeline/asr.go ASRClient
// transport (pooled HTTP client, multipart upload) but conforming to the
// streaming Adapter contract: audio is buffered between StartStream and
// EndStream, with a single final TranscriptionResult emitted on EndStream
// (whisper-server transcribes complete utterances rather than true
// incremental decoding) and best-effort isFinal:false partials surfaced
// from whatever has been buffered so far each time SendAudio crosses
// partialProbeBytes of new audio, so a caller that forwards audio to
// SendAudio in multiple calls (rather than one shot at EndStream) still
// gets intermediate feedback.
type WhisperAdapter struct {
	name   string
	url    string
	prompt string
	client *http.Client

	mu            sync.Mutex
	active        bool
	buf           bytes.Buffer
	lastProbeLen  int
	probeInFlight bool
	onTranscript  OnTranscript
	onError       OnError
}

// NewWhisperAdapter creates an adapter against a whisper-server instance,
// registered under providerName (e.g. "primary", "secondary") so the pool
// can maintain distinct adapter instances per configured priority.
func NewWhisperAdapter(providerName, url, prompt string, poolSize int) *WhisperAdapter {
	return &WhisperAdapter{
		name:   providerName,
		url:    url,
		prompt: prompt,
		client: httputil.NewPooledClient(poolSize, 30*time.Second),
	}
}

func (w *WhisperAdapter) Name() string { return w.name }

func (w *WhisperAdapter) StartStream(ctx context.Context, cfg StreamConfig, onTranscript OnTranscript, onError OnError) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return ErrStreamAlreadyActive
	}
	w.active = true
	w.buf.Reset()
	w.lastProbeLen = 0
	w.probeInFlight = false
	w.onTranscript = onTranscript
	w.onError = onError
	return nil
}

func (w *WhisperAdapter) SendAudio(ctx context.Context, pcmChunk []byte) error {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return fmt.Errorf("asr: send on inactive stream")
	}
	w.buf.Write(pcmChunk)

	shouldProbe := !w.probeInFlight && w.buf.Len()-w.lastProbeLen >= partialProbeBytes
	var snapshot []byte
	if shouldProbe {
		w.probeInFlight = true
		w.lastProbeLen = w.buf.Len()
		snapshot = append([]byte(nil), w.buf.Bytes()...)
	}
	onTranscript := w.onTranscript
	w.mu.Unlock()

	if shouldProbe && onTranscript != nil {
		go w.emitPartial(ctx, snapshot, onTranscript)
	}
	return nil
}

// emitPartial transcribes the buffer-so-far and surfaces it as an
// isFinal:false result. Best-effort: a failed probe is silently dropped
// rather than surfaced as a stream error, since EndStream's final
// transcription is still authoritative.
func (w *WhisperAdapter) emitPartial(ctx context.Context, pcm []byte, onTranscript OnTranscript) {
	defer func() {
		w.mu.Lock()
		w.probeInFlight = false
		w.mu.Unlock()
	}()
	result, err := w.transcribe(ctx, pcm)
	if err != nil || result == nil {
		return
	}
	result.IsFinal = false
	onTranscript(*result)
}

func (w *WhisperAdapter) EndStream(ctx context.Context) error {
	w.mu.Lock()
	audio := append([]byte(nil), w.buf.Bytes()...)
	onTranscript := w.onTranscript
	onError := w.onError
	w.active = false
	w.buf.Reset()
	w.mu.Unlock()

	if len(audio) == 0 {
		return nil
	}

	result, err := w.transcribe(ctx, audio)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return err
	}
	if onTranscript != nil {
		onTranscript(*result)
	}
	return nil
}

func (w *WhisperAdapter) transcribe(ctx context.Context, pcm []byte) (*types.TranscriptionResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "chunk.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(pcm); err != nil {
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if w.prompt != "" {
		_ = mw.WriteField("prompt", w.prompt)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("create transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var decoded struct {
		Text         string  `json:"text"`
		Confidence   float64 `json:"confidence"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	confidence := decoded.Confidence
	if confidence == 0 {
		confidence = 0.9
	}

	return &types.TranscriptionResult{
		Text:         decoded.Text,
		IsFinal:      true,
		Confidence:   confidence,
		NoSpeechProb: decoded.NoSpeechProb,
		Provider:     w.Name(),
		Timestamp:    time.Now(),
	}, nil
}
