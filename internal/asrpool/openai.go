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

// OpenAIWhisperAdapter implements Adapter against OpenAI's hosted
// /v1/audio/transcriptions endpoint, mirroring WhisperAdapter's own
// buffer-between-StartStream-and-EndStream transport shape (multipart
// upload, single final result) but over the documented public REST API
// rather than a self-hosted whisper-server instance, so C2's provider pool
// has a genuinely distinct second backend (spec §4.2 failover) rather than
// two instances of the same adapter.
type OpenAIWhisperAdapter struct {
	name    string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	mu           sync.Mutex
	active       bool
	buf          bytes.Buffer
	onTranscript OnTranscript
	onError      OnError
}

// NewOpenAIWhisperAdapter creates an adapter against OpenAI's transcription
// API, registered under providerName so the pool can keep distinct adapter
// instances per configured priority.
func NewOpenAIWhisperAdapter(providerName, apiKey, model string, poolSize int) *OpenAIWhisperAdapter {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAIWhisperAdapter{
		name:    providerName,
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com",
		client:  httputil.NewPooledClient(poolSize, 30*time.Second),
	}
}

func (o *OpenAIWhisperAdapter) Name() string { return o.name }

func (o *OpenAIWhisperAdapter) StartStream(ctx context.Context, cfg StreamConfig, onTranscript OnTranscript, onError OnError) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active {
		return ErrStreamAlreadyActive
	}
	o.active = true
	o.buf.Reset()
	o.onTranscript = onTranscript
	o.onError = onError
	return nil
}

// SendAudio buffers the chunk. OpenAI's hosted endpoint only accepts a
// complete file per request, so unlike WhisperAdapter no interim partial is
// probed here — this adapter contributes failover capacity to the pool, not
// a second partial-results path.
func (o *OpenAIWhisperAdapter) SendAudio(ctx context.Context, pcmChunk []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return fmt.Errorf("asr: send on inactive stream")
	}
	o.buf.Write(pcmChunk)
	return nil
}

func (o *OpenAIWhisperAdapter) EndStream(ctx context.Context) error {
	o.mu.Lock()
	audio := append([]byte(nil), o.buf.Bytes()...)
	onTranscript := o.onTranscript
	onError := o.onError
	o.active = false
	o.buf.Reset()
	o.mu.Unlock()

	if len(audio) == 0 {
		return nil
	}

	result, err := o.transcribe(ctx, audio)
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

func (o *OpenAIWhisperAdapter) transcribe(ctx context.Context, pcm []byte) (*types.TranscriptionResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(pcm); err != nil {
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if err := mw.WriteField("model", o.model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, fmt.Errorf("create transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	return &types.TranscriptionResult{
		Text:       decoded.Text,
		IsFinal:    true,
		Confidence: 0.9,
		Provider:   o.Name(),
		Timestamp:  time.Now(),
	}, nil
}
