package asrpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/streamvoice/core/internal/types"
)

func TestOpenAIWhisperAdapterEndStreamEmitsFinalResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "hello from openai"})
	}))
	defer srv.Close()

	adapter := NewOpenAIWhisperAdapter("openai-whisper", "test-key", "", 4)
	adapter.baseURL = srv.URL

	var mu sync.Mutex
	var got *types.TranscriptionResult
	err := adapter.StartStream(context.Background(), StreamConfig{SampleRate: 16000}, func(r types.TranscriptionResult) {
		mu.Lock()
		got = &r
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := adapter.SendAudio(context.Background(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := adapter.EndStream(context.Background()); err != nil {
		t.Fatalf("EndStream: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected a transcription result")
	}
	if got.Text != "hello from openai" || !got.IsFinal || got.Provider != "openai-whisper" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestOpenAIWhisperAdapterRejectsSendBeforeStart(t *testing.T) {
	adapter := NewOpenAIWhisperAdapter("openai-whisper", "key", "", 4)
	if err := adapter.SendAudio(context.Background(), []byte{1}); err == nil {
		t.Fatal("expected an error sending audio before StartStream")
	}
}

func TestOpenAIWhisperAdapterStartStreamRejectsDoubleStart(t *testing.T) {
	adapter := NewOpenAIWhisperAdapter("openai-whisper", "key", "", 4)
	if err := adapter.StartStream(context.Background(), StreamConfig{}, nil, nil); err != nil {
		t.Fatalf("first StartStream: %v", err)
	}
	if err := adapter.StartStream(context.Background(), StreamConfig{}, nil, nil); err != ErrStreamAlreadyActive {
		t.Fatalf("expected ErrStreamAlreadyActive, got %v", err)
	}
}
