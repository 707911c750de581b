// Package asrpool implements the ASR provider adapter contract (C1) and the
// pool + manager that keeps a warm set of adapters healthy and routed to the
// best-performing provider (C2).
package asrpool

import (
	"context"
	"errors"
	"time"

	"github.com/streamvoice/core/internal/types"
)

// Errors returned by Adapter implementations, per spec §4.1.
var (
	ErrStreamAlreadyActive = errors.New("asr: stream already active")
	ErrProviderUnavailable = errors.New("asr: provider unavailable")
	ErrProtocolError       = errors.New("asr: protocol error")
)

// StreamConfig enumerates the recognized options for an ASR stream.
type StreamConfig struct {
	LanguageCode string // BCP-47 tag
	SampleRate   int    // 8000 | 16000 | 24000 | 48000 Hz
	Encoding     string // "linear16"
}

// OnTranscript is invoked for every partial or final transcription result.
type OnTranscript func(types.TranscriptionResult)

// OnError is invoked when the adapter encounters an unrecoverable error.
type OnError func(error)

// Adapter is the uniform capability set every vendor ASR implementation
// exposes (spec §4.1). The manager must never import vendor-specific types.
type Adapter interface {
	StartStream(ctx context.Context, cfg StreamConfig, onTranscript OnTranscript, onError OnError) error
	SendAudio(ctx context.Context, pcmChunk []byte) error
	EndStream(ctx context.Context) error
	Name() string
}

// AdapterFactory creates a fresh Adapter instance for pooling.
type AdapterFactory func() (Adapter, error)

// Router dispatches to a named backend Adapter factory, matching the
// teacher's generic Router[T] used on the LLM side (internal/pipeline/router.go).
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router over the given backends with a fallback name.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for engine, or the fallback if engine is unknown.
func (r *Router[T]) Route(engine string) (T, bool) {
	if backend, ok := r.backends[engine]; ok {
		return backend, true
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, true
	}
	var zero T
	return zero, false
}

// Engines lists all registered backend names.
func (r *Router[T]) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	return names
}

// pollIdle is the polling granularity used by pool eviction sweeps.
const pollIdle = time.Second
