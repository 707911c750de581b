// Package httputil holds the one tuned *http.Client constructor shared by
// every outbound HTTP collaborator (ASR, RAG embedding, LLM, TTS): a fixed
// per-host connection pool plus an explicit response-header deadline so a
// wedged provider can't stall a goroutine indefinitely.
package httputil

import (
	"net/http"
	"time"
)

// NewPooledClient creates an http.Client with connection pooling and tuned
// transport timeouts, sized to poolSize concurrent requests per host.
func NewPooledClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
