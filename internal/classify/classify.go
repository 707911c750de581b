// Package classify calls an audio-classification sidecar to label a speech
// segment's emotional tone, adapted from the teacher's
// internal/pipeline/classify.go ClassifyClient. Classification runs
// fire-and-forget alongside ASR so it never adds latency to the
// transcript→LLM path.
package classify

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/streamvoice/core/internal/httputil"
)

// Result holds a classification response from the sidecar.
type Result struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
	LatencyMs  float64            `json:"latency_ms"`
}

// Client calls the audio-classification HTTP sidecar for emotion scoring.
type Client struct {
	url    string
	client *http.Client
}

// New creates a client for the audio-classification sidecar at url.
func New(url string) *Client {
	return &Client{
		url:    url,
		client: httputil.NewPooledClient(4, 5*time.Second),
	}
}

// Emotion sends float32 PCM samples to the sidecar's /emotion endpoint.
func (c *Client) Emotion(ctx context.Context, samples []float32) (*Result, error) {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/emotion", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("classify status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("classify decode: %w", err)
	}
	return &result, nil
}
