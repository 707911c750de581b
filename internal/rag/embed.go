package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/httputil"
	"github.com/streamvoice/core/internal/metrics"
)

// Embedder generates vector embeddings via Ollama's /api/embed, batching
// requests per the configured batch size with an inter-batch delay to
// respect vendor rate limits. Kept close to the teacher's EmbeddingClient.
type Embedder struct {
	url    string
	model  string
	cfg    config.EmbeddingConfig
	client *http.Client
}

// NewEmbedder creates an Ollama-backed embedding client.
func NewEmbedder(url string, cfg config.EmbeddingConfig, poolSize int) *Embedder {
	return &Embedder{
		url:    url,
		model:  cfg.Model,
		cfg:    cfg,
		client: httputil.NewPooledClient(poolSize, 30*time.Second),
	}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, _, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return vecs[0], nil
}

// EmbedChunks embeds an ordered sequence of chunk texts, respecting the
// configured batch size and inter-batch delay, and returns the same-ordered
// vectors plus a total token count for cost accounting.
func (e *Embedder) EmbedChunks(ctx context.Context, texts []string) ([][]float32, int, error) {
	var vectors [][]float32
	totalTokens := 0

	for start := 0; start < len(texts); start += e.cfg.MaxBatchSize {
		end := start + e.cfg.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[start:end]
		vecs, tokens, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, 0, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, vecs...)
		totalTokens += tokens

		if end < len(texts) && e.cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(e.cfg.InterBatchDelay):
			}
		}
	}

	return vectors, totalTokens, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	start := time.Now()

	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("embed status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("decode embed response: %w", err)
	}

	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	return result.Embeddings, result.PromptEvalCount, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

// Centroid returns the element-wise average of a set of vectors, used by
// findSimilarDocuments to represent a document by the mean of its chunks.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float32, dim)
	for _, v := range vectors {
		for i, x := range v {
			sum[i] += x
		}
	}
	for i := range sum {
		sum[i] /= float32(len(vectors))
	}
	return sum
}
