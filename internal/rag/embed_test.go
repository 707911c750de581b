package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/streamvoice/core/internal/config"
)

func testEmbeddingConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{Model: "nomic-embed-text", MaxBatchSize: 2, InterBatchDelay: 0}
}

func TestEmbedChunksBatchesRequests(t *testing.T) {
	var requestCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := embedResponse{PromptEvalCount: len(req.Input) * 3}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2, 0.3})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	embedder := NewEmbedder(srv.URL, testEmbeddingConfig(), 2)
	vecs, tokens, err := embedder.EmbedChunks(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 5 {
		t.Fatalf("expected 5 vectors, got %d", len(vecs))
	}
	if requestCount != 3 {
		t.Fatalf("expected 3 batches of size <=2, got %d requests", requestCount)
	}
	if tokens != 15 {
		t.Fatalf("expected total token count 15, got %d", tokens)
	}
}

func TestCentroidAveragesVectors(t *testing.T) {
	vecs := [][]float32{{1, 1, 1}, {3, 3, 3}}
	c := Centroid(vecs)
	for _, v := range c {
		if v != 2 {
			t.Fatalf("expected centroid element 2, got %v", v)
		}
	}
}
