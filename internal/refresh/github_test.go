package refresh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/rag"
)

func testChunkingConfigForGitHub() config.ChunkingConfig {
	return config.ChunkingConfig{
		MaxChunkSize:       1000,
		OverlapSize:        0,
		PreserveParagraphs: true,
		SlidingWindowAbove: 1000,
	}
}

func TestGitHubFetcherFetchesChunksEmbedsAndIngests(t *testing.T) {
	fileContent := "This repository documents the return policy. Items may be returned within 30 days."
	encoded := base64.StdEncoding.EncodeToString([]byte(fileContent))

	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"content":  encoded,
			"encoding": "base64",
			"html_url": "https://github.com/org/docs/blob/main/returns.md",
		})
	}))
	defer gh.Close()

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		resp := struct {
			Embeddings      [][]float32 `json:"embeddings"`
			PromptEvalCount int         `json:"prompt_eval_count"`
		}{PromptEvalCount: len(req.Input)}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2, 0.3})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer embedSrv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO knowledge_documents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM chunks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	embedder := rag.NewEmbedder(embedSrv.URL, config.EmbeddingConfig{Model: "nomic-embed-text", MaxBatchSize: 10}, 2)
	store := rag.NewStore(db, embedder)

	fetcher := NewGitHubFetcher(store, embedder, testChunkingConfigForGitHub(), "")
	fetcher.apiBase = gh.URL

	repo := config.RefreshRepository{Owner: "org", Repo: "docs", Branch: "main", Paths: []string{"returns.md"}}
	content, sourceURL, err := fetcher.fetchFile(context.Background(), repo, "returns.md")
	if err != nil {
		t.Fatalf("fetchFile: %v", err)
	}
	if content != fileContent {
		t.Fatalf("unexpected content: %q", content)
	}

	if err := fetcher.ingest(context.Background(), sourceURL, "returns.md", content); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
