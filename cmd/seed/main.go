// Command seed bulk-ingests a directory of .txt knowledge files into the
// pgvector-backed knowledge store, the same ingestion path the refresh
// scheduler uses for GitHub sources (C8) but driven from the local
// filesystem for one-off bootstrapping.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/rag"
	"github.com/streamvoice/core/internal/types"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Default().Debug("no .env file found, using system environment variables")
	}

	dir := flag.String("dir", "", "directory containing .txt files to seed")
	postgresDSN := flag.String("postgres-dsn", envOr("POSTGRES_DSN", "postgres://localhost:5432/streamvoice?sslmode=disable"), "postgres connection string")
	ollamaURL := flag.String("ollama-url", envOr("OLLAMA_URL", "http://localhost:11434"), "Ollama URL")
	model := flag.String("model", envOr("EMBEDDING_MODEL", "nomic-embed-text"), "embedding model")
	chunkSize := flag.Int("chunk-size", 1000, "max characters per chunk")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: seed --dir ./samples/knowledge/")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("postgres", *postgresDSN)
	if err != nil {
		slog.Error("postgres open", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	embedCfg := config.DefaultEmbeddingConfig()
	embedCfg.Model = *model
	embedder := rag.NewEmbedder(*ollamaURL, embedCfg, 4)
	store := rag.NewStore(db, embedder)

	chunkCfg := config.DefaultChunkingConfig()
	chunkCfg.MaxChunkSize = *chunkSize

	files, err := filepath.Glob(filepath.Join(*dir, "*.txt"))
	if err != nil {
		slog.Error("glob files", "error", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no .txt files found in", *dir)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var total int
	for _, f := range files {
		n, seedErr := seedFile(ctx, f, chunkCfg, embedder, store, *model)
		if seedErr != nil {
			slog.Error("seed file", "file", f, "error", seedErr)
			continue
		}
		total += n
		slog.Info("seeded", "file", f, "chunks", n)
	}

	slog.Info("done", "total_chunks", total, "files", len(files))
}

func seedFile(ctx context.Context, path string, chunkCfg config.ChunkingConfig, embedder *rag.Embedder, store *rag.Store, embeddingModel string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	content := string(data)

	rawChunks := rag.ChunkDocument(content, chunkCfg)
	if len(rawChunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(rawChunks))
	for i, c := range rawChunks {
		texts[i] = c.Text
	}
	vectors, _, err := embedder.EmbedChunks(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	docID := uuid.NewString()
	chunks := make([]types.Chunk, len(rawChunks))
	offset := 0
	for i, c := range rawChunks {
		chunks[i] = types.Chunk{
			DocumentID:     docID,
			ChunkIndex:     c.Index,
			Text:           c.Text,
			StartOffset:    offset,
			EndOffset:      offset + len(c.Text),
			CharacterCount: len(c.Text),
			Vector:         vectors[i],
			EmbeddingModel: embeddingModel,
		}
		offset += len(c.Text)
	}

	err = store.Ingest(ctx, types.KnowledgeDocument{
		ID:         docID,
		SourceURL:  "file://" + path,
		SourceType: "local-file",
		Title:      filepath.Base(path),
		Content:    content,
	}, chunks)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}

	return len(chunks), nil
}

func envOr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
