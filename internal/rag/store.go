package rag

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/streamvoice/core/internal/types"
)

// SearchOptions tunes a similarity search.
type SearchOptions struct {
	Limit       int
	Threshold   float64
	SourceTypes []string
}

// SearchResult is a single retrieved chunk joined back to its parent
// document for title, URL, and source type.
type SearchResult struct {
	Chunk          types.Chunk
	DocumentTitle  string
	DocumentURL    string
	DocumentSource string
	Similarity     float64
}

// Store is the vector store client (C6), backed by Postgres+pgvector.
// Adapted from the teacher's QdrantClient REST wrapper — same three-method
// surface (search, hybridSearch, findSimilarDocuments), but speaking SQL
// through database/sql and pgvector/pgvector-go instead of Qdrant's REST API.
type Store struct {
	db       *sql.DB
	embedder *Embedder
}

// NewStore creates a vector store client over an open *sql.DB (cmd/gateway
// and cmd/seed open it with the lib/pq "postgres" driver).
func NewStore(db *sql.DB, embedder *Embedder) *Store {
	return &Store{db: db, embedder: embedder}
}

// Search embeds the query and returns top-K chunks whose cosine similarity
// to the query vector exceeds opts.Threshold, sorted descending, optionally
// filtered by source type.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.searchByVector(ctx, vector, opts, "")
}

// HybridSearch combines a vector similarity score (weight 0.7) with a
// constant keyword-match boost (weight 0.3) applied when the chunk text
// contains the raw query substring.
func (s *Store) HybridSearch(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	wideOpts := opts
	wideOpts.Threshold = 0
	candidates, err := s.searchByVector(ctx, vector, wideOpts, "")
	if err != nil {
		return nil, err
	}

	const vectorWeight = 0.7
	const keywordWeight = 0.3
	const keywordBoost = 1.0

	lowerQuery := strings.ToLower(query)
	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		keywordScore := 0.0
		if strings.Contains(strings.ToLower(c.Chunk.Text), lowerQuery) {
			keywordScore = keywordBoost
		}
		combined := vectorWeight*c.Similarity + keywordWeight*keywordScore
		if combined < opts.Threshold {
			continue
		}
		c.Similarity = combined
		results = append(results, c)
	}

	sortBySimilarityDesc(results)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// FindSimilarDocuments computes documentID's centroid vector (the average
// of its chunk vectors) and searches for similar chunks belonging to other
// documents.
func (s *Store) FindSimilarDocuments(ctx context.Context, documentID string, opts SearchOptions) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT embedding FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document chunks: %w", err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var v pgvector.Vector
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan chunk vector: %w", err)
		}
		vectors = append(vectors, v.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	centroid := Centroid(vectors)
	return s.searchByVector(ctx, centroid, opts, documentID)
}

func (s *Store) searchByVector(ctx context.Context, vector []float32, opts SearchOptions, excludeDocumentID string) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT c.document_id, c.chunk_index, c.text, c.start_offset, c.end_offset,
		       c.character_count, c.embedding_model,
		       d.title, d.source_url, d.source_type,
		       1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN knowledge_documents d ON d.id = c.document_id
		WHERE 1 - (c.embedding <=> $1) > $2`
	args := []any{pgvector.NewVector(vector), opts.Threshold}
	argN := 3

	if excludeDocumentID != "" {
		query += fmt.Sprintf(" AND c.document_id != $%d", argN)
		args = append(args, excludeDocumentID)
		argN++
	}
	if len(opts.SourceTypes) > 0 {
		query += fmt.Sprintf(" AND d.source_type = ANY($%d)", argN)
		args = append(args, opts.SourceTypes)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY similarity DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Chunk.DocumentID, &r.Chunk.ChunkIndex, &r.Chunk.Text, &r.Chunk.StartOffset, &r.Chunk.EndOffset,
			&r.Chunk.CharacterCount, &r.Chunk.EmbeddingModel,
			&r.DocumentTitle, &r.DocumentURL, &r.DocumentSource,
			&r.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func sortBySimilarityDesc(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Ingest transactionally replaces a document's chunks: on re-ingest of an
// existing source URL, old chunks are deleted before new chunks are
// inserted, all within a single transaction.
func (s *Store) Ingest(ctx context.Context, doc types.KnowledgeDocument, chunks []types.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO knowledge_documents (id, source_url, source_type, title, content, last_indexed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (source_url) DO UPDATE SET
			title = EXCLUDED.title, content = EXCLUDED.content, last_indexed_at = now()
	`, doc.ID, doc.SourceURL, doc.SourceType, doc.Title, doc.Content)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	// On conflict the stored row keeps its original id, so chunks are
	// addressed through source_url rather than the caller's doc.ID.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunks WHERE document_id = (SELECT id FROM knowledge_documents WHERE source_url = $1)
	`, doc.SourceURL); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (document_id, chunk_index, text, start_offset, end_offset, character_count, embedding, embedding_model)
			SELECT id, $2::integer, $3::text, $4::integer, $5::integer, $6::integer, $7::vector, $8::text
			FROM knowledge_documents WHERE source_url = $1
		`, doc.SourceURL, c.ChunkIndex, c.Text, c.StartOffset, c.EndOffset, c.CharacterCount, pgvector.NewVector(c.Vector), c.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	return tx.Commit()
}
