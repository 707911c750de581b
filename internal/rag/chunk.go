// Package rag implements the retrieval-augmented pipeline: chunking +
// embedding (C5), the vector store client (C6), and citation + grounding
// (C7). Grounded on the teacher's internal/pipeline/embeddings.go (kept
// almost wholesale) and qdrant.go (adapted to Postgres+pgvector, since the
// target deployment is a Postgres-backed knowledge base rather than Qdrant).
package rag

import (
	"strings"

	"github.com/streamvoice/core/internal/config"
)

// Chunk is one ordered slice of a document, dense-indexed from 0.
type Chunk struct {
	Index int
	Text  string
}

// ChunkDocument splits a document into overlapping chunks, preserving
// paragraph boundaries unless a paragraph alone exceeds MaxChunkSize or the
// whole document is long enough that sliding-window is applied directly.
func ChunkDocument(doc string, cfg config.ChunkingConfig) []Chunk {
	if len(doc) == 0 {
		return nil
	}

	if len(doc) > cfg.SlidingWindowAbove || !cfg.PreserveParagraphs {
		return slidingWindowChunk(doc, cfg)
	}

	paragraphs := strings.Split(doc, "\n\n")
	var chunks []Chunk
	idx := 0

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= cfg.MaxChunkSize {
			chunks = append(chunks, Chunk{Index: idx, Text: p})
			idx++
			continue
		}
		for _, c := range slidingWindowChunk(p, cfg) {
			chunks = append(chunks, Chunk{Index: idx, Text: c.Text})
			idx++
		}
	}

	return chunks
}

// slidingWindowChunk splits text into MaxChunkSize windows with OverlapSize
// overlap, preferring to break at a sentence, then newline, then space — but
// only if that break point falls within the last 200 characters of the
// window; otherwise the window is taken as-is.
func slidingWindowChunk(text string, cfg config.ChunkingConfig) []Chunk {
	const breakSearchSpan = 200

	var chunks []Chunk
	idx := 0
	pos := 0
	n := len(text)

	for pos < n {
		end := pos + cfg.MaxChunkSize
		if end >= n {
			chunks = append(chunks, Chunk{Index: idx, Text: strings.TrimSpace(text[pos:n])})
			idx++
			break
		}

		window := text[pos:end]
		breakAt := findBreakPoint(window, breakSearchSpan)

		var chunkEnd int
		if breakAt >= 0 {
			chunkEnd = pos + breakAt
		} else {
			chunkEnd = end
		}

		chunks = append(chunks, Chunk{Index: idx, Text: strings.TrimSpace(text[pos:chunkEnd])})
		idx++

		next := chunkEnd - cfg.OverlapSize
		if next <= pos {
			next = chunkEnd
		}
		pos = next
	}

	return chunks
}

// findBreakPoint looks for a sentence, newline, or space break within the
// last searchSpan characters of window, in that preference order. Returns -1
// if no acceptable break point exists.
func findBreakPoint(window string, searchSpan int) int {
	tailStart := len(window) - searchSpan
	if tailStart < 0 {
		tailStart = 0
	}
	tail := window[tailStart:]

	if i := strings.LastIndex(tail, ". "); i >= 0 {
		return tailStart + i + 2
	}
	if i := strings.LastIndex(tail, "\n"); i >= 0 {
		return tailStart + i + 1
	}
	if i := strings.LastIndex(tail, " "); i >= 0 {
		return tailStart + i + 1
	}
	return -1
}
